package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/tracker"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Message renders a tracker event for a chat channel.
func Message(e tracker.Event) string {
	dest := path.Join(e.SavePath...)

	switch e.Type {
	case tracker.EventHandedOff:
		return fmt.Sprintf("Saved %s as %s", e.Key, dest)
	case tracker.EventHandoffFailed:
		return fmt.Sprintf("Failed to save %s as %s: %v", e.Key, dest, e.Err)
	case tracker.EventInterrupted:
		return fmt.Sprintf("Download of %s was interrupted", e.Key)
	default:
		return strings.TrimSpace(fmt.Sprintf("%s %s", e.Type, e.Key))
	}
}

// Forward sends every event to n until events is closed or ctx is done.
func Forward(ctx context.Context, n Notifier, events <-chan tracker.Event) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}

			if err := n.Notify(ctx, Message(e)); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "event", string(e.Type), "handle", e.Handle, "err", err)
			}
		}
	}
}
