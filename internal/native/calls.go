package native

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/italolelis/edman/internal/nativemsg"
)

// FetchFileStates reports, for each key, whether the helper already holds a
// file registered under it. The result follows the order of keys.
func (c *Client) FetchFileStates(ctx context.Context, keys []string) ([]bool, error) {
	if keys == nil {
		keys = []string{}
	}

	var reply nativemsg.FetchFileStatesReply
	if err := c.call(ctx, nativemsg.KindFetchFileStates, nativemsg.FetchFileStatesRequest{Query: keys}, &reply); err != nil {
		return nil, err
	}

	if len(reply.Result) != len(keys) {
		return nil, fmt.Errorf("helper returned %d file states for %d keys", len(reply.Result), len(keys))
	}

	return reply.Result, nil
}

// RegisterFile hands a completed staging file to the helper and returns the
// registry id it was stored under.
func (c *Client) RegisterFile(ctx context.Context, req nativemsg.RegisterFileRequest) (int64, error) {
	var reply nativemsg.RegisterFileReply
	if err := c.call(ctx, nativemsg.KindRegisterFile, req, &reply); err != nil {
		return 0, err
	}

	return reply.ID, nil
}

// Config fetches the helper configuration.
func (c *Client) Config(ctx context.Context) (*nativemsg.Config, error) {
	var cfg nativemsg.Config
	if err := c.call(ctx, nativemsg.KindConfig, nil, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Client) call(ctx context.Context, kind nativemsg.Kind, payload, out any) error {
	data, err := c.Call(ctx, kind, payload)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", kind, err)
	}

	return nil
}
