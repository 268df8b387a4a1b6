package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/native"
)

const maxBodySize = 1 << 20

// Handler exposes the dispatcher over HTTP.
type Handler struct {
	dispatcher *Dispatcher
	username   string
	password   string
}

// NewHandler creates a new handler. Basic auth is enforced when username is set.
func NewHandler(d *Dispatcher, username, password string) *Handler {
	return &Handler{dispatcher: d, username: username, password: password}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Post("/download", h.handle(KindDownload, http.StatusAccepted))
		r.Post("/file_states", h.handle(KindFileStates, http.StatusOK))
	})

	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handle(kind string, successStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logctx.LoggerFromContext(r.Context()).With("kind", kind)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			logger.Error("failed to read request body", "err", err)
			writeError(w, http.StatusBadRequest, "invalid request body")

			return
		}

		if len(body) > maxBodySize {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")

			return
		}

		var resp Response

		h.dispatcher.Dispatch(r.Context(), Request{
			Kind:    kind,
			Payload: body,
			Respond: func(r Response) { resp = r },
		})

		if resp.Err != nil {
			status := statusFor(resp.Err)
			if status >= http.StatusInternalServerError {
				logger.Error("request failed", "err", resp.Err, "status", status)
			} else {
				logger.Debug("request rejected", "err", resp.Err, "status", status)
			}

			writeError(w, status, resp.Err.Error())

			return
		}

		writeJSON(w, successStatus, resp.Data)
	}
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps internal errors to HTTP status codes.
func statusFor(err error) int {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest
	}

	var helperErr *native.HelperError
	if errors.As(err, &helperErr) {
		return http.StatusBadGateway
	}

	var mismatchErr *native.ProtocolMismatchError
	if errors.As(err, &mismatchErr) {
		return http.StatusBadGateway
	}

	var transportErr *native.TransportError
	if errors.As(err, &transportErr) {
		return http.StatusServiceUnavailable
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
