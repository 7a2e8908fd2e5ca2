package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/znz-systems/relaywarm/internal/webhook"
)

const maxWebhookBody = 1 << 20

type EventHandler interface {
	Handle(ctx context.Context, env webhook.Envelope) error
}

// WebhookHandler receives relay callbacks after admission.
type WebhookHandler struct {
	events EventHandler
}

func NewWebhookHandler(events EventHandler) *WebhookHandler {
	return &WebhookHandler{events: events}
}

// HandleWebhook acknowledges every well-formed body with 200 once it has
// been processed, including events that were dropped or failed internally,
// so the relay does not redeliver them.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Status: "error", Message: "Invalid JSON"})
		return
	}

	env, err := webhook.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonResponse{Status: "error", Message: "Invalid JSON"})
		return
	}

	if err := h.events.Handle(r.Context(), env); err != nil {
		if errors.Is(err, webhook.ErrDropped) {
			slog.Debug("webhook event dropped", "kind", env.Kind.String(), "reason", err)
		} else {
			slog.Error("failed to process webhook event", "kind", env.Kind.String(), "error", err)
		}
	}

	writeJSON(w, http.StatusOK, jsonResponse{Status: "ok"})
}
