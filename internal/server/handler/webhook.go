package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/webhook"
)

// maxWebhookBody caps provider callback bodies.
const maxWebhookBody = 1 << 20

// WebhookProcessor is what the webhook handler needs.
type WebhookProcessor interface {
	Handle(ctx context.Context, source string, payload []byte, signature string) (webhook.Result, error)
	ListFailed(ctx context.Context, opts domain.ListOpts) ([]domain.WebhookEvent, error)
}

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	processor WebhookProcessor
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(p WebhookProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: p, logger: logHandler(logger, "webhooks")}
}

// Receive verifies and records one callback. Everything that passes the
// signature check and carries an event id is acknowledged with 200, including
// duplicates and events whose processing failed.
// POST /api/webhooks/{source}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInput", "read body failed")
		return
	}
	res, err := h.processor.Handle(r.Context(), r.PathValue("source"), payload, r.Header.Get("X-Signature"))
	if err != nil {
		writeDomainError(w, r, h.logger, "webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"event_id":  res.EventID,
		"duplicate": res.Duplicate,
	})
}

// ListFailed returns callbacks whose processing recorded an error.
// GET /api/admin/webhooks/failed?limit=&offset=
func (h *WebhookHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	events, err := h.processor.ListFailed(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list failed webhooks", err)
		return
	}
	out := make([]webhookEventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, webhookEventJSON{
			ID:              e.ID,
			Source:          e.Source,
			ProviderEventID: e.ProviderEventID,
			EventType:       string(e.EventType),
			Error:           e.Error,
			CreatedAt:       e.CreatedAt,
			ProcessedAt:     e.ProcessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
