package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/processor"
)

// maxWebhookBytes matches the processor's documented payload ceiling.
const maxWebhookBytes = 64 << 10

type NotificationSubmitter interface {
	Submit(ctx context.Context, n domain.Notification) error
}

type WebhookHandler struct {
	base
	parser    processor.WebhookParser
	submitter NotificationSubmitter
}

func NewWebhookHandler(parser processor.WebhookParser, submitter NotificationSubmitter, log *slog.Logger, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{base: base{log: log, timeout: timeout}, parser: parser, submitter: submitter}
}

// POST /api/v1/payments/webhook
//
// A 2xx tells the processor to stop redelivering, so it is only returned
// once the notification is applied, deduplicated or deliberately ignored.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook payload too large")
		return
	}

	n, err := h.parser.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.WarnContext(ctx, "rejected payment webhook", "error", err)
		h.handleError(w, r, err)
		return
	}
	if n == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.submitter.Submit(ctx, *n); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			h.handleError(w, r, err)
			return
		}
		h.log.ErrorContext(ctx, "failed to apply payment webhook", "event_id", n.IdempotencyID, "error", err)
		respondError(w, http.StatusServiceUnavailable, "retry_later", "notification not applied")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
