package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/billing"
	"github.com/PortNumber53/tarot-reading/backend/internal/metrics"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

const maxWebhookBody = 1 << 20

// Webhook verifies and reconciles a Stripe event. Bad signatures and
// undecodable payloads get 400; anything retryable gets 500 so Stripe
// redelivers the event.
func (h *BillingHandler) Webhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		eventType := "unverified"
		status := http.StatusOK
		defer func() {
			metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
			metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()

		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			status = http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, errorBody{Error: "invalid_request", Message: "failed to read body"})
			return
		}

		evt, err := stripe.VerifyEvent(payload, r.Header.Get("Stripe-Signature"), h.WebhookSecret)
		if err != nil {
			status = http.StatusBadRequest
			log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected webhook with invalid signature")
			writeJSON(w, status, errorBody{Error: "invalid_signature", Message: "signature verification failed"})
			return
		}
		eventType = evt.Type

		res, err := h.Service.HandleEvent(r.Context(), evt)
		if err != nil {
			metrics.WebhookOutcomes.WithLabelValues(eventType, "failed").Inc()
			if errors.Is(err, billing.ErrInvalidRequest) {
				status = http.StatusBadRequest
				writeJSON(w, status, errorBody{Error: "invalid_request", Message: err.Error()})
				return
			}
			status = http.StatusInternalServerError
			writeJSON(w, status, errorBody{Error: "processing_failed", Message: "event will be retried"})
			return
		}

		metrics.WebhookOutcomes.WithLabelValues(eventType, string(res.Outcome)).Inc()
		writeJSON(w, status, map[string]any{"received": true, "outcome": res.Outcome})
	}
}
