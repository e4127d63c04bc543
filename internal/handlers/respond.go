package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/billing"
	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// classify maps a service error to its HTTP status and stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, billing.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, billing.ErrCreditsExhausted):
		return http.StatusPaymentRequired, "credits_exhausted"
	case errors.Is(err, billing.ErrUnknownProduct):
		return http.StatusNotFound, "unknown_product"
	case errors.Is(err, billing.ErrNoBillingRelationship):
		return http.StatusNotFound, "no_billing_relationship"
	case errors.Is(err, billing.ErrMissingContact):
		return http.StatusUnprocessableEntity, "missing_contact"
	case errors.Is(err, billing.ErrProcessor):
		return http.StatusBadGateway, "processor_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: msg})
}
