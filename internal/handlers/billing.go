package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/tarot-reading/backend/internal/billing"
	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

const maxJSONBody = 64 << 10

// BillingService is the behaviour the billing routes need.
type BillingService interface {
	Plans(ctx context.Context) ([]models.PlanWithCurrentVersion, error)
	StartCheckout(ctx context.Context, who identity.Identity, req billing.CheckoutRequest) (billing.CheckoutResult, error)
	HandleEvent(ctx context.Context, evt stripe.Event) (billing.Result, error)
	CheckAccess(ctx context.Context, identityID string, refresh bool) models.Entitlement
	SpendCredit(ctx context.Context, identityID, idempotencyKey string) (billing.SpendResult, error)
	PortalURL(ctx context.Context, identityID, returnURL string) (string, error)
}

// BillingHandler serves checkout, webhook, entitlement, credit and portal routes.
type BillingHandler struct {
	Service       BillingService
	Verifier      identity.Verifier
	WebhookSecret string
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(svc BillingService, verifier identity.Verifier, webhookSecret string) *BillingHandler {
	return &BillingHandler{Service: svc, Verifier: verifier, WebhookSecret: webhookSecret}
}

// RegisterRoutes registers the billing routes on router.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/plans", h.ListPlans())
	router.Post("/api/webhooks/stripe", h.Webhook())

	router.Group(func(r chi.Router) {
		r.Use(identity.Optional(h.Verifier))
		r.Get("/api/entitlements", h.Entitlements())
	})

	router.Group(func(r chi.Router) {
		r.Use(identity.Require(h.Verifier))
		r.Post("/api/checkout", h.Checkout())
		r.Post("/api/credits/spend", h.SpendCredit())
		r.Post("/api/billing/portal", h.Portal())
	})
}

// ListPlans returns the purchasable catalog.
func (h *BillingHandler) ListPlans() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans, err := h.Service.Plans(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if plans == nil {
			plans = []models.PlanWithCurrentVersion{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
	}
}

// Checkout starts a hosted checkout for the caller.
func (h *BillingHandler) Checkout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := identity.FromContext(r.Context())

		var req billing.CheckoutRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeBadRequest(w, "invalid JSON payload")
			return
		}

		res, err := h.Service.StartCheckout(r.Context(), who, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// Entitlements answers check-access. It never fails for anonymous callers.
func (h *BillingHandler) Entitlements() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := identity.FromContext(r.Context())
		refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

		ent := h.Service.CheckAccess(r.Context(), who.ID, refresh)
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, ent)
	}
}

type spendResponse struct {
	Success bool `json:"success"`
	billing.SpendResult
}

// SpendCredit takes one credit. An empty balance is a 402, not a failure.
func (h *BillingHandler) SpendCredit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := identity.FromContext(r.Context())
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

		res, err := h.Service.SpendCredit(r.Context(), who.ID, key)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, spendResponse{Success: true, SpendResult: res})
	}
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

// Portal hands the caller off to the hosted billing management page.
func (h *BillingHandler) Portal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, _ := identity.FromContext(r.Context())

		var req portalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeBadRequest(w, "invalid JSON payload")
			return
		}

		u, err := h.Service.PortalURL(r.Context(), who.ID, req.ReturnURL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": u})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return json.NewDecoder(r.Body).Decode(dst)
}
