package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
	"github.com/PortNumber53/tarot-reading/backend/internal/metrics"
	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

// customerNamespace seeds the deterministic idempotency key used when
// creating a processor customer for an identity.
var customerNamespace = uuid.MustParse("6f1c1a3e-52a4-4f4e-9d0b-7a0e4b8f2c11")

// CheckoutRequest asks for a hosted checkout page for one catalog product.
type CheckoutRequest struct {
	Product     string             `json:"product"`
	ProductType models.ProductType `json:"product_type"`
	SuccessURL  string             `json:"success_url"`
	CancelURL   string             `json:"cancel_url"`
}

// CheckoutResult is the hosted page the browser should be sent to.
type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// StartCheckout resolves the caller's processor customer, opens a checkout
// session tagged with the caller's identity and records a pending attempt.
func (s *Service) StartCheckout(ctx context.Context, who identity.Identity, req CheckoutRequest) (CheckoutResult, error) {
	if who.ID == "" {
		return CheckoutResult{}, identity.ErrUnauthenticated
	}
	req.Product = strings.TrimSpace(req.Product)
	if req.Product == "" {
		return CheckoutResult{}, fmt.Errorf("%w: product is required", ErrInvalidRequest)
	}
	if !req.ProductType.Valid() {
		return CheckoutResult{}, fmt.Errorf("%w: product_type must be subscription or credit", ErrInvalidRequest)
	}
	if err := s.checkRedirect(req.SuccessURL); err != nil {
		return CheckoutResult{}, fmt.Errorf("success_url: %w", err)
	}
	if err := s.checkRedirect(req.CancelURL); err != nil {
		return CheckoutResult{}, fmt.Errorf("cancel_url: %w", err)
	}

	plan, err := s.catalog.GetPlanBySlug(ctx, req.Product)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) || errors.Is(err, store.ErrPlanVersionNotFound) {
			return CheckoutResult{}, fmt.Errorf("%w: %s", ErrUnknownProduct, req.Product)
		}
		return CheckoutResult{}, err
	}
	if plan.Plan.ProductType != req.ProductType || plan.Version.StripePriceID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: %s is not a %s product", ErrUnknownProduct, req.Product, req.ProductType)
	}
	if req.ProductType == models.ProductSubscription && plan.Plan.Tier == models.TierFree {
		return CheckoutResult{}, fmt.Errorf("%w: the free plan cannot be purchased", ErrInvalidRequest)
	}

	logger := log.With().Str("identity_id", who.ID).Str("product", req.Product).Logger()

	customerID, err := s.resolveCustomer(ctx, who)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues(string(req.ProductType), "customer_error").Inc()
		return CheckoutResult{}, err
	}

	mode := stripe.ModePayment
	if req.ProductType == models.ProductSubscription {
		mode = stripe.ModeSubscription
	}
	session, err := s.processor.CreateCheckoutSession(ctx, stripe.CheckoutParams{
		CustomerID: customerID,
		PriceID:    plan.Version.StripePriceID,
		Mode:       mode,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata: map[string]string{
			"identity_id":  who.ID,
			"product_type": string(req.ProductType),
			"product":      req.Product,
		},
		ClientReferenceID: who.ID,
		IdempotencyKey:    "checkout-" + uuid.NewString(),
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues(string(req.ProductType), "processor_error").Inc()
		logger.Error().Err(err).Msg("checkout session creation failed")
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrProcessor, err)
	}

	amount := session.AmountTotal
	if amount == 0 {
		amount = plan.Version.PriceCents
	}
	currency := firstNonEmpty(session.Currency, plan.Version.Currency)
	attempt := &models.PurchaseAttempt{
		IdentityID:       who.ID,
		StripeSessionID:  session.ID,
		StripeCustomerID: customerID,
		ProductType:      req.ProductType,
		PlanSlug:         req.Product,
		StripePriceID:    plan.Version.StripePriceID,
		Status:           models.AttemptPending,
		AmountCents:      amount,
		Currency:         currency,
	}
	if err := s.store.CreatePurchaseAttempt(ctx, attempt); err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues(string(req.ProductType), "store_error").Inc()
		return CheckoutResult{}, err
	}

	metrics.CheckoutSessionsTotal.WithLabelValues(string(req.ProductType), "created").Inc()
	logger.Info().Str("session_id", session.ID).Msg("checkout session created")
	return CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// resolveCustomer returns the identity's processor customer, reusing the
// stored handle, then a lookup by email, then creating one. Concurrent
// calls for one identity share a single resolution.
func (s *Service) resolveCustomer(ctx context.Context, who identity.Identity) (string, error) {
	sub, err := s.store.GetSubscription(ctx, who.ID)
	if err != nil {
		return "", err
	}
	if sub.StripeCustomerID != "" {
		return sub.StripeCustomerID, nil
	}
	if who.Email == "" {
		return "", ErrMissingContact
	}

	v, err, _ := s.customers.Do(who.ID, func() (any, error) {
		customerID, err := s.processor.FindCustomerByEmail(ctx, who.Email)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		if customerID == "" {
			customerID, err = s.processor.CreateCustomer(ctx, who.Email, who.ID, customerIdempotencyKey(who.ID))
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrProcessor, err)
			}
		}
		// First writer wins; every caller continues with the stored handle.
		return s.store.AttachCustomer(ctx, who.ID, customerID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func customerIdempotencyKey(identityID string) string {
	return "customer-" + uuid.NewSHA1(customerNamespace, []byte(identityID)).String()
}

// checkRedirect accepts absolute http(s) URLs within the allowed origins.
func (s *Service) checkRedirect(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: redirect url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidRequest, raw)
	}
	if len(s.origins) == 0 {
		return nil
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	if !slices.Contains(s.origins, origin) {
		return fmt.Errorf("%w: %s is not an allowed origin", ErrInvalidRequest, origin)
	}
	return nil
}
