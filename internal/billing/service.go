// Package billing decides what an identity may do and keeps that decision
// in step with the payment processor's event stream.
package billing

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

// Store is the entitlement store as seen by the billing service.
type Store interface {
	GetSubscription(ctx context.Context, identityID string) (models.Subscription, error)
	AttachCustomer(ctx context.Context, identityID, customerID string) (string, error)
	GetCreditLedger(ctx context.Context, identityID string) (models.CreditLedger, error)
	SpendCredit(ctx context.Context, identityID, reference string) (store.SpendResult, error)
	CreatePurchaseAttempt(ctx context.Context, a *models.PurchaseAttempt) error
	GetPurchaseAttempt(ctx context.Context, sessionID string) (models.PurchaseAttempt, error)
	Reconcile(ctx context.Context, eventID, eventType string, fn func(store.ReconcileTx) error) (bool, error)
	ExpireLapsedGrace(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Catalog resolves products and prices to plans.
type Catalog interface {
	ListPlans(ctx context.Context) ([]models.PlanWithCurrentVersion, error)
	GetPlanBySlug(ctx context.Context, slug string) (*models.PlanWithCurrentVersion, error)
	GetPlanByStripePriceID(ctx context.Context, priceID string) (*models.PlanWithCurrentVersion, error)
}

// Processor is the subset of the Stripe client the service calls.
type Processor interface {
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, email, identityID, idempotencyKey string) (string, error)
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (*stripe.CheckoutSessionResult, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// Cache is the advisory entitlement read model. Get also returns the
// identity's generation; Set must drop the write if an Invalidate has
// happened since that generation was read.
type Cache interface {
	Get(ctx context.Context, identityID string) (models.Entitlement, int64, bool)
	Set(ctx context.Context, identityID string, generation int64, e models.Entitlement)
	Invalidate(ctx context.Context, identityID string)
}

// Options tunes a Service. Zero values are valid.
type Options struct {
	// GracePeriod bounds how long past_due keeps its tier. Zero means no bound.
	GracePeriod time.Duration
	// AllowedRedirectOrigins, when set, restricts checkout and portal return targets.
	AllowedRedirectOrigins []string
	Cache                  Cache
	Now                    func() time.Time
}

// Service implements checkout, reconciliation, check-access, credit spend and the portal handoff.
type Service struct {
	store     Store
	catalog   Catalog
	processor Processor
	cache     Cache
	grace     time.Duration
	origins   []string
	now       func() time.Time
	customers singleflight.Group
}

// NewService wires a Service.
func NewService(st Store, catalog Catalog, processor Processor, opts Options) *Service {
	s := &Service{
		store:     st,
		catalog:   catalog,
		processor: processor,
		cache:     opts.Cache,
		grace:     opts.GracePeriod,
		origins:   opts.AllowedRedirectOrigins,
		now:       opts.Now,
	}
	if s.cache == nil {
		s.cache = noopCache{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Plans lists the purchasable catalog.
func (s *Service) Plans(ctx context.Context) ([]models.PlanWithCurrentVersion, error) {
	return s.catalog.ListPlans(ctx)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (models.Entitlement, int64, bool) {
	return models.Entitlement{}, -1, false
}
func (noopCache) Set(context.Context, string, int64, models.Entitlement) {}
func (noopCache) Invalidate(context.Context, string)                    {}
