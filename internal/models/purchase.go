package models

import "time"

// ProductType distinguishes recurring plans from one-time credit purchases.
type ProductType string

const (
	ProductSubscription ProductType = "subscription"
	ProductCredit       ProductType = "credit"
)

// Valid reports whether p is a known product type.
func (p ProductType) Valid() bool {
	return p == ProductSubscription || p == ProductCredit
}

// PurchaseAttemptStatus tracks a checkout session from creation to completion.
type PurchaseAttemptStatus string

const (
	AttemptPending   PurchaseAttemptStatus = "pending"
	AttemptCompleted PurchaseAttemptStatus = "completed"
	AttemptFailed    PurchaseAttemptStatus = "failed"
)

// PurchaseAttempt records one checkout session, whether or not it completes.
type PurchaseAttempt struct {
	ID               int64                 `json:"id"`
	IdentityID       string                `json:"identity_id"`
	StripeSessionID  string                `json:"stripe_session_id"`
	StripeCustomerID string                `json:"stripe_customer_id"`
	ProductType      ProductType           `json:"product_type"`
	PlanSlug         string                `json:"plan_slug"`
	StripePriceID    string                `json:"stripe_price_id"`
	Status           PurchaseAttemptStatus `json:"status"`
	AmountCents      int64                 `json:"amount_cents"`
	Currency         string                `json:"currency"`
	CreatedAt        time.Time             `json:"created_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}
