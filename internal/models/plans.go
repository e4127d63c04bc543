package models

import "time"

// MembershipPlan is a purchasable product tagged with the tier it grants.
// Credit products carry TierFree.
type MembershipPlan struct {
	ID          int64       `json:"id"`
	Slug        string      `json:"slug"`
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	ProductType ProductType `json:"product_type"`
	Tier        Tier        `json:"tier"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PlanVersionStatus represents the lifecycle state of a plan version
type PlanVersionStatus string

const (
	PlanVersionActive     PlanVersionStatus = "active"
	PlanVersionDeprecated PlanVersionStatus = "deprecated"
	PlanVersionArchived   PlanVersionStatus = "archived"
)

// PlanVersion is one Stripe price for a plan. A price change creates a new version.
type PlanVersion struct {
	ID              int64             `json:"id"`
	PlanID          int64             `json:"plan_id"`
	Version         int               `json:"version"`
	StripeProductID *string           `json:"stripe_product_id,omitempty"`
	StripePriceID   string            `json:"stripe_price_id"`
	PriceCents      int64             `json:"price_cents"`
	Currency        string            `json:"currency"`
	BillingInterval string            `json:"billing_interval,omitempty"`
	Status          PlanVersionStatus `json:"status"`
	DeprecatedAt    *time.Time        `json:"deprecated_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PlanWithCurrentVersion combines a plan with its active version for display
type PlanWithCurrentVersion struct {
	Plan    MembershipPlan `json:"plan"`
	Version PlanVersion    `json:"version"`
}
