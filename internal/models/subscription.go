package models

import "time"

// Tier is the subscription level controlling always-on features.
type Tier string

const (
	TierFree       Tier = "free"
	TierSubscriber Tier = "subscriber"
	TierPremium    Tier = "premium"
)

// ParseTier returns the tier named by s, or false when s is not a tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierSubscriber, TierPremium:
		return Tier(s), true
	}
	return "", false
}

// SubscriptionStatus is the lifecycle state of a Subscription record.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// GrantsAccess reports whether a subscription in this status may hold a paid tier.
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == StatusActive || s == StatusPastDue
}

// Subscription is the per-identity subscription record.
type Subscription struct {
	IdentityID           string             `json:"identity_id"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string             `json:"stripe_price_id,omitempty"`
	Tier                 Tier               `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	PastDueSince         *time.Time         `json:"past_due_since,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// DefaultSubscription is the free record every identity has before its first write.
func DefaultSubscription(identityID string) Subscription {
	return Subscription{
		IdentityID: identityID,
		Tier:       TierFree,
		Status:     StatusActive,
	}
}

// HasSubscription reports whether a processor subscription handle is attached.
func (s Subscription) HasSubscription() bool {
	return s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != ""
}

// Normalize forces tier to free whenever the status or a missing handle cannot carry a paid tier.
func (s Subscription) Normalize() Subscription {
	if !s.Status.GrantsAccess() || !s.HasSubscription() {
		s.Tier = TierFree
	}
	if s.Status != StatusPastDue {
		s.PastDueSince = nil
	}
	return s
}
