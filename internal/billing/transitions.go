package billing

import (
	"time"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

// The functions in this file are pure: they map the current record and an
// event payload to the next record. All I/O happens in the reconciler.

// MapProcessorStatus maps a Stripe subscription status onto ours. Anything
// unrecognised maps to expired so an unknown state never grants access.
func MapProcessorStatus(status string) models.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return models.StatusActive
	case "past_due", "unpaid":
		return models.StatusPastDue
	case "canceled":
		return models.StatusCancelled
	default:
		return models.StatusExpired
	}
}

// ApplySubscriptionCheckout links a freshly purchased subscription to the
// identity's record and applies its current processor state.
func ApplySubscriptionCheckout(cur models.Subscription, customerID string, sub stripe.Subscription, tier models.Tier, now time.Time) models.Subscription {
	next := cur
	if customerID != "" {
		next.StripeCustomerID = customerID
	}
	handle := sub.ID
	next.StripeSubscriptionID = &handle
	if cur.StripeSubscriptionID == nil || *cur.StripeSubscriptionID != handle {
		// A new subscription starts its own grace clock.
		next.PastDueSince = nil
		next.Status = ""
	}
	return ApplySubscriptionUpdated(next, sub, tier, now)
}

// ApplySubscriptionUpdated overwrites status, period bounds and the cancel
// flag from the processor. tier is used only when the new status grants
// access; otherwise the record falls to free.
func ApplySubscriptionUpdated(cur models.Subscription, sub stripe.Subscription, tier models.Tier, now time.Time) models.Subscription {
	next := cur
	next.Status = MapProcessorStatus(sub.Status)
	if cur.Status == models.StatusExpired && next.Status == models.StatusPastDue {
		// Grace already ran out. Only a paid (active) update restores the tier.
		next.Status = models.StatusExpired
	}
	next.CurrentPeriodStart, next.CurrentPeriodEnd = sub.PeriodBounds()
	next.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if price, ok := sub.PrimaryPrice(); ok {
		next.StripePriceID = price.ID
	}
	if next.Status.GrantsAccess() {
		next.Tier = tier
	}
	if next.Status == models.StatusPastDue && (cur.Status != models.StatusPastDue || cur.PastDueSince == nil) {
		stamp := now
		next.PastDueSince = &stamp
	}
	return next.Normalize()
}

// ApplySubscriptionDeleted is terminal: the record drops to free and loses its handle.
func ApplySubscriptionDeleted(cur models.Subscription) models.Subscription {
	next := cur
	next.Tier = models.TierFree
	next.Status = models.StatusCancelled
	next.StripeSubscriptionID = nil
	next.StripePriceID = ""
	next.CancelAtPeriodEnd = false
	next.PastDueSince = nil
	return next.Normalize()
}

// ApplyInvoicePaymentFailed moves a live subscription to past_due without
// touching its tier. It reports false when nothing changed.
func ApplyInvoicePaymentFailed(cur models.Subscription, now time.Time) (models.Subscription, bool) {
	switch cur.Status {
	case models.StatusActive:
		next := cur
		next.Status = models.StatusPastDue
		stamp := now
		next.PastDueSince = &stamp
		return next.Normalize(), true
	case models.StatusPastDue:
		if cur.PastDueSince != nil {
			return cur, false
		}
		next := cur
		stamp := now
		next.PastDueSince = &stamp
		return next, true
	default:
		return cur, false
	}
}

// GraceEndsAt returns when a past_due record loses its tier, or nil when no
// time box applies.
func GraceEndsAt(sub models.Subscription, grace time.Duration) *time.Time {
	if grace <= 0 || sub.Status != models.StatusPastDue || sub.PastDueSince == nil {
		return nil
	}
	end := sub.PastDueSince.Add(grace)
	return &end
}

// EffectiveStatus and EffectiveTier apply the grace time box to a stored
// record without writing it; the sweep persists the same outcome later.
func EffectiveStatus(sub models.Subscription, grace time.Duration, now time.Time) models.SubscriptionStatus {
	if end := GraceEndsAt(sub, grace); end != nil && now.After(*end) {
		return models.StatusExpired
	}
	if sub.Status == "" {
		return models.StatusActive
	}
	return sub.Status
}

func EffectiveTier(sub models.Subscription, grace time.Duration, now time.Time) models.Tier {
	if !EffectiveStatus(sub, grace, now).GrantsAccess() || !sub.HasSubscription() {
		return models.TierFree
	}
	if _, ok := models.ParseTier(string(sub.Tier)); !ok {
		return models.TierFree
	}
	return sub.Tier
}

// DeriveFeatures is the feature map for a tier and credit balance.
func DeriveFeatures(tier models.Tier, credits int64) models.Features {
	paid := tier == models.TierSubscriber || tier == models.TierPremium
	premium := tier == models.TierPremium
	return models.Features{
		YesNoReading:    true,
		DailyReading:    paid,
		SaveReadings:    premium,
		AnalysisTool:    premium,
		ExtendedFeature: premium,
		PremiumSpread:   premium || credits > 0,
	}
}

// FreeEntitlement is what anonymous callers and degraded reads get.
func FreeEntitlement() models.Entitlement {
	return models.Entitlement{
		Tier:     models.TierFree,
		Status:   models.StatusActive,
		Features: DeriveFeatures(models.TierFree, 0),
	}
}
