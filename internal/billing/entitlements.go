package billing

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/metrics"
	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

// CheckAccess returns the caller's entitlement. It never fails: anonymous
// callers and store errors both yield the free defaults. refresh skips the
// read cache.
func (s *Service) CheckAccess(ctx context.Context, identityID string, refresh bool) models.Entitlement {
	if identityID == "" {
		return FreeEntitlement()
	}

	// The generation is read before the store so a concurrent invalidation
	// makes the Set below a no-op.
	cached, generation, ok := s.cache.Get(ctx, identityID)
	switch {
	case refresh:
		metrics.EntitlementCacheTotal.WithLabelValues("bypass").Inc()
	case ok:
		metrics.EntitlementCacheTotal.WithLabelValues("hit").Inc()
		return cached
	default:
		metrics.EntitlementCacheTotal.WithLabelValues("miss").Inc()
	}

	sub, err := s.store.GetSubscription(ctx, identityID)
	if err != nil {
		log.Error().Err(err).Str("identity_id", identityID).Msg("entitlement read failed; serving free defaults")
		return FreeEntitlement()
	}
	ledger, err := s.store.GetCreditLedger(ctx, identityID)
	if err != nil {
		log.Error().Err(err).Str("identity_id", identityID).Msg("credit ledger read failed; serving free defaults")
		return FreeEntitlement()
	}

	e := s.entitlementFor(sub, ledger.CreditsRemaining)
	s.cache.Set(ctx, identityID, generation, e)
	return e
}

func (s *Service) entitlementFor(sub models.Subscription, credits int64) models.Entitlement {
	now := s.now()
	tier := EffectiveTier(sub, s.grace, now)
	e := models.Entitlement{
		Tier:     tier,
		Status:   EffectiveStatus(sub, s.grace, now),
		Credits:  credits,
		Features: DeriveFeatures(tier, credits),
	}
	if sub.HasSubscription() {
		cancel := sub.CancelAtPeriodEnd
		e.CancelAtPeriodEnd = &cancel
		e.CurrentPeriodEnd = sub.CurrentPeriodEnd
		if e.Status == models.StatusPastDue {
			e.GraceEndsAt = GraceEndsAt(sub, s.grace)
		}
	}
	return e
}
