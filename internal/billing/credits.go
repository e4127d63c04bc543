package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/identity"
	"github.com/PortNumber53/tarot-reading/backend/internal/metrics"
	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
)

const maxIdempotencyKeyLen = 200

// SpendResult reports a successful spend.
type SpendResult struct {
	Remaining int64 `json:"remaining"`
	// Unlimited is set for premium callers; no credit was taken.
	Unlimited bool `json:"unlimited"`
	Replayed  bool `json:"replayed"`
}

// SpendCredit takes one credit for a premium action. Premium callers pass
// without touching the ledger. An empty balance yields ErrCreditsExhausted.
// A repeated idempotencyKey returns the current balance without spending.
func (s *Service) SpendCredit(ctx context.Context, identityID, idempotencyKey string) (SpendResult, error) {
	if identityID == "" {
		return SpendResult{}, identity.ErrUnauthenticated
	}
	if len(idempotencyKey) > maxIdempotencyKeyLen {
		return SpendResult{}, fmt.Errorf("%w: idempotency key too long", ErrInvalidRequest)
	}

	sub, err := s.store.GetSubscription(ctx, identityID)
	if err != nil {
		metrics.CreditSpendsTotal.WithLabelValues("error").Inc()
		return SpendResult{}, err
	}
	if EffectiveTier(sub, s.grace, s.now()) == models.TierPremium {
		ledger, err := s.store.GetCreditLedger(ctx, identityID)
		if err != nil {
			metrics.CreditSpendsTotal.WithLabelValues("error").Inc()
			return SpendResult{}, err
		}
		metrics.CreditSpendsTotal.WithLabelValues("unlimited").Inc()
		return SpendResult{Remaining: ledger.CreditsRemaining, Unlimited: true}, nil
	}

	reference := idempotencyKey
	if reference == "" {
		reference = uuid.NewString()
	}
	res, err := s.store.SpendCredit(ctx, identityID, reference)
	if err != nil {
		if errors.Is(err, store.ErrNoCredit) {
			metrics.CreditSpendsTotal.WithLabelValues("exhausted").Inc()
			return SpendResult{}, ErrCreditsExhausted
		}
		metrics.CreditSpendsTotal.WithLabelValues("error").Inc()
		return SpendResult{}, err
	}

	if res.Replayed {
		metrics.CreditSpendsTotal.WithLabelValues("replayed").Inc()
	} else {
		metrics.CreditSpendsTotal.WithLabelValues("spent").Inc()
		s.cache.Invalidate(ctx, identityID)
		log.Info().Str("identity_id", identityID).Int64("remaining", res.Remaining).Msg("credit spent")
	}
	return SpendResult{Remaining: res.Remaining, Replayed: res.Replayed}, nil
}
