package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
	"github.com/PortNumber53/tarot-reading/backend/internal/store"
	"github.com/PortNumber53/tarot-reading/backend/internal/stripe"
)

// Outcome says what happened to an acknowledged event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is returned for every event that may be acknowledged.
type Result struct {
	Outcome    Outcome
	IdentityID string
}

// HandleEvent applies one verified processor event. A nil error means the
// event may be acknowledged; any error means it must be redelivered, except
// ErrInvalidRequest which no redelivery can fix.
func (s *Service) HandleEvent(ctx context.Context, evt stripe.Event) (Result, error) {
	ev, err := DecodeEvent(evt)
	if err != nil {
		return Result{}, err
	}

	logger := log.With().Str("event_id", ev.EventID()).Str("event_type", ev.EventType()).Logger()

	var res Result
	switch e := ev.(type) {
	case CheckoutCompleted:
		res, err = s.applyCheckout(ctx, e)
	case CheckoutFailed:
		res, err = s.applyCheckoutFailed(ctx, e)
	case SubscriptionUpdated:
		res, err = s.applySubscriptionUpdated(ctx, e)
	case SubscriptionDeleted:
		res, err = s.applySubscriptionDeleted(ctx, e)
	case InvoicePaymentFailed:
		res, err = s.applyInvoicePaymentFailed(ctx, e)
	default:
		logger.Info().Msg("ignoring unhandled event type")
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("event reconciliation failed")
		return Result{}, err
	}

	if res.Outcome == OutcomeApplied && res.IdentityID != "" {
		s.cache.Invalidate(ctx, res.IdentityID)
	}
	logger.Info().Str("identity_id", res.IdentityID).Str("outcome", string(res.Outcome)).Msg("event reconciled")
	return res, nil
}

// reconcile runs fn in one store transaction guarded by the event log. fn
// reports the affected identity and whether it changed anything.
func (s *Service) reconcile(ctx context.Context, ev Event, fn func(tx store.ReconcileTx) (string, bool, error)) (Result, error) {
	var (
		identityID string
		changed    bool
	)
	applied, err := s.store.Reconcile(ctx, ev.EventID(), ev.EventType(), func(tx store.ReconcileTx) error {
		var err error
		identityID, changed, err = fn(tx)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if !changed {
		return Result{Outcome: OutcomeIgnored, IdentityID: identityID}, nil
	}
	return Result{Outcome: OutcomeApplied, IdentityID: identityID}, nil
}

func (s *Service) applyCheckout(ctx context.Context, ev CheckoutCompleted) (Result, error) {
	logger := log.With().Str("event_id", ev.ID).Str("session_id", ev.SessionID).Logger()

	// Cheap pre-check outside the transaction so redeliveries do not hit the
	// processor again, and so a missing attempt fails before any work.
	attempt, err := s.store.GetPurchaseAttempt(ctx, ev.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: session %s", ErrAttemptNotFound, ev.SessionID)
		}
		return Result{}, err
	}
	if attempt.Status == models.AttemptCompleted {
		return Result{Outcome: OutcomeDuplicate, IdentityID: attempt.IdentityID}, nil
	}
	if attempt.Status == models.AttemptFailed {
		logger.Warn().Msg("completion for a failed purchase attempt; ignoring")
		return Result{Outcome: OutcomeIgnored, IdentityID: attempt.IdentityID}, nil
	}
	if !ev.Paid {
		logger.Info().Msg("checkout completed without payment; waiting for async payment")
		return Result{Outcome: OutcomeIgnored, IdentityID: attempt.IdentityID}, nil
	}

	var (
		sub  *stripe.Subscription
		tier models.Tier
	)
	if attempt.ProductType == models.ProductSubscription {
		if ev.SubscriptionID == "" {
			logger.Warn().Msg("subscription checkout carries no subscription handle")
			return Result{Outcome: OutcomeIgnored, IdentityID: attempt.IdentityID}, nil
		}
		sub, err = s.processor.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		if MapProcessorStatus(sub.Status).GrantsAccess() {
			if tier, err = s.classifyTier(ctx, *sub); err != nil {
				return Result{}, err
			}
		}
	}

	return s.reconcile(ctx, ev, func(tx store.ReconcileTx) (string, bool, error) {
		locked, err := tx.LockPurchaseAttempt(ctx, ev.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", false, fmt.Errorf("%w: session %s", ErrAttemptNotFound, ev.SessionID)
			}
			return "", false, err
		}
		if locked.Status != models.AttemptPending {
			return locked.IdentityID, false, nil
		}
		if ev.IdentityID != "" && ev.IdentityID != locked.IdentityID {
			logger.Warn().
				Str("identity_id", locked.IdentityID).
				Str("metadata_identity_id", ev.IdentityID).
				Msg("checkout metadata does not match purchase attempt; ignoring")
			return locked.IdentityID, false, nil
		}
		if err := tx.CompletePurchaseAttempt(ctx, ev.SessionID); err != nil {
			return "", false, err
		}

		identityID := locked.IdentityID
		change := models.EntitlementChange{IdentityID: identityID, EventID: ev.ID, EventType: ev.Type, OccurredAt: s.now()}

		switch locked.ProductType {
		case models.ProductCredit:
			ledger, err := tx.GrantCredits(ctx, identityID, 1, "checkout:"+ev.SessionID)
			if err != nil {
				return "", false, err
			}
			cur, err := tx.LockSubscription(ctx, identityID)
			if err != nil {
				return "", false, err
			}
			change.Tier, change.Status = cur.Tier, cur.Status
			change.Credits = &ledger.CreditsRemaining

		case models.ProductSubscription:
			ended, err := tx.IsSubscriptionEnded(ctx, sub.ID)
			if err != nil {
				return "", false, err
			}
			if ended {
				logger.Warn().Str("subscription_id", sub.ID).Msg("subscription already ended; completing attempt only")
				return identityID, false, nil
			}
			cur, err := tx.LockSubscription(ctx, identityID)
			if err != nil {
				return "", false, err
			}
			next := ApplySubscriptionCheckout(cur, firstNonEmpty(ev.CustomerID, locked.StripeCustomerID), *sub, tier, s.now())
			if err := tx.SaveSubscription(ctx, next); err != nil {
				return "", false, err
			}
			change.Tier, change.Status = next.Tier, next.Status

		default:
			return "", false, fmt.Errorf("purchase attempt %s has unknown product type %q", ev.SessionID, locked.ProductType)
		}

		if err := tx.Enqueue(ctx, &models.Job{JobType: models.JobEntitlementChanged, Payload: change.Payload()}); err != nil {
			return "", false, err
		}
		return identityID, true, nil
	})
}

// applyCheckoutFailed closes out a pending attempt whose session can no
// longer be paid. Entitlements are untouched.
func (s *Service) applyCheckoutFailed(ctx context.Context, ev CheckoutFailed) (Result, error) {
	logger := log.With().Str("event_id", ev.ID).Str("session_id", ev.SessionID).Logger()

	return s.reconcile(ctx, ev, func(tx store.ReconcileTx) (string, bool, error) {
		locked, err := tx.LockPurchaseAttempt(ctx, ev.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Info().Msg("failed session has no purchase attempt; ignoring")
				return "", false, nil
			}
			return "", false, err
		}
		if locked.Status != models.AttemptPending {
			return locked.IdentityID, false, nil
		}
		if err := tx.FailPurchaseAttempt(ctx, ev.SessionID); err != nil {
			return "", false, err
		}
		logger.Info().Str("identity_id", locked.IdentityID).Msg("purchase attempt failed")
		return locked.IdentityID, true, nil
	})
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) (Result, error) {
	sub := ev.Subscription
	logger := log.With().Str("event_id", ev.ID).Str("subscription_id", sub.ID).Logger()

	return s.reconcile(ctx, ev, func(tx store.ReconcileTx) (string, bool, error) {
		ended, err := tx.IsSubscriptionEnded(ctx, sub.ID)
		if err != nil {
			return "", false, err
		}
		if ended {
			logger.Info().Msg("update for ended subscription; ignoring")
			return "", false, nil
		}

		cur, err := tx.LockSubscriptionByHandle(ctx, sub.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return "", false, err
			}
			if id := sub.Metadata["identity_id"]; id != "" {
				return "", false, fmt.Errorf("%w: %s for identity %s", ErrNotLinked, sub.ID, id)
			}
			logger.Info().Msg("update for unknown subscription; ignoring")
			return "", false, nil
		}

		var tier models.Tier
		if MapProcessorStatus(sub.Status).GrantsAccess() {
			if tier, err = s.classifyTier(ctx, sub); err != nil {
				return "", false, err
			}
		}
		next := ApplySubscriptionUpdated(cur, sub, tier, s.now())
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return "", false, err
		}
		if err := s.enqueueChange(ctx, tx, ev, next); err != nil {
			return "", false, err
		}
		return next.IdentityID, true, nil
	})
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) (Result, error) {
	logger := log.With().Str("event_id", ev.ID).Str("subscription_id", ev.SubscriptionID).Logger()

	return s.reconcile(ctx, ev, func(tx store.ReconcileTx) (string, bool, error) {
		cur, err := tx.LockSubscriptionByHandle(ctx, ev.SubscriptionID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return "", false, err
			}
			// Tombstone handles we created so a late completion or update cannot revive them.
			if ev.IdentityID != "" {
				if err := tx.MarkSubscriptionEnded(ctx, ev.SubscriptionID, ev.IdentityID); err != nil {
					return "", false, err
				}
			}
			logger.Info().Msg("delete for unlinked subscription")
			return ev.IdentityID, false, nil
		}

		next := ApplySubscriptionDeleted(cur)
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return "", false, err
		}
		if err := tx.MarkSubscriptionEnded(ctx, ev.SubscriptionID, cur.IdentityID); err != nil {
			return "", false, err
		}
		if err := s.enqueueChange(ctx, tx, ev, next); err != nil {
			return "", false, err
		}
		return next.IdentityID, true, nil
	})
}

func (s *Service) applyInvoicePaymentFailed(ctx context.Context, ev InvoicePaymentFailed) (Result, error) {
	if ev.SubscriptionID == "" {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	logger := log.With().Str("event_id", ev.ID).Str("subscription_id", ev.SubscriptionID).Logger()

	return s.reconcile(ctx, ev, func(tx store.ReconcileTx) (string, bool, error) {
		ended, err := tx.IsSubscriptionEnded(ctx, ev.SubscriptionID)
		if err != nil {
			return "", false, err
		}
		if ended {
			return "", false, nil
		}
		cur, err := tx.LockSubscriptionByHandle(ctx, ev.SubscriptionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Info().Msg("payment failure for unknown subscription; ignoring")
				return "", false, nil
			}
			return "", false, err
		}
		next, changed := ApplyInvoicePaymentFailed(cur, s.now())
		if !changed {
			return cur.IdentityID, false, nil
		}
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return "", false, err
		}
		if err := s.enqueueChange(ctx, tx, ev, next); err != nil {
			return "", false, err
		}
		return next.IdentityID, true, nil
	})
}

func (s *Service) enqueueChange(ctx context.Context, tx store.ReconcileTx, ev Event, sub models.Subscription) error {
	change := models.EntitlementChange{
		IdentityID: sub.IdentityID,
		EventID:    ev.EventID(),
		EventType:  ev.EventType(),
		Tier:       sub.Tier,
		Status:     sub.Status,
		OccurredAt: s.now(),
	}
	return tx.Enqueue(ctx, &models.Job{JobType: models.JobEntitlementChanged, Payload: change.Payload()})
}

// classifyTier reads the tier tag from the price, falling back to the catalog.
func (s *Service) classifyTier(ctx context.Context, sub stripe.Subscription) (models.Tier, error) {
	price, ok := sub.PrimaryPrice()
	if !ok {
		return "", fmt.Errorf("%w: subscription %s has no items", ErrUnknownPrice, sub.ID)
	}

	if tag := strings.TrimSpace(price.Metadata["tier"]); tag != "" {
		tier, ok := models.ParseTier(strings.ToLower(tag))
		if !ok || tier == models.TierFree {
			return "", fmt.Errorf("%w: price %s tagged %q", ErrUnknownPrice, price.ID, tag)
		}
		return tier, nil
	}

	plan, err := s.catalog.GetPlanByStripePriceID(ctx, price.ID)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) || errors.Is(err, store.ErrPlanVersionNotFound) {
			return "", fmt.Errorf("%w: price %s", ErrUnknownPrice, price.ID)
		}
		return "", err
	}
	if plan.Plan.ProductType != models.ProductSubscription || plan.Plan.Tier == models.TierFree {
		return "", fmt.Errorf("%w: price %s belongs to %s", ErrUnknownPrice, price.ID, plan.Plan.Slug)
	}
	return plan.Plan.Tier, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
