package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

// Notifier announces entitlement changes to other services.
type Notifier interface {
	PublishEntitlementChanged(ctx context.Context, change models.EntitlementChange) error
}

// GraceSweeper persists grace-period expiry.
type GraceSweeper interface {
	SweepGrace(ctx context.Context) ([]string, error)
}

// RegisterBillingJobs registers the outbox relay and the grace sweep. A nil
// notifier logs changes instead of publishing them.
func RegisterBillingJobs(w *Worker, notifier Notifier, sweeper GraceSweeper, sweepEvery time.Duration) {
	w.RegisterHandler(models.JobEntitlementChanged, entitlementChangedHandler(notifier))
	w.RegisterHandler(models.JobGraceSweep, graceSweepHandler(sweeper, w))
	w.Every(models.JobGraceSweep, sweepEvery)
}

func entitlementChangedHandler(notifier Notifier) Handler {
	return func(ctx context.Context, job *models.Job) error {
		change, err := models.EntitlementChangeFromPayload(job.Payload)
		if err != nil {
			return err
		}
		if notifier == nil {
			log.Info().
				Str("identity_id", change.IdentityID).
				Str("event_id", change.EventID).
				Str("tier", string(change.Tier)).
				Str("status", string(change.Status)).
				Msg("entitlement changed")
			return nil
		}
		if err := notifier.PublishEntitlementChanged(ctx, change); err != nil {
			return fmt.Errorf("publish entitlement change for %s: %w", change.IdentityID, err)
		}
		return nil
	}
}

// graceSweepHandler expires lapsed grace periods and queues one
// notification per downgraded identity.
func graceSweepHandler(sweeper GraceSweeper, w *Worker) Handler {
	return func(ctx context.Context, job *models.Job) error {
		ids, err := sweeper.SweepGrace(ctx)
		if err != nil {
			return fmt.Errorf("sweep grace: %w", err)
		}
		now := time.Now().UTC()
		for _, id := range ids {
			change := models.EntitlementChange{
				IdentityID: id,
				EventID:    fmt.Sprintf("grace-sweep-%d", job.ID),
				EventType:  models.JobGraceSweep,
				Tier:       models.TierFree,
				Status:     models.StatusExpired,
				OccurredAt: now,
			}
			if err := w.Enqueue(ctx, &models.Job{JobType: models.JobEntitlementChanged, Payload: change.Payload()}); err != nil {
				log.Error().Err(err).Str("identity_id", id).Msg("failed to queue grace expiry notification")
			}
		}
		return nil
	}
}
