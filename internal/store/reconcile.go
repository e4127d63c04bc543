package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

// ReconcileTx is the set of writes a webhook event may perform. All of them
// commit or roll back together.
type ReconcileTx interface {
	LockPurchaseAttempt(ctx context.Context, sessionID string) (models.PurchaseAttempt, error)
	CompletePurchaseAttempt(ctx context.Context, sessionID string) error
	FailPurchaseAttempt(ctx context.Context, sessionID string) error
	LockSubscription(ctx context.Context, identityID string) (models.Subscription, error)
	LockSubscriptionByHandle(ctx context.Context, subscriptionID string) (models.Subscription, error)
	SaveSubscription(ctx context.Context, sub models.Subscription) error
	IsSubscriptionEnded(ctx context.Context, subscriptionID string) (bool, error)
	MarkSubscriptionEnded(ctx context.Context, subscriptionID, identityID string) error
	GrantCredits(ctx context.Context, identityID string, n int64, reference string) (models.CreditLedger, error)
	Enqueue(ctx context.Context, job *models.Job) error
}

// Tx is the Postgres implementation of ReconcileTx.
type Tx struct {
	tx *sql.Tx
}

var _ ReconcileTx = (*Tx)(nil)

// Reconcile runs fn inside one transaction after recording eventID in the
// webhook event log. It returns applied=false without calling fn when the
// event was already processed. Any error from fn rolls everything back,
// including the log entry, so the event can be redelivered in full.
func (s *Store) Reconcile(ctx context.Context, eventID, eventType string, fn func(ReconcileTx) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)
ON CONFLICT (event_id) DO NOTHING
`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("store: record webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit reconcile: %w", err)
	}
	return true, nil
}

// LockPurchaseAttempt reads the attempt for a session handle and holds its row lock.
func (t *Tx) LockPurchaseAttempt(ctx context.Context, sessionID string) (models.PurchaseAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM purchase_attempts WHERE stripe_session_id = $1 FOR UPDATE`

	a, err := scanAttempt(t.tx.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PurchaseAttempt{}, ErrNotFound
		}
		return models.PurchaseAttempt{}, fmt.Errorf("store: lock purchase attempt: %w", err)
	}
	return a, nil
}

// CompletePurchaseAttempt marks a pending attempt completed.
func (t *Tx) CompletePurchaseAttempt(ctx context.Context, sessionID string) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE purchase_attempts SET status = 'completed', completed_at = now()
WHERE stripe_session_id = $1 AND status = 'pending'
`, sessionID)
	if err != nil {
		return fmt.Errorf("store: complete purchase attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: purchase attempt %s is not pending", sessionID)
	}
	return nil
}

// FailPurchaseAttempt marks a pending attempt failed.
func (t *Tx) FailPurchaseAttempt(ctx context.Context, sessionID string) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE purchase_attempts SET status = 'failed'
WHERE stripe_session_id = $1 AND status = 'pending'
`, sessionID)
	if err != nil {
		return fmt.Errorf("store: fail purchase attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: purchase attempt %s is not pending", sessionID)
	}
	return nil
}

// LockSubscription is the locking get-or-default accessor used by writers.
func (t *Tx) LockSubscription(ctx context.Context, identityID string) (models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE identity_id = $1 FOR UPDATE`

	sub, err := scanSubscription(t.tx.QueryRowContext(ctx, query, identityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultSubscription(identityID), nil
		}
		return models.Subscription{}, fmt.Errorf("store: lock subscription: %w", err)
	}
	return sub, nil
}

// LockSubscriptionByHandle finds the record owning a processor subscription handle.
func (t *Tx) LockSubscriptionByHandle(ctx context.Context, subscriptionID string) (models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = $1 FOR UPDATE`

	sub, err := scanSubscription(t.tx.QueryRowContext(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Subscription{}, ErrNotFound
		}
		return models.Subscription{}, fmt.Errorf("store: lock subscription by handle: %w", err)
	}
	return sub, nil
}

// SaveSubscription upserts the full record for its identity.
func (t *Tx) SaveSubscription(ctx context.Context, sub models.Subscription) error {
	query := `
INSERT INTO subscriptions (
	identity_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
	tier, status, current_period_start, current_period_end,
	cancel_at_period_end, past_due_since
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (identity_id) DO UPDATE SET
	stripe_customer_id = EXCLUDED.stripe_customer_id,
	stripe_subscription_id = EXCLUDED.stripe_subscription_id,
	stripe_price_id = EXCLUDED.stripe_price_id,
	tier = EXCLUDED.tier,
	status = EXCLUDED.status,
	current_period_start = EXCLUDED.current_period_start,
	current_period_end = EXCLUDED.current_period_end,
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	past_due_since = EXCLUDED.past_due_since,
	updated_at = now()
`
	_, err := t.tx.ExecContext(ctx, query,
		sub.IdentityID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.StripePriceID,
		sub.Tier, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.PastDueSince,
	)
	if err != nil {
		return fmt.Errorf("store: save subscription: %w", err)
	}
	return nil
}

// IsSubscriptionEnded reports whether a deletion was already applied for the handle.
func (t *Tx) IsSubscriptionEnded(ctx context.Context, subscriptionID string) (bool, error) {
	var ended bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ended_subscriptions WHERE stripe_subscription_id = $1)`,
		subscriptionID,
	).Scan(&ended)
	if err != nil {
		return false, fmt.Errorf("store: check ended subscription: %w", err)
	}
	return ended, nil
}

// MarkSubscriptionEnded tombstones a handle so later lifecycle events for it are ignored.
func (t *Tx) MarkSubscriptionEnded(ctx context.Context, subscriptionID, identityID string) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO ended_subscriptions (stripe_subscription_id, identity_id) VALUES ($1, $2)
ON CONFLICT (stripe_subscription_id) DO NOTHING
`, subscriptionID, identityID)
	if err != nil {
		return fmt.Errorf("store: mark subscription ended: %w", err)
	}
	return nil
}

// GrantCredits adds n credits for a purchase identified by reference. A
// reference that was already granted leaves the ledger unchanged.
func (t *Tx) GrantCredits(ctx context.Context, identityID string, n int64, reference string) (models.CreditLedger, error) {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_ledger_entries (identity_id, delta, reason, reference)
VALUES ($1, $2, 'purchase', $3)
ON CONFLICT (identity_id, reason, reference) DO NOTHING
`, identityID, n, reference)
	if err != nil {
		return models.CreditLedger{}, fmt.Errorf("store: record grant: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		query := `SELECT ` + ledgerColumns + ` FROM credit_ledgers WHERE identity_id = $1`
		l, err := scanLedger(t.tx.QueryRowContext(ctx, query, identityID))
		if err != nil {
			return models.CreditLedger{}, fmt.Errorf("store: read ledger: %w", err)
		}
		return l, nil
	}

	query := `
INSERT INTO credit_ledgers (identity_id, credits_remaining, total_purchased, total_used)
VALUES ($1, $2, $2, 0)
ON CONFLICT (identity_id) DO UPDATE SET
	credits_remaining = credit_ledgers.credits_remaining + EXCLUDED.credits_remaining,
	total_purchased = credit_ledgers.total_purchased + EXCLUDED.total_purchased,
	updated_at = now()
RETURNING ` + ledgerColumns
	l, err := scanLedger(t.tx.QueryRowContext(ctx, query, identityID, n))
	if err != nil {
		return models.CreditLedger{}, fmt.Errorf("store: grant credits: %w", err)
	}
	return l, nil
}

// Enqueue writes a job in the same transaction as the change it announces.
func (t *Tx) Enqueue(ctx context.Context, job *models.Job) error {
	return enqueueJob(ctx, t.tx, job)
}
