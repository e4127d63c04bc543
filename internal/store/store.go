package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNoCredit is returned when a spend finds no remaining credit.
	ErrNoCredit = errors.New("store: no credit available")
)

// Store provides database-backed accessors for entitlement records.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const subscriptionColumns = `
	identity_id, stripe_customer_id, stripe_subscription_id, stripe_price_id,
	tier, status, current_period_start, current_period_end,
	cancel_at_period_end, past_due_since, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.IdentityID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.Tier, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.PastDueSince, &sub.CreatedAt, &sub.UpdatedAt,
	)
	return sub, err
}

// GetSubscription returns the identity's subscription record, or the free
// default when none has been written yet. It never creates a row.
func (s *Store) GetSubscription(ctx context.Context, identityID string) (models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE identity_id = $1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, identityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultSubscription(identityID), nil
		}
		return models.Subscription{}, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// AttachCustomer records the processor customer handle for an identity. The
// first handle written wins; the effective handle is returned so concurrent
// callers converge on one customer.
func (s *Store) AttachCustomer(ctx context.Context, identityID, customerID string) (string, error) {
	query := `
INSERT INTO subscriptions (identity_id, stripe_customer_id)
VALUES ($1, $2)
ON CONFLICT (identity_id) DO UPDATE SET
	stripe_customer_id = COALESCE(NULLIF(subscriptions.stripe_customer_id, ''), EXCLUDED.stripe_customer_id),
	updated_at = now()
RETURNING stripe_customer_id
`
	var effective string
	if err := s.db.QueryRowContext(ctx, query, identityID, customerID).Scan(&effective); err != nil {
		return "", fmt.Errorf("store: attach customer: %w", err)
	}
	return effective, nil
}

// ExpireLapsedGrace downgrades past_due subscriptions whose grace period began
// before cutoff, returning the affected identities.
func (s *Store) ExpireLapsedGrace(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
UPDATE subscriptions
SET status = 'expired', tier = 'free', past_due_since = NULL, updated_at = now()
WHERE status = 'past_due' AND past_due_since IS NOT NULL AND past_due_since < $1
RETURNING identity_id
`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: expire lapsed grace: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan expired identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
