package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

const attemptColumns = `
	id, identity_id, stripe_session_id, stripe_customer_id, product_type,
	plan_slug, stripe_price_id, status, amount_cents, currency, created_at, completed_at`

func scanAttempt(row rowScanner) (models.PurchaseAttempt, error) {
	var a models.PurchaseAttempt
	err := row.Scan(
		&a.ID, &a.IdentityID, &a.StripeSessionID, &a.StripeCustomerID, &a.ProductType,
		&a.PlanSlug, &a.StripePriceID, &a.Status, &a.AmountCents, &a.Currency, &a.CreatedAt, &a.CompletedAt,
	)
	return a, err
}

// CreatePurchaseAttempt inserts a pending attempt keyed by its session handle.
func (s *Store) CreatePurchaseAttempt(ctx context.Context, a *models.PurchaseAttempt) error {
	if a.Status == "" {
		a.Status = models.AttemptPending
	}
	query := `
INSERT INTO purchase_attempts (
	identity_id, stripe_session_id, stripe_customer_id, product_type,
	plan_slug, stripe_price_id, status, amount_cents, currency
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at
`
	err := s.db.QueryRowContext(ctx, query,
		a.IdentityID, a.StripeSessionID, a.StripeCustomerID, a.ProductType,
		a.PlanSlug, a.StripePriceID, a.Status, a.AmountCents, a.Currency,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create purchase attempt: %w", err)
	}
	return nil
}

// GetPurchaseAttempt returns the attempt for a session handle or ErrNotFound.
func (s *Store) GetPurchaseAttempt(ctx context.Context, sessionID string) (models.PurchaseAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM purchase_attempts WHERE stripe_session_id = $1`

	a, err := scanAttempt(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PurchaseAttempt{}, ErrNotFound
		}
		return models.PurchaseAttempt{}, fmt.Errorf("store: get purchase attempt: %w", err)
	}
	return a, nil
}
