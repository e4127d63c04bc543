package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

// ErrPlanNotFound is returned when a plan is not found
var ErrPlanNotFound = errors.New("plan not found")

// ErrPlanVersionNotFound is returned when a plan version is not found
var ErrPlanVersionNotFound = errors.New("plan version not found")

// PlanStore provides database operations for the price catalog.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a new PlanStore instance
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PlanStore{db: db}, nil
}

const (
	planColumns    = `mp.id, mp.slug, mp.name, mp.description, mp.product_type, mp.tier, mp.is_active, mp.created_at, mp.updated_at`
	versionColumns = `pv.id, pv.plan_id, pv.version, pv.stripe_product_id, pv.stripe_price_id,
		pv.price_cents, pv.currency, pv.billing_interval, pv.status, pv.deprecated_at,
		pv.created_at, pv.updated_at`
)

func planDest(p *models.MembershipPlan) []any {
	return []any{&p.ID, &p.Slug, &p.Name, &p.Description, &p.ProductType, &p.Tier, &p.IsActive, &p.CreatedAt, &p.UpdatedAt}
}

func versionDest(v *models.PlanVersion) []any {
	return []any{
		&v.ID, &v.PlanID, &v.Version, &v.StripeProductID, &v.StripePriceID,
		&v.PriceCents, &v.Currency, &v.BillingInterval, &v.Status, &v.DeprecatedAt,
		&v.CreatedAt, &v.UpdatedAt,
	}
}

// ListPlans returns all active plans with their current active version.
func (s *PlanStore) ListPlans(ctx context.Context) ([]models.PlanWithCurrentVersion, error) {
	query := `
SELECT ` + planColumns + `, ` + versionColumns + `
FROM membership_plans mp
JOIN plan_versions pv ON pv.plan_id = mp.id AND pv.status = 'active'
WHERE mp.is_active = TRUE
ORDER BY mp.product_type ASC, pv.price_cents ASC
`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.PlanWithCurrentVersion
	for rows.Next() {
		var p models.PlanWithCurrentVersion
		if err := rows.Scan(append(planDest(&p.Plan), versionDest(&p.Version)...)...); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlanBySlug returns an active plan with its current active version.
func (s *PlanStore) GetPlanBySlug(ctx context.Context, slug string) (*models.PlanWithCurrentVersion, error) {
	query := `
SELECT ` + planColumns + `, ` + versionColumns + `
FROM membership_plans mp
JOIN plan_versions pv ON pv.plan_id = mp.id AND pv.status = 'active'
WHERE mp.slug = $1 AND mp.is_active = TRUE
`
	var p models.PlanWithCurrentVersion
	err := s.db.QueryRowContext(ctx, query, slug).Scan(append(planDest(&p.Plan), versionDest(&p.Version)...)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan by slug: %w", err)
	}
	return &p, nil
}

// GetPlanByStripePriceID finds the plan owning a price, in any version state,
// so subscriptions on deprecated prices still classify.
func (s *PlanStore) GetPlanByStripePriceID(ctx context.Context, stripePriceID string) (*models.PlanWithCurrentVersion, error) {
	query := `
SELECT ` + planColumns + `, ` + versionColumns + `
FROM plan_versions pv
JOIN membership_plans mp ON mp.id = pv.plan_id
WHERE pv.stripe_price_id = $1
`
	var p models.PlanWithCurrentVersion
	err := s.db.QueryRowContext(ctx, query, stripePriceID).Scan(append(planDest(&p.Plan), versionDest(&p.Version)...)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanVersionNotFound
		}
		return nil, fmt.Errorf("get plan by stripe price: %w", err)
	}
	return &p, nil
}

// SetActivePrice deprecates the plan's current active version and inserts a
// new active version for the given Stripe price.
func (s *PlanStore) SetActivePrice(ctx context.Context, slug string, v *models.PlanVersion) error {
	if strings.TrimSpace(v.StripePriceID) == "" {
		return errors.New("stripe price id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set active price: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var planID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM membership_plans WHERE slug = $1 FOR UPDATE`, slug).Scan(&planID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPlanNotFound
		}
		return fmt.Errorf("lock plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE plan_versions SET status = 'deprecated', deprecated_at = now(), updated_at = now()
WHERE plan_id = $1 AND status = 'active'
`, planID); err != nil {
		return fmt.Errorf("deprecate active version: %w", err)
	}

	if v.Currency == "" {
		v.Currency = "usd"
	}
	v.PlanID = planID
	v.Status = models.PlanVersionActive
	err = tx.QueryRowContext(ctx, `
INSERT INTO plan_versions (plan_id, version, stripe_product_id, stripe_price_id, price_cents, currency, billing_interval, status)
VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM plan_versions WHERE plan_id = $1), $2, $3, $4, $5, $6, 'active')
RETURNING id, version, created_at, updated_at
`, planID, v.StripeProductID, v.StripePriceID, v.PriceCents, v.Currency, v.BillingInterval).
		Scan(&v.ID, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set active price: %w", err)
	}
	return nil
}
