package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

var planRowColumns = []string{
	"id", "slug", "name", "description", "product_type", "tier", "is_active", "created_at", "updated_at",
	"id", "plan_id", "version", "stripe_product_id", "stripe_price_id",
	"price_cents", "currency", "billing_interval", "status", "deprecated_at",
	"created_at", "updated_at",
}

func newMockPlanStore(t *testing.T) (*PlanStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &PlanStore{db: db}, mock
}

func addPlanRow(rows *sqlmock.Rows, slug, productType, tier, priceID string, cents int64) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		int64(1), slug, slug, nil, productType, tier, true, now, now,
		int64(10), int64(1), 1, nil, priceID,
		cents, "usd", "month", "active", nil,
		now, now,
	)
}

func TestListPlans(t *testing.T) {
	s, mock := newMockPlanStore(t)

	rows := sqlmock.NewRows(planRowColumns)
	addPlanRow(rows, "reading-credit", "credit", "free", "price_credit", 300)
	addPlanRow(rows, "subscriber-monthly", "subscription", "subscriber", "price_sub", 900)
	mock.ExpectQuery(`FROM membership_plans mp\s+JOIN plan_versions pv`).WillReturnRows(rows)

	plans, err := s.ListPlans(context.Background())
	if err != nil {
		t.Fatalf("ListPlans returned error: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	if plans[1].Plan.Tier != models.TierSubscriber || plans[1].Version.StripePriceID != "price_sub" {
		t.Fatalf("unexpected plan: %+v", plans[1])
	}
	if plans[0].Plan.ProductType != models.ProductCredit {
		t.Fatalf("expected credit product first, got %s", plans[0].Plan.ProductType)
	}
}

func TestGetPlanBySlugNotFound(t *testing.T) {
	s, mock := newMockPlanStore(t)

	mock.ExpectQuery(`WHERE mp.slug = \$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPlanBySlug(context.Background(), "missing"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestGetPlanByStripePriceID(t *testing.T) {
	s, mock := newMockPlanStore(t)

	rows := addPlanRow(sqlmock.NewRows(planRowColumns), "premium-monthly", "subscription", "premium", "price_premium", 1900)
	mock.ExpectQuery(`WHERE pv.stripe_price_id = \$1`).WithArgs("price_premium").WillReturnRows(rows)

	p, err := s.GetPlanByStripePriceID(context.Background(), "price_premium")
	if err != nil {
		t.Fatalf("GetPlanByStripePriceID returned error: %v", err)
	}
	if p.Plan.Tier != models.TierPremium {
		t.Fatalf("expected premium tier, got %s", p.Plan.Tier)
	}
}

func TestGetPlanByStripePriceIDUnknown(t *testing.T) {
	s, mock := newMockPlanStore(t)

	mock.ExpectQuery(`WHERE pv.stripe_price_id`).WithArgs("price_x").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPlanByStripePriceID(context.Background(), "price_x"); !errors.Is(err, ErrPlanVersionNotFound) {
		t.Fatalf("expected ErrPlanVersionNotFound, got %v", err)
	}
}

func TestSetActivePriceDeprecatesPrevious(t *testing.T) {
	s, mock := newMockPlanStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM membership_plans WHERE slug = \$1 FOR UPDATE`).
		WithArgs("subscriber-monthly").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec(`UPDATE plan_versions SET status = 'deprecated'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO plan_versions`).
		WithArgs(int64(5), nil, "price_new", int64(1200), "usd", "month").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "created_at", "updated_at"}).AddRow(int64(11), 2, now, now))
	mock.ExpectCommit()

	v := &models.PlanVersion{StripePriceID: "price_new", PriceCents: 1200, BillingInterval: "month"}
	if err := s.SetActivePrice(context.Background(), "subscriber-monthly", v); err != nil {
		t.Fatalf("SetActivePrice returned error: %v", err)
	}
	if v.Version != 2 || v.Status != models.PlanVersionActive || v.Currency != "usd" {
		t.Fatalf("unexpected version: %+v", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetActivePriceUnknownPlan(t *testing.T) {
	s, mock := newMockPlanStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM membership_plans`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.SetActivePrice(context.Background(), "nope", &models.PlanVersion{StripePriceID: "price_1"})
	if !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestSetActivePriceRequiresPriceID(t *testing.T) {
	s, _ := newMockPlanStore(t)

	if err := s.SetActivePrice(context.Background(), "x", &models.PlanVersion{}); err == nil {
		t.Fatal("expected error for empty price id")
	}
}
