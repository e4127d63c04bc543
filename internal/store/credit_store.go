package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

const ledgerColumns = `identity_id, credits_remaining, total_purchased, total_used, created_at, updated_at`

func scanLedger(row rowScanner) (models.CreditLedger, error) {
	var l models.CreditLedger
	err := row.Scan(&l.IdentityID, &l.CreditsRemaining, &l.TotalPurchased, &l.TotalUsed, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

// GetCreditLedger returns the identity's ledger, or a zero balance when the
// identity has never purchased a credit.
func (s *Store) GetCreditLedger(ctx context.Context, identityID string) (models.CreditLedger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM credit_ledgers WHERE identity_id = $1`

	l, err := scanLedger(s.db.QueryRowContext(ctx, query, identityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CreditLedger{IdentityID: identityID}, nil
		}
		return models.CreditLedger{}, fmt.Errorf("store: get credit ledger: %w", err)
	}
	return l, nil
}

// SpendResult is the outcome of a successful spend.
type SpendResult struct {
	Remaining int64
	// Replayed is true when reference was already spent; nothing was decremented.
	Replayed bool
}

// SpendCredit decrements one credit with a single conditional update and
// appends a ledger entry keyed by reference, all in one transaction. It
// returns ErrNoCredit when the balance is zero or the ledger does not exist.
func (s *Store) SpendCredit(ctx context.Context, identityID, reference string) (SpendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SpendResult{}, fmt.Errorf("store: begin spend: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger_entries (identity_id, delta, reason, reference)
VALUES ($1, -1, 'spend', $2)
ON CONFLICT (identity_id, reason, reference) DO NOTHING
`, identityID, reference)
	if err != nil {
		return SpendResult{}, fmt.Errorf("store: record spend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var remaining int64
		err := tx.QueryRowContext(ctx, `SELECT credits_remaining FROM credit_ledgers WHERE identity_id = $1`, identityID).Scan(&remaining)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return SpendResult{}, fmt.Errorf("store: read balance: %w", err)
		}
		return SpendResult{Remaining: remaining, Replayed: true}, nil
	}

	var remaining int64
	err = tx.QueryRowContext(ctx, `
UPDATE credit_ledgers
SET credits_remaining = credits_remaining - 1,
	total_used = total_used + 1,
	updated_at = now()
WHERE identity_id = $1 AND credits_remaining > 0
RETURNING credits_remaining
`, identityID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SpendResult{}, ErrNoCredit
		}
		return SpendResult{}, fmt.Errorf("store: decrement credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SpendResult{}, fmt.Errorf("store: commit spend: %w", err)
	}
	return SpendResult{Remaining: remaining}, nil
}
