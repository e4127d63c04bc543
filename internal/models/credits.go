package models

import "time"

// CreditLedger tracks consumable credits for one identity.
// TotalPurchased - TotalUsed always equals CreditsRemaining.
type CreditLedger struct {
	IdentityID       string    `json:"identity_id"`
	CreditsRemaining int64     `json:"credits_remaining"`
	TotalPurchased   int64     `json:"total_purchased"`
	TotalUsed        int64     `json:"total_used"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreditEntryReason labels a ledger movement.
type CreditEntryReason string

const (
	CreditReasonPurchase CreditEntryReason = "purchase"
	CreditReasonSpend    CreditEntryReason = "spend"
)

// CreditEntry is one append-only movement on a ledger.
type CreditEntry struct {
	ID         int64             `json:"id"`
	IdentityID string            `json:"identity_id"`
	Delta      int64             `json:"delta"`
	Reason     CreditEntryReason `json:"reason"`
	Reference  string            `json:"reference"`
	CreatedAt  time.Time         `json:"created_at"`
}
