package models

import "time"

// LedgerKind classifies a balance-changing event
type LedgerKind string

const (
	LedgerKindPurchase LedgerKind = "purchase"
	LedgerKindGrant    LedgerKind = "grant"
	LedgerKindDeduct   LedgerKind = "deduct"
	LedgerKindRefund   LedgerKind = "refund"
	LedgerKindAdjust   LedgerKind = "adjust"
)

// Sign returns the direction the kind applies to a balance: +1 credit, -1 debit
func (k LedgerKind) Sign() int64 {
	switch k {
	case LedgerKindDeduct:
		return -1
	default:
		return 1
	}
}

// Wallet holds the per-user credit balance and purchase counters
type Wallet struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance        int64      `gorm:"not null;default:0" json:"balance"`
	TotalPurchased int64      `gorm:"not null;default:0" json:"total_purchased"`
	TotalSpent     float64    `gorm:"not null;default:0" json:"total_spent"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// TableName maps Wallet onto the wallets table
func (Wallet) TableName() string { return "wallets" }

// LedgerEntry is one append-only record of a balance change.
// Amount is always positive; the kind carries the sign.
//
// The correlation id is unique per kind, not globally: a refund shares
// its deduct's id so the pair can be tied together, while replays of
// either still hit the index.
type LedgerEntry struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64      `gorm:"index:idx_transactions_user_created,priority:1;not null" json:"user_id"`
	Kind          LedgerKind `gorm:"index;uniqueIndex:idx_transactions_correlation_kind,priority:2;not null" json:"kind"`
	Amount        int64      `gorm:"not null" json:"amount"`
	BalanceBefore int64      `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64      `gorm:"not null" json:"balance_after"`
	Description   string     `json:"description"`
	CorrelationID string     `gorm:"uniqueIndex:idx_transactions_correlation_kind,priority:1;not null" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index:idx_transactions_user_created,priority:2" json:"created_at"`
}

// TableName maps LedgerEntry onto the transactions table
func (LedgerEntry) TableName() string { return "transactions" }

// CreditParams carries a balance increment request. Price is the fiat
// amount paid and is recorded on the wallet only for purchase entries.
type CreditParams struct {
	UserID        int64
	Amount        int64
	Kind          LedgerKind
	Description   string
	CorrelationID string
	Price         float64
}

// DebitParams carries an atomic check-and-decrement request
type DebitParams struct {
	UserID        int64
	Amount        int64
	Description   string
	CorrelationID string
}

// MutationResult reports the committed outcome of a credit or debit.
// Replayed is true when the correlation id had already been applied and
// the stored outcome was returned instead of a new entry.
type MutationResult struct {
	Entry    *LedgerEntry
	Wallet   *Wallet
	Replayed bool
}
