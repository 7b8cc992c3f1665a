package ledger

import (
	"context"
	"time"

	"github.com/creditgate/creditgate/internal/models"
)

// Mutator receives the current wallet snapshot and returns the new one,
// optionally with a ledger entry to append in the same transaction. The
// store runs it under per-user serializable isolation.
type Mutator func(current models.Wallet) (models.Wallet, *models.LedgerEntry, error)

// Store is the durable backing for wallets and the transaction log.
type Store interface {
	// Append writes a single ledger entry outside of a wallet mutation.
	Append(ctx context.Context, entry *models.LedgerEntry) (uint, error)

	// List returns entries for a user ordered by created_at ascending.
	// A zero since means no lower bound; empty kinds means all kinds;
	// limit <= 0 means no limit.
	List(ctx context.Context, userID int64, since time.Time, kinds []models.LedgerKind, limit int) ([]models.LedgerEntry, error)

	// ReadWallet returns the wallet snapshot, or nil when the user has none.
	ReadWallet(ctx context.Context, userID int64) (*models.Wallet, error)

	// UpsertWallet creates the wallet if absent, then applies the mutator
	// atomically. No interleaving with a concurrent UpsertWallet for the
	// same user can be observed.
	UpsertWallet(ctx context.Context, userID int64, fn Mutator) (*models.Wallet, *models.LedgerEntry, error)

	// FindByCorrelation returns the entry recorded under a correlation id
	// and kind, or nil when that pair has not been seen.
	FindByCorrelation(ctx context.Context, correlationID string, kind models.LedgerKind) (*models.LedgerEntry, error)
}
