package ledger

import (
	"context"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// DegradedStore is selected when the backing store is unreachable or not
// configured. Reads serve zero balances and empty histories so the bot
// stays responsive; every mutation is refused.
type DegradedStore struct{}

func NewDegradedStore() *DegradedStore {
	fiberlog.Warn("ledger: running with degraded store, balances read as zero and debits are refused")
	return &DegradedStore{}
}

func (s *DegradedStore) Append(ctx context.Context, entry *models.LedgerEntry) (uint, error) {
	return 0, models.NewStorageUnavailableError("append", nil)
}

func (s *DegradedStore) List(ctx context.Context, userID int64, since time.Time, kinds []models.LedgerKind, limit int) ([]models.LedgerEntry, error) {
	return nil, nil
}

func (s *DegradedStore) ReadWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	return nil, nil
}

func (s *DegradedStore) UpsertWallet(ctx context.Context, userID int64, fn Mutator) (*models.Wallet, *models.LedgerEntry, error) {
	return nil, nil, models.NewStorageUnavailableError("upsert wallet", nil)
}

func (s *DegradedStore) FindByCorrelation(ctx context.Context, correlationID string, kind models.LedgerKind) (*models.LedgerEntry, error) {
	return nil, nil
}
