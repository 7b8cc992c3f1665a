package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists wallets and the transaction log in a relational store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate runs database migrations for the ledger tables
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.Package{},
		&models.Payment{},
	)
}

func (s *GormStore) Append(ctx context.Context, entry *models.LedgerEntry) (uint, error) {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, classifyStoreError("append", err)
	}
	return entry.ID, nil
}

func (s *GormStore) List(ctx context.Context, userID int64, since time.Time, kinds []models.LedgerKind, limit int) ([]models.LedgerEntry, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC")

	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, classifyStoreError("list", err)
	}
	return entries, nil
}

func (s *GormStore) ReadWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStoreError("read wallet", err)
	}
	return &wallet, nil
}

func (s *GormStore) UpsertWallet(ctx context.Context, userID int64, fn Mutator) (*models.Wallet, *models.LedgerEntry, error) {
	var (
		updated models.Wallet
		entry   *models.LedgerEntry
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the wallet row for the duration of the mutation
		var current models.Wallet
		err := s.lockRow(tx).
			Where("user_id = ?", userID).
			First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A concurrent transaction may create the row first. ON
			// CONFLICT DO NOTHING keeps the loser's insert from erroring
			// (which would abort the transaction on Postgres); the locked
			// re-read below serializes both creators either way.
			fresh := models.Wallet{UserID: userID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&fresh).Error; err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}
			if err := s.lockRow(tx).
				Where("user_id = ?", userID).
				First(&current).Error; err != nil {
				return fmt.Errorf("failed to lock wallet: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		next, newEntry, err := fn(current)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.UserID = userID

		if err := tx.Model(&models.Wallet{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{
				"balance":          next.Balance,
				"total_purchased":  next.TotalPurchased,
				"total_spent":      next.TotalSpent,
				"last_purchase_at": next.LastPurchaseAt,
			}).Error; err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}

		if newEntry != nil {
			if err := tx.Create(newEntry).Error; err != nil {
				return fmt.Errorf("failed to create ledger entry: %w", err)
			}
		}

		updated = next
		entry = newEntry
		return nil
	})
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return nil, nil, err
		}
		return nil, nil, classifyStoreError("upsert wallet", err)
	}

	return &updated, entry, nil
}

func (s *GormStore) FindByCorrelation(ctx context.Context, correlationID string, kind models.LedgerKind) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("correlation_id = ? AND kind = ?", correlationID, kind).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStoreError("find by correlation", err)
	}
	return &entry, nil
}

// lockRow acquires a SELECT ... FOR UPDATE row lock on dialects that
// support it. SQLite serializes writers on its own and rejects the
// clause outright.
func (s *GormStore) lockRow(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// classifyStoreError folds driver errors into the core taxonomy: unique
// index breaches become constraint violations, everything else is the
// store being unavailable.
func classifyStoreError(operation string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicateKeyMessage(err) {
		return models.NewConstraintViolationError("duplicate correlation id", err)
	}
	return models.NewStorageUnavailableError(operation, err)
}

func isDuplicateKeyMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed")
}
