package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/ledger"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
)

// Service owns every balance mutation. Debits and credits run under the
// store's per-user serializable isolation; the service itself never
// retries and knows nothing about upstreams.
type Service struct {
	store ledger.Store
	group singleflight.Group
}

func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// GetBalance reads the wallet snapshot, creating an empty wallet on the
// first interaction. Concurrent reads for the same user are collapsed.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	v, err, _ := s.group.Do(fmt.Sprintf("balance:%d", userID), func() (any, error) {
		wallet, err := s.store.ReadWallet(ctx, userID)
		if err != nil {
			return int64(0), err
		}
		if wallet == nil {
			wallet, _, err = s.store.UpsertWallet(ctx, userID, func(current models.Wallet) (models.Wallet, *models.LedgerEntry, error) {
				return current, nil, nil
			})
			if err != nil {
				// Degraded store: serve zero rather than failing the read
				if models.IsErrorType(err, models.ErrorTypeStorageUnavailable) {
					return int64(0), nil
				}
				return int64(0), err
			}
		}
		return wallet.Balance, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetWallet returns the full wallet snapshot, creating it when absent.
func (s *Service) GetWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	wallet, err := s.store.ReadWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}
	wallet, _, err = s.store.UpsertWallet(ctx, userID, func(current models.Wallet) (models.Wallet, *models.LedgerEntry, error) {
		return current, nil, nil
	})
	return wallet, err
}

// Credit increments the balance and appends a ledger entry atomically.
// A correlation id that has already been applied makes the call a no-op
// returning the recorded outcome.
func (s *Service) Credit(ctx context.Context, params models.CreditParams) (*models.MutationResult, error) {
	if params.Amount <= 0 {
		return nil, models.NewInvalidAmountError(params.Amount)
	}
	switch params.Kind {
	case models.LedgerKindPurchase, models.LedgerKindGrant, models.LedgerKindRefund, models.LedgerKindAdjust:
	default:
		return nil, models.NewValidationError(fmt.Sprintf("kind %q is not a credit kind", params.Kind), nil)
	}

	if replayed, err := s.findReplay(ctx, params.CorrelationID, params.Kind); err != nil || replayed != nil {
		return replayed, err
	}

	wallet, entry, err := s.store.UpsertWallet(ctx, params.UserID, func(current models.Wallet) (models.Wallet, *models.LedgerEntry, error) {
		next := current
		next.Balance = current.Balance + params.Amount
		if params.Kind == models.LedgerKindPurchase || params.Kind == models.LedgerKindGrant {
			next.TotalPurchased = current.TotalPurchased + params.Amount
		}
		if params.Kind == models.LedgerKindPurchase {
			next.TotalSpent = current.TotalSpent + params.Price
			now := time.Now().UTC()
			next.LastPurchaseAt = &now
		}

		entry := &models.LedgerEntry{
			UserID:        params.UserID,
			Kind:          params.Kind,
			Amount:        params.Amount,
			BalanceBefore: current.Balance,
			BalanceAfter:  next.Balance,
			Description:   params.Description,
			CorrelationID: params.CorrelationID,
		}
		return next, entry, nil
	})
	if err != nil {
		// Lost a race on the correlation id: the first writer's outcome stands
		if models.IsErrorType(err, models.ErrorTypeConstraintViolation) {
			return s.mustReplay(ctx, params.CorrelationID, params.Kind)
		}
		return nil, err
	}

	return &models.MutationResult{Entry: entry, Wallet: wallet}, nil
}

// Debit is an atomic check-and-decrement: it rejects with insufficient
// funds when balance < amount, otherwise decrements and appends. Same
// correlation-id idempotence as Credit.
func (s *Service) Debit(ctx context.Context, params models.DebitParams) (*models.MutationResult, error) {
	if params.Amount <= 0 {
		return nil, models.NewInvalidAmountError(params.Amount)
	}
	if params.CorrelationID == "" {
		return nil, models.NewValidationError("debit requires a correlation id", nil)
	}

	if replayed, err := s.findReplay(ctx, params.CorrelationID, models.LedgerKindDeduct); err != nil || replayed != nil {
		return replayed, err
	}

	wallet, entry, err := s.store.UpsertWallet(ctx, params.UserID, func(current models.Wallet) (models.Wallet, *models.LedgerEntry, error) {
		if current.Balance < params.Amount {
			return current, nil, models.NewInsufficientFundsError(current.Balance, params.Amount)
		}

		next := current
		next.Balance = current.Balance - params.Amount

		entry := &models.LedgerEntry{
			UserID:        params.UserID,
			Kind:          models.LedgerKindDeduct,
			Amount:        params.Amount,
			BalanceBefore: current.Balance,
			BalanceAfter:  next.Balance,
			Description:   params.Description,
			CorrelationID: params.CorrelationID,
		}
		return next, entry, nil
	})
	if err != nil {
		if models.IsErrorType(err, models.ErrorTypeConstraintViolation) {
			return s.mustReplay(ctx, params.CorrelationID, models.LedgerKindDeduct)
		}
		return nil, err
	}

	return &models.MutationResult{Entry: entry, Wallet: wallet}, nil
}

// Reconcile recomputes the balance from the ledger and reports drift
// between the snapshot and the signed sum of entries.
func (s *Service) Reconcile(ctx context.Context, userID int64) (balance int64, drift int64, err error) {
	entries, err := s.store.List(ctx, userID, time.Time{}, nil, 0)
	if err != nil {
		return 0, 0, err
	}

	var sum int64
	for _, entry := range entries {
		sum += entry.Kind.Sign() * entry.Amount
	}

	wallet, err := s.store.ReadWallet(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	if wallet == nil {
		return sum, sum, nil
	}

	drift = wallet.Balance - sum
	if drift != 0 {
		fiberlog.Warnf("wallet: reconciliation drift for user %d: snapshot=%d ledger=%d", userID, wallet.Balance, sum)
	}
	return wallet.Balance, drift, nil
}

// History returns the user's ledger slice for a rolling window.
func (s *Service) History(ctx context.Context, userID int64, since time.Time, limit int) ([]models.LedgerEntry, error) {
	return s.store.List(ctx, userID, since, nil, limit)
}

func (s *Service) findReplay(ctx context.Context, correlationID string, kind models.LedgerKind) (*models.MutationResult, error) {
	if correlationID == "" {
		return nil, nil
	}
	entry, err := s.store.FindByCorrelation(ctx, correlationID, kind)
	if err != nil || entry == nil {
		return nil, err
	}
	wallet, err := s.store.ReadWallet(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	return &models.MutationResult{Entry: entry, Wallet: wallet, Replayed: true}, nil
}

func (s *Service) mustReplay(ctx context.Context, correlationID string, kind models.LedgerKind) (*models.MutationResult, error) {
	replayed, err := s.findReplay(ctx, correlationID, kind)
	if err != nil {
		return nil, err
	}
	if replayed == nil {
		return nil, models.NewConstraintViolationError("correlation id conflict without a recorded entry", nil)
	}
	return replayed, nil
}
