package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// transactions serialize instead of deadlocking on lock upgrade.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := ledger.NewGormStore(db)
	require.NoError(t, store.AutoMigrate())

	return NewService(store)
}

func timeZero() time.Time { return time.Time{} }

func TestGetBalanceCreatesEmptyWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	balance, err := svc.GetBalance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	wallet, err := svc.GetWallet(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), wallet.UserID)
	assert.Equal(t, int64(0), wallet.Balance)
}

func TestCreditIncreasesBalanceAndAppendsEntry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Credit(ctx, models.CreditParams{
		UserID:        1,
		Amount:        100,
		Kind:          models.LedgerKindPurchase,
		Description:   "Starter package",
		CorrelationID: "pay-1",
		Price:         4.99,
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(100), res.Wallet.Balance)
	assert.Equal(t, int64(100), res.Wallet.TotalPurchased)
	assert.InDelta(t, 4.99, res.Wallet.TotalSpent, 1e-9)
	assert.NotNil(t, res.Wallet.LastPurchaseAt)
	assert.Equal(t, int64(0), res.Entry.BalanceBefore)
	assert.Equal(t, int64(100), res.Entry.BalanceAfter)
}

func TestCreditRejectsInvalidAmount(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Credit(context.Background(), models.CreditParams{
		UserID: 1, Amount: 0, Kind: models.LedgerKindGrant, CorrelationID: "g-0",
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeInvalidAmount))

	_, err = svc.Credit(context.Background(), models.CreditParams{
		UserID: 1, Amount: -5, Kind: models.LedgerKindGrant, CorrelationID: "g-1",
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeInvalidAmount))
}

func TestCreditIsIdempotentOnCorrelationID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	params := models.CreditParams{
		UserID:        7,
		Amount:        100,
		Kind:          models.LedgerKindPurchase,
		Description:   "webhook credit",
		CorrelationID: "stripe-evt-123",
	}

	first, err := svc.Credit(ctx, params)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := svc.Credit(ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	balance, err := svc.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	wallet, err := svc.GetWallet(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), wallet.TotalPurchased)

	entries, err := svc.History(ctx, 7, timeZero(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebitRejectsInsufficientFunds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Debit(ctx, models.DebitParams{
		UserID: 9, Amount: 1, Description: "chat", CorrelationID: "op-1",
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeInsufficientFunds))

	// No ledger entry is written for a rejected debit
	entries, err := svc.History(ctx, 9, timeZero(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDebitThenRefundIsNoOpOnBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, models.CreditParams{
		UserID: 3, Amount: 100, Kind: models.LedgerKindGrant, CorrelationID: "grant-1",
	})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, models.DebitParams{
		UserID: 3, Amount: 3, Description: "pending:chat_message", CorrelationID: "op-42",
	})
	require.NoError(t, err)

	// The refund shares the deduct's correlation id so the pair stays linked
	refund, err := svc.Credit(ctx, models.CreditParams{
		UserID: 3, Amount: 3, Kind: models.LedgerKindRefund, Description: "refund:chat_message", CorrelationID: "op-42",
	})
	require.NoError(t, err)
	assert.False(t, refund.Replayed)

	balance, err := svc.GetBalance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	entries, err := svc.History(ctx, 3, timeZero(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.LedgerKindDeduct, entries[1].Kind)
	assert.Equal(t, models.LedgerKindRefund, entries[2].Kind)
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, models.CreditParams{
		UserID: 5, Amount: 10, Kind: models.LedgerKindGrant, CorrelationID: "grant-5",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Debit(ctx, models.DebitParams{
				UserID:        5,
				Amount:        8,
				Description:   "image generation",
				CorrelationID: fmt.Sprintf("op-parallel-%d", i),
			})
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case models.IsErrorType(err, models.ErrorTypeInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, err := svc.GetBalance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	deducts, err := svc.History(ctx, 5, timeZero(), 0)
	require.NoError(t, err)
	var deductCount int
	for _, entry := range deducts {
		if entry.Kind == models.LedgerKindDeduct {
			deductCount++
		}
	}
	assert.Equal(t, 1, deductCount)
}

func TestConcurrentFirstTouchCreatesOneWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Both writers race to create the wallet row; the loser must land on
	// the existing row, not surface a constraint error.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Credit(ctx, models.CreditParams{
				UserID:        11,
				Amount:        50,
				Kind:          models.LedgerKindGrant,
				CorrelationID: fmt.Sprintf("grant-first-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		require.NoErrorf(t, err, "credit %d", i)
	}

	balance, err := svc.GetBalance(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	entries, err := svc.History(ctx, 11, timeZero(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, drift, err := svc.Reconcile(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(0), drift)
}

func TestConcurrentFirstTouchDebitsRejectOnFunds(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// An empty wallet created under contention still answers with
	// insufficient funds, never a correlation-id conflict.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Debit(ctx, models.DebitParams{
				UserID:        13,
				Amount:        1,
				Description:   "chat",
				CorrelationID: fmt.Sprintf("op-first-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		assert.Truef(t, models.IsErrorType(err, models.ErrorTypeInsufficientFunds), "debit %d: %v", i, err)
	}
}

func TestReconcileMatchesLedger(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, models.CreditParams{UserID: 8, Amount: 50, Kind: models.LedgerKindPurchase, CorrelationID: "p-1"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, models.DebitParams{UserID: 8, Amount: 20, Description: "chat", CorrelationID: "d-1"})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, models.CreditParams{UserID: 8, Amount: 20, Kind: models.LedgerKindRefund, CorrelationID: "d-1"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, models.DebitParams{UserID: 8, Amount: 5, Description: "photo", CorrelationID: "d-2"})
	require.NoError(t, err)

	balance, drift, err := svc.Reconcile(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(45), balance)
	assert.Equal(t, int64(0), drift)
}

func TestDegradedStoreServesZeroAndRefusesDebits(t *testing.T) {
	svc := NewService(ledger.NewDegradedStore())
	ctx := context.Background()

	balance, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = svc.Debit(ctx, models.DebitParams{UserID: 1, Amount: 1, CorrelationID: "op-d"})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeStorageUnavailable))

	entries, err := svc.History(ctx, 1, timeZero(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
