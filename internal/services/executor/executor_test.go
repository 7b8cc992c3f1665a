package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/ledger"
	"github.com/creditgate/creditgate/internal/services/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testThresholds() models.ThresholdsConfig {
	return models.ThresholdsConfig{
		MaxRetries:            3,
		RetryBaseDelaySeconds: 0.001,
	}
}

// flakyStore forwards to a real store but refuses wallet mutations
// while failing is set, the way an unreachable database would.
type flakyStore struct {
	ledger.Store
	failing atomic.Bool
}

func (s *flakyStore) UpsertWallet(ctx context.Context, userID int64, fn ledger.Mutator) (*models.Wallet, *models.LedgerEntry, error) {
	if s.failing.Load() {
		return nil, nil, models.NewStorageUnavailableError("upsert wallet", nil)
	}
	return s.Store.UpsertWallet(ctx, userID, fn)
}

func newTestStore(t *testing.T) *ledger.GormStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := ledger.NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func newTestExecutor(t *testing.T) (*Executor, *wallet.Service) {
	t.Helper()
	svc := wallet.NewService(newTestStore(t))
	return New(svc, NewRegistry(time.Minute), nil, testThresholds()), svc
}

func grant(t *testing.T, svc *wallet.Service, userID, amount int64) {
	t.Helper()
	_, err := svc.Credit(context.Background(), models.CreditParams{
		UserID: userID, Amount: amount, Kind: models.LedgerKindGrant,
		CorrelationID: fmt.Sprintf("grant-%d", userID),
	})
	require.NoError(t, err)
}

func reservation(userID int64, cid string, cost int64) *models.Reservation {
	return &models.Reservation{
		UserID:        userID,
		CorrelationID: cid,
		Kind:          models.OperationChatMessage,
		EstimatedCost: cost,
	}
}

func TestDoChargesEstimateOnSuccess(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 1, 100)

	outcome, err := exec.Do(ctx, reservation(1, "op-1", 3), func(ctx context.Context) (*Result, error) {
		return &Result{Artifact: "reply"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "reply", outcome.Artifact)
	assert.Equal(t, int64(3), outcome.Charged)

	balance, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(97), balance)

	entries, err := svc.History(ctx, 1, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LedgerKindDeduct, entries[1].Kind)
	assert.Equal(t, "op-1", entries[1].CorrelationID)
}

func TestDoRefundsFullEstimateOnFailure(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 2, 100)

	var attempts int
	_, err := exec.Do(ctx, reservation(2, "op-2", 3), func(ctx context.Context) (*Result, error) {
		attempts++
		return nil, models.NewUpstreamUnavailableError("openai", errors.New("connection refused"))
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeUpstreamUnavailable))
	assert.Equal(t, 3, attempts)

	balance, err := svc.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// Deduct and refund share the correlation id and net to zero
	entries, err := svc.History(ctx, 2, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.LedgerKindDeduct, entries[1].Kind)
	assert.Equal(t, models.LedgerKindRefund, entries[2].Kind)
	assert.Equal(t, entries[1].CorrelationID, entries[2].CorrelationID)
	assert.Equal(t, entries[1].Amount, entries[2].Amount)
}

func TestDoRetriesRateLimitedThenSucceeds(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 3, 100)

	var attempts int
	outcome, err := exec.Do(ctx, reservation(3, "op-3", 5), func(ctx context.Context) (*Result, error) {
		attempts++
		if attempts < 3 {
			return nil, models.NewUpstreamRateLimitedError("openai", nil)
		}
		return &Result{Artifact: "image"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(5), outcome.Charged)
}

func TestDoDoesNotRetryCancellation(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 4, 100)

	var attempts int
	_, err := exec.Do(ctx, reservation(4, "op-4", 3), func(ctx context.Context) (*Result, error) {
		attempts++
		return nil, context.Canceled
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeCancelled))
	assert.Equal(t, 1, attempts)

	balance, err := svc.GetBalance(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestDoRefundsWhenCallerDisconnectsMidCall(t *testing.T) {
	exec, svc := newTestExecutor(t)
	grant(t, svc, 12, 100)

	// The caller's context dies while the call is in flight, the way a
	// streaming client closing its connection would.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := exec.Do(ctx, reservation(12, "op-12", 3), func(callCtx context.Context) (*Result, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeCancelled))

	balance, err := svc.GetBalance(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// The refund is written immediately, not parked for the janitor
	entries, err := svc.History(context.Background(), 12, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.LedgerKindDeduct, entries[1].Kind)
	assert.Equal(t, models.LedgerKindRefund, entries[2].Kind)
	assert.Equal(t, 0, exec.FlushDeferred(context.Background()))
}

func TestDoSettlesHigherActualCost(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 5, 100)

	outcome, err := exec.Do(ctx, reservation(5, "op-5", 3), func(ctx context.Context) (*Result, error) {
		return &Result{Artifact: "long reply", ActualCost: 5}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), outcome.Charged)

	balance, err := svc.GetBalance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance)

	entries, err := svc.History(ctx, 5, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.LedgerKindDeduct, entries[2].Kind)
	assert.Equal(t, "op-5:settle", entries[2].CorrelationID)
	assert.Equal(t, int64(2), entries[2].Amount)
}

func TestDoSettlesLowerActualCost(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 6, 100)

	outcome, err := exec.Do(ctx, reservation(6, "op-6", 15), func(ctx context.Context) (*Result, error) {
		return &Result{Artifact: "image", ActualCost: 10}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), outcome.Charged)

	balance, err := svc.GetBalance(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	entries, err := svc.History(ctx, 6, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.LedgerKindAdjust, entries[2].Kind)
	assert.Equal(t, "op-6:settle", entries[2].CorrelationID)
	assert.Equal(t, int64(5), entries[2].Amount)
}

func TestDoRejectsInsufficientFundsBeforeCalling(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()
	grant(t, svc, 7, 2)

	var attempts int
	_, err := exec.Do(ctx, reservation(7, "op-7", 3), func(ctx context.Context) (*Result, error) {
		attempts++
		return &Result{}, nil
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeInsufficientFunds))
	assert.Zero(t, attempts)

	balance, err := svc.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestDoSkipsWalletForZeroCost(t *testing.T) {
	exec, svc := newTestExecutor(t)
	ctx := context.Background()

	outcome, err := exec.Do(ctx, reservation(8, "op-8", 0), func(ctx context.Context) (*Result, error) {
		return &Result{Artifact: "help text"}, nil
	})
	require.NoError(t, err)
	assert.Zero(t, outcome.Charged)

	entries, err := svc.History(ctx, 8, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenBreakerRejectsWithoutDebit(t *testing.T) {
	svc := wallet.NewService(newTestStore(t))
	breaker := &stubBreaker{open: true}
	exec := New(svc, NewRegistry(time.Minute), breaker, testThresholds())
	ctx := context.Background()
	grant(t, svc, 9, 100)

	var attempts int
	_, err := exec.Do(ctx, reservation(9, "op-9", 3), func(ctx context.Context) (*Result, error) {
		attempts++
		return &Result{}, nil
	})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeUpstreamUnavailable))
	assert.Zero(t, attempts)

	balance, err := svc.GetBalance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestBreakerObservesOutcomes(t *testing.T) {
	svc := wallet.NewService(newTestStore(t))
	breaker := &stubBreaker{}
	exec := New(svc, NewRegistry(time.Minute), breaker, testThresholds())
	ctx := context.Background()
	grant(t, svc, 10, 100)

	_, err := exec.Do(ctx, reservation(10, "op-10", 3), func(ctx context.Context) (*Result, error) {
		return nil, models.NewUpstreamUnavailableError("openai", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, breaker.failures)

	_, err = exec.Do(ctx, reservation(10, "op-11", 3), func(ctx context.Context) (*Result, error) {
		return &Result{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, breaker.successes)
}

func TestJanitorRefundsExpiredHold(t *testing.T) {
	svc := wallet.NewService(newTestStore(t))
	registry := NewRegistry(time.Minute)
	exec := New(svc, registry, nil, testThresholds())
	ctx := context.Background()
	grant(t, svc, 11, 100)

	// Simulate a hold whose operation never came back
	_, err := svc.Debit(ctx, models.DebitParams{
		UserID: 11, Amount: 8, Description: "pending:image", CorrelationID: "op-stale",
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(&models.Reservation{
		UserID:        11,
		CorrelationID: "op-stale",
		Kind:          models.OperationImage,
		EstimatedCost: 8,
		Debited:       true,
		CreatedAt:     time.Now().Add(-2 * time.Minute),
	}))

	exec.runJanitorPass(ctx)

	balance, err := svc.GetBalance(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	assert.Zero(t, registry.Len())
}

func TestDeferredSettlementFlushesAfterRecovery(t *testing.T) {
	flaky := &flakyStore{Store: newTestStore(t)}
	svc := wallet.NewService(flaky)
	exec := New(svc, NewRegistry(time.Minute), nil, testThresholds())
	ctx := context.Background()
	grant(t, svc, 12, 100)

	// Store goes down between the call finishing and the refund landing
	_, err := exec.Do(ctx, reservation(12, "op-12", 3), func(ctx context.Context) (*Result, error) {
		flaky.failing.Store(true)
		return nil, models.NewUpstreamUnavailableError("openai", nil)
	})
	require.Error(t, err)

	flaky.failing.Store(false)
	assert.Equal(t, 1, exec.FlushDeferred(ctx))

	balance, err := svc.GetBalance(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestRegistryRejectsDuplicateInFlight(t *testing.T) {
	registry := NewRegistry(time.Minute)

	require.NoError(t, registry.Register(reservation(1, "op-dup", 3)))
	err := registry.Register(reservation(1, "op-dup", 3))
	assert.True(t, models.IsErrorType(err, models.ErrorTypeConstraintViolation))
}

type stubBreaker struct {
	open      bool
	failures  int
	successes int
}

func (b *stubBreaker) CanExecute() bool { return !b.open }
func (b *stubBreaker) RecordSuccess()   { b.successes++ }
func (b *stubBreaker) RecordFailure()   { b.failures++ }
