package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/wallet"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Result is what one successful external call produced. ActualCost may
// differ from the estimate the reservation was debited with; zero means
// the estimate stands.
type Result struct {
	Artifact   any
	ActualCost int64
}

// Call performs a single attempt against the external provider. The
// executor bounds it with a timeout and may invoke it again on
// retryable failures, so it must be safe to re-run. Streaming calls
// deliver chunks through their own sink; the executor never touches
// the wallet between the initial debit and the final settlement, so a
// stream in progress can never observe a balance change of its own.
type Call func(ctx context.Context) (*Result, error)

// Breaker gates calls to an upstream provider.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
}

// Outcome reports the committed result of a completed operation.
type Outcome struct {
	Artifact      any
	Charged       int64
	CorrelationID string
}

// pendingMutation is a settlement or refund that could not be written
// because the store was unavailable. The janitor retries it.
type pendingMutation struct {
	credit  models.CreditParams
	debit   models.DebitParams
	isDebit bool
}

// Executor drives the deduction-after-use lifecycle: debit the estimate
// up front, run the external call with bounded retries, then settle the
// actual cost or refund the hold in full.
type Executor struct {
	wallet     *wallet.Service
	registry   *Registry
	breaker    Breaker
	thresholds models.ThresholdsConfig

	mu       sync.Mutex
	deferred []pendingMutation

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. breaker may be nil when no provider gating is
// configured.
func New(walletSvc *wallet.Service, registry *Registry, breaker Breaker, thresholds models.ThresholdsConfig) *Executor {
	return &Executor{
		wallet:     walletSvc,
		registry:   registry,
		breaker:    breaker,
		thresholds: thresholds,
		sleep:      sleepCtx,
	}
}

// Do runs one billable operation end to end. On any failure after the
// debit, the full estimate is refunded under the same correlation id.
func (e *Executor) Do(ctx context.Context, res *models.Reservation, call Call) (*Outcome, error) {
	if res.CorrelationID == "" {
		return nil, models.NewValidationError("operation requires a correlation id", nil)
	}
	if res.EstimatedCost < 0 {
		return nil, models.NewInvalidAmountError(res.EstimatedCost)
	}

	if err := e.registry.Register(res); err != nil {
		return nil, err
	}

	if e.breaker != nil && !e.breaker.CanExecute() {
		e.registry.Resolve(res.CorrelationID, models.ReservationRefunded)
		return nil, models.NewUpstreamUnavailableError("provider", errors.New("circuit open"))
	}

	// Zero-cost operations skip the wallet entirely
	if res.EstimatedCost > 0 {
		_, err := e.wallet.Debit(ctx, models.DebitParams{
			UserID:        res.UserID,
			Amount:        res.EstimatedCost,
			Description:   fmt.Sprintf("pending:%s", res.Kind),
			CorrelationID: res.CorrelationID,
		})
		if err != nil {
			e.registry.Resolve(res.CorrelationID, models.ReservationRefunded)
			return nil, err
		}
		res.Debited = true
	}

	result, err := e.attempt(ctx, res, call)
	if err != nil {
		// The failure may be the caller's own cancellation; the refund
		// write must still go through.
		e.refund(context.WithoutCancel(ctx), res)
		return nil, err
	}

	charged := e.settle(ctx, res, result.ActualCost)
	return &Outcome{
		Artifact:      result.Artifact,
		Charged:       charged,
		CorrelationID: res.CorrelationID,
	}, nil
}

// attempt runs the call with a per-attempt timeout and exponential
// backoff on retryable failures.
func (e *Executor) attempt(ctx context.Context, res *models.Reservation, call Call) (*Result, error) {
	maxAttempts := e.thresholds.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := time.Duration(e.thresholds.RetryBaseDelaySeconds * float64(time.Second))
	if delay <= 0 {
		delay = time.Second
	}
	callTimeout := time.Duration(e.thresholds.ExternalCallTimeoutSeconds) * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if callTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, callTimeout)
		}
		result, err := call(callCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return result, nil
		}

		lastErr = classifyCallError(err, ctx)
		if e.breaker != nil && models.ErrorTypeOf(lastErr) != models.ErrorTypeCancelled {
			e.breaker.RecordFailure()
		}
		if !isRetryable(lastErr) || attempt == maxAttempts {
			break
		}

		fiberlog.Warnf("executor: attempt %d/%d for %s failed, retrying in %s: %v",
			attempt, maxAttempts, res.CorrelationID, delay, lastErr)
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = models.NewCancelledError(string(res.Kind), err)
			break
		}
		delay *= 2
	}
	return nil, lastErr
}

// refund returns the full held estimate under the same correlation id
// as the deduct, so the pair nets to zero in the ledger.
func (e *Executor) refund(ctx context.Context, res *models.Reservation) {
	defer e.registry.Resolve(res.CorrelationID, models.ReservationRefunded)

	if !res.Debited {
		return
	}

	params := models.CreditParams{
		UserID:        res.UserID,
		Amount:        res.EstimatedCost,
		Kind:          models.LedgerKindRefund,
		Description:   fmt.Sprintf("refund:%s", res.Kind),
		CorrelationID: res.CorrelationID,
	}
	if _, err := e.wallet.Credit(ctx, params); err != nil {
		if models.IsErrorType(err, models.ErrorTypeStorageUnavailable) {
			e.enqueue(pendingMutation{credit: params})
			return
		}
		fiberlog.Errorf("executor: refund for %s failed: %v", res.CorrelationID, err)
	}
}

// settle reconciles the held estimate against the actual cost and
// returns what the user ended up charged. Deltas are written as
// compensating entries under a suffixed correlation id.
func (e *Executor) settle(ctx context.Context, res *models.Reservation, actual int64) int64 {
	defer e.registry.Resolve(res.CorrelationID, models.ReservationSettled)

	charged := res.EstimatedCost
	if actual <= 0 || actual == res.EstimatedCost || !res.Debited {
		return charged
	}

	settleID := res.CorrelationID + ":settle"
	if actual > res.EstimatedCost {
		params := models.DebitParams{
			UserID:        res.UserID,
			Amount:        actual - res.EstimatedCost,
			Description:   fmt.Sprintf("settle:%s", res.Kind),
			CorrelationID: settleID,
		}
		_, err := e.wallet.Debit(ctx, params)
		switch {
		case err == nil:
			charged = actual
		case models.IsErrorType(err, models.ErrorTypeInsufficientFunds):
			// The work is already delivered; the estimate is all we can collect
			fiberlog.Warnf("executor: settlement delta for %s uncollectable: %v", res.CorrelationID, err)
		case models.IsErrorType(err, models.ErrorTypeStorageUnavailable):
			e.enqueue(pendingMutation{debit: params, isDebit: true})
			charged = actual
		default:
			fiberlog.Errorf("executor: settlement debit for %s failed: %v", res.CorrelationID, err)
		}
		return charged
	}

	params := models.CreditParams{
		UserID:        res.UserID,
		Amount:        res.EstimatedCost - actual,
		Kind:          models.LedgerKindAdjust,
		Description:   fmt.Sprintf("settle:%s", res.Kind),
		CorrelationID: settleID,
	}
	if _, err := e.wallet.Credit(ctx, params); err != nil {
		if models.IsErrorType(err, models.ErrorTypeStorageUnavailable) {
			e.enqueue(pendingMutation{credit: params})
			return actual
		}
		fiberlog.Errorf("executor: settlement credit for %s failed: %v", res.CorrelationID, err)
		return charged
	}
	return actual
}

func (e *Executor) enqueue(m pendingMutation) {
	e.mu.Lock()
	e.deferred = append(e.deferred, m)
	queued := len(e.deferred)
	e.mu.Unlock()
	fiberlog.Warnf("executor: store unavailable, settlement deferred (%d queued)", queued)
}

// FlushDeferred retries queued settlements and refunds. Mutations that
// still fail stay queued.
func (e *Executor) FlushDeferred(ctx context.Context) int {
	e.mu.Lock()
	queue := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	var flushed int
	for _, m := range queue {
		var err error
		if m.isDebit {
			_, err = e.wallet.Debit(ctx, m.debit)
		} else {
			_, err = e.wallet.Credit(ctx, m.credit)
		}
		if err != nil && models.IsErrorType(err, models.ErrorTypeStorageUnavailable) {
			e.mu.Lock()
			e.deferred = append(e.deferred, m)
			e.mu.Unlock()
			continue
		}
		if err != nil {
			fiberlog.Errorf("executor: deferred settlement dropped: %v", err)
		}
		flushed++
	}
	return flushed
}

// StartJanitor launches the background loop that refunds expired holds
// and retries deferred settlements until the context is cancelled.
func (e *Executor) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runJanitorPass(ctx)
			}
		}
	}()
}

func (e *Executor) runJanitorPass(ctx context.Context) {
	for _, res := range e.registry.Sweep() {
		if !res.Debited {
			continue
		}
		fiberlog.Warnf("executor: reservation %s expired after %s, refunding %d credits",
			res.CorrelationID, time.Since(res.CreatedAt).Round(time.Second), res.EstimatedCost)
		e.refund(ctx, res)
	}
	e.FlushDeferred(ctx)
}

// classifyCallError folds raw call failures into the error taxonomy.
func classifyCallError(err error, parent context.Context) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError("external call", err)
	}
	if errors.Is(err, context.Canceled) || parent.Err() != nil {
		return models.NewCancelledError("external call", err)
	}
	return models.NewUpstreamUnavailableError("provider", err)
}

func isRetryable(err error) bool {
	switch models.ErrorTypeOf(err) {
	case models.ErrorTypeUpstreamUnavailable, models.ErrorTypeUpstreamRateLimited, models.ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
