package gate

import (
	"context"
	"time"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/admission"
	"github.com/creditgate/creditgate/internal/services/analytics"
	"github.com/creditgate/creditgate/internal/services/confirm"
	"github.com/creditgate/creditgate/internal/services/executor"
	"github.com/creditgate/creditgate/internal/services/wallet"
	"github.com/google/uuid"
)

// Handle is the caller's token for an admitted operation. It carries
// everything the executor needs to reserve and later settle or refund.
type Handle struct {
	UserID        int64                `json:"user_id"`
	CorrelationID string               `json:"correlation_id"`
	Kind          models.OperationKind `json:"kind"`
	Qualifier     string               `json:"qualifier"`
	EstimatedCost int64                `json:"estimated_cost"`
}

// Ticket is the outcome of CheckAndReserve. Handle is non-nil only when
// the operation may proceed immediately; a needs-confirmation ticket
// holds the correlation id the later Confirm call must present.
type Ticket struct {
	Decision      *admission.Decision
	CorrelationID string
	Handle        *Handle
}

// Gate is the single entry point the bot shell talks to. It composes
// admission, confirmation, execution and reporting behind the narrow
// check / confirm / execute surface.
type Gate struct {
	admission  *admission.Controller
	wallets    *wallet.Service
	stash      confirm.Stash
	executor   *executor.Executor
	analytics  *analytics.Service
	confirmTTL time.Duration
}

func New(
	controller *admission.Controller,
	wallets *wallet.Service,
	stash confirm.Stash,
	exec *executor.Executor,
	analyticsSvc *analytics.Service,
	thresholds models.ThresholdsConfig,
) *Gate {
	ttl := time.Duration(thresholds.ReservationTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &Gate{
		admission:  controller,
		wallets:    wallets,
		stash:      stash,
		executor:   exec,
		analytics:  analyticsSvc,
		confirmTTL: ttl,
	}
}

// CheckAndReserve runs admission for one operation. payload is the
// caller's opaque request; it is stashed when confirmation is needed so
// the later yes can replay it without the caller holding state.
func (g *Gate) CheckAndReserve(ctx context.Context, userID int64, kind models.OperationKind, qualifier string, payload []byte) (*Ticket, error) {
	decision, err := g.admission.Check(ctx, userID, kind, qualifier)
	if err != nil {
		return nil, err
	}

	ticket := &Ticket{Decision: decision}
	if decision.Verdict == admission.VerdictDeny {
		return ticket, nil
	}

	ticket.CorrelationID = uuid.NewString()
	if decision.Verdict == admission.VerdictNeedsConfirmation {
		err := g.stash.Put(ctx, &confirm.PendingRequest{
			UserID:        userID,
			CorrelationID: ticket.CorrelationID,
			Kind:          kind,
			Qualifier:     qualifier,
			EstimatedCost: decision.Cost,
			Payload:       payload,
			CreatedAt:     time.Now(),
		}, g.confirmTTL)
		if err != nil {
			return nil, err
		}
		return ticket, nil
	}

	ticket.Handle = &Handle{
		UserID:        userID,
		CorrelationID: ticket.CorrelationID,
		Kind:          kind,
		Qualifier:     qualifier,
		EstimatedCost: decision.Cost,
	}
	return ticket, nil
}

// Confirm resolves a pending cost warning. A yes returns the handle
// (plus the stashed payload) ready for Execute; a no discards the
// request without charging anything. An unknown or expired correlation
// id returns not found either way.
func (g *Gate) Confirm(ctx context.Context, userID int64, correlationID string, yes bool) (*Handle, []byte, error) {
	req, err := g.stash.Take(ctx, userID, correlationID)
	if err != nil {
		return nil, nil, err
	}
	if req == nil {
		return nil, nil, models.NewNotFoundError("pending confirmation")
	}
	if !yes {
		return nil, nil, nil
	}

	return &Handle{
		UserID:        req.UserID,
		CorrelationID: req.CorrelationID,
		Kind:          req.Kind,
		Qualifier:     req.Qualifier,
		EstimatedCost: req.EstimatedCost,
	}, req.Payload, nil
}

// Execute runs the admitted operation through the reserve → call →
// settle/refund lifecycle.
func (g *Gate) Execute(ctx context.Context, handle *Handle, call executor.Call) (*executor.Outcome, error) {
	if handle == nil {
		return nil, models.NewValidationError("execute requires an admitted handle", nil)
	}
	return g.executor.Do(ctx, &models.Reservation{
		UserID:        handle.UserID,
		CorrelationID: handle.CorrelationID,
		Kind:          handle.Kind,
		Qualifier:     handle.Qualifier,
		EstimatedCost: handle.EstimatedCost,
	}, call)
}

// GetBalance reads the user's current balance.
func (g *Gate) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return g.wallets.GetBalance(ctx, userID)
}

// GetHistory lists ledger entries over the last `days` days.
func (g *Gate) GetHistory(ctx context.Context, userID int64, days int) ([]models.LedgerEntry, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	return g.wallets.History(ctx, userID, since, 0)
}

// GetBreakdown aggregates spend by operation category.
func (g *Gate) GetBreakdown(ctx context.Context, userID int64, days int) (*analytics.Breakdown, error) {
	return g.analytics.CategoryBreakdown(ctx, userID, days)
}

// GetUsage buckets spend per day.
func (g *Gate) GetUsage(ctx context.Context, userID int64, days int) ([]analytics.DailyUsage, error) {
	return g.analytics.Usage(ctx, userID, days)
}

// GetForecast projects balance depletion; nil when no spend history.
func (g *Gate) GetForecast(ctx context.Context, userID int64) (*analytics.Forecast, error) {
	return g.analytics.SpendForecast(ctx, userID)
}
