package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/pricing"
	"github.com/creditgate/creditgate/internal/services/wallet"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Verdict is the outcome of a pre-flight admission check
type Verdict string

const (
	VerdictAllow             Verdict = "allow"
	VerdictNeedsConfirmation Verdict = "needs_confirmation"
	VerdictDeny              Verdict = "deny"
)

// WarningLevel grades how much of the balance an operation consumes
type WarningLevel string

const (
	WarningNone     WarningLevel = "none"
	WarningInfo     WarningLevel = "info"
	WarningWarning  WarningLevel = "warning"
	WarningCritical WarningLevel = "critical"
)

// Decision is the admission controller's answer for one operation
type Decision struct {
	Verdict            Verdict      `json:"verdict"`
	Level              WarningLevel `json:"level"`
	Cost               int64        `json:"cost"`
	Balance            int64        `json:"balance"`
	RemainingAfter     int64        `json:"remaining_after"`
	Message            string       `json:"message,omitempty"`
	SuggestedPackageID uint         `json:"suggested_package_id,omitempty"`
}

// PackageSuggester finds the cheapest active package covering a shortfall
type PackageSuggester interface {
	SmallestCovering(ctx context.Context, credits int64) (*models.Package, error)
}

// warningState tracks consecutive cost prompts for one user. Stored by
// value; updates go through the controller mutex.
type warningState struct {
	kind  models.OperationKind
	level WarningLevel
	count int
}

// maxTrackedUsers bounds the in-memory warning counters; eviction only
// resets prompt suppression, never balances.
const maxTrackedUsers = 16384

// Controller performs the pre-flight affordability check. It is
// stateless across users except for the bounded per-user counter that
// suppresses repeated info-level prompts.
type Controller struct {
	pricing  *pricing.Table
	wallets  *wallet.Service
	packages PackageSuggester

	mu       sync.Mutex
	warnings *lru.Cache[int64, warningState]
}

func NewController(pricingTable *pricing.Table, wallets *wallet.Service, packages PackageSuggester) *Controller {
	warnings, _ := lru.New[int64, warningState](maxTrackedUsers)
	return &Controller{
		pricing:  pricingTable,
		wallets:  wallets,
		packages: packages,
		warnings: warnings,
	}
}

// Check classifies whether the user can afford the operation and at what
// warning level. It does not debit anything.
func (c *Controller) Check(ctx context.Context, userID int64, kind models.OperationKind, qualifier string) (*Decision, error) {
	cost := c.pricing.CostOf(kind, qualifier)
	balance, err := c.wallets.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	th := c.pricing.Thresholds()
	decision := &Decision{
		Cost:           cost,
		Balance:        balance,
		RemainingAfter: balance - cost,
	}

	switch {
	case cost == 0:
		decision.Verdict = VerdictAllow
		decision.Level = WarningNone

	case cost > balance:
		decision.Verdict = VerdictDeny
		decision.Level = WarningCritical
		decision.Message = fmt.Sprintf("Insufficient credits. You need %d more credits for this operation.", cost-balance)
		if c.packages != nil {
			if pkg, err := c.packages.SmallestCovering(ctx, cost-balance); err == nil && pkg != nil {
				decision.SuggestedPackageID = pkg.ID
			}
		}

	case float64(cost) >= float64(balance)*th.ConfirmCriticalRatio:
		decision.Verdict = VerdictNeedsConfirmation
		decision.Level = WarningCritical
		decision.Message = fmt.Sprintf("This operation will use %d of your %d available credits (%d%%). %d credits will remain.",
			cost, balance, cost*100/balance, balance-cost)
		c.recordPrompt(userID, kind, WarningCritical)

	case float64(cost) >= float64(balance)*th.ConfirmWarningRatio:
		decision.Verdict = VerdictNeedsConfirmation
		decision.Level = WarningWarning
		decision.Message = fmt.Sprintf("This operation will use more than half of your available credits (%d of %d). %d credits will remain.",
			cost, balance, balance-cost)
		c.recordPrompt(userID, kind, WarningWarning)

	case cost >= th.ConfirmInfoMinimum:
		decision.Level = WarningInfo
		decision.Message = fmt.Sprintf("Operation cost: %d credits. %d credits will remain.", cost, balance-cost)
		if c.recordPrompt(userID, kind, WarningInfo) >= th.InfoSuppressionCount {
			decision.Verdict = VerdictAllow
		} else {
			decision.Verdict = VerdictNeedsConfirmation
		}

	default:
		decision.Verdict = VerdictAllow
		decision.Level = WarningNone
	}

	if decision.Verdict == VerdictAllow && decision.RemainingAfter >= 0 && decision.RemainingAfter <= th.LowBalanceHint {
		decision.Message = fmt.Sprintf("Low balance: %d credits will remain after this operation. Consider topping up.", decision.RemainingAfter)
	}

	return decision, nil
}

// recordPrompt bumps the consecutive-prompt counter and returns how many
// prompts the user had already seen at this kind and level. The counter
// resets whenever the kind or level changes, so a run of warning or
// critical prompts never suppresses a later info confirmation.
func (c *Controller) recordPrompt(userID int64, kind models.OperationKind, level WarningLevel) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.warnings.Get(userID)
	if !ok || state.kind != kind || state.level != level {
		c.warnings.Add(userID, warningState{kind: kind, level: level, count: 1})
		return 0
	}
	state.count++
	c.warnings.Add(userID, state)
	return state.count - 1
}
