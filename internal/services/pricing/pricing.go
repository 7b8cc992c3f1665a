package pricing

import "github.com/creditgate/creditgate/internal/models"

// Table resolves operation costs from configuration. Pure, no I/O;
// reloaded only at process start.
type Table struct {
	cfg models.PricingConfig
}

func NewTable(cfg models.PricingConfig) *Table {
	cfg.ApplyDefaults()
	return &Table{cfg: cfg}
}

// CostOf returns the credit cost of an operation. Unknown qualifiers fall
// back to the per-kind default; unknown kinds cost the chat default.
func (t *Table) CostOf(kind models.OperationKind, qualifier string) int64 {
	switch kind {
	case models.OperationChatMessage:
		return lookup(t.cfg.ChatMessage, qualifier)
	case models.OperationImage:
		return lookup(t.cfg.Image, qualifier)
	case models.OperationDocument:
		return t.cfg.Document
	case models.OperationPhoto:
		return t.cfg.Photo
	default:
		return t.cfg.ChatMessage.Default
	}
}

// Thresholds exposes the admission and executor tuning knobs.
func (t *Table) Thresholds() models.ThresholdsConfig {
	return t.cfg.Thresholds
}

func lookup(table models.CostTable, qualifier string) int64 {
	if cost, ok := table.Costs[qualifier]; ok {
		return cost
	}
	return table.Default
}
