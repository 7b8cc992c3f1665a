package pricing

import (
	"testing"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestCostOfKnownModels(t *testing.T) {
	table := NewTable(models.PricingConfig{})

	assert.Equal(t, int64(1), table.CostOf(models.OperationChatMessage, "gpt-3.5-turbo"))
	assert.Equal(t, int64(5), table.CostOf(models.OperationChatMessage, "gpt-4"))
	assert.Equal(t, int64(3), table.CostOf(models.OperationChatMessage, "gpt-4o"))
}

func TestCostOfFallsBackToDefault(t *testing.T) {
	table := NewTable(models.PricingConfig{})

	assert.Equal(t, int64(1), table.CostOf(models.OperationChatMessage, "gpt-99-unreleased"))
	assert.Equal(t, int64(10), table.CostOf(models.OperationImage, "4k"))
}

func TestCostOfImageTiers(t *testing.T) {
	table := NewTable(models.PricingConfig{})

	assert.Equal(t, int64(10), table.CostOf(models.OperationImage, "standard"))
	assert.Equal(t, int64(15), table.CostOf(models.OperationImage, "hd"))
}

func TestCostOfFlatKinds(t *testing.T) {
	table := NewTable(models.PricingConfig{})

	assert.Equal(t, int64(5), table.CostOf(models.OperationDocument, ""))
	assert.Equal(t, int64(8), table.CostOf(models.OperationPhoto, "anything"))
}

func TestConfiguredCostsOverrideDefaults(t *testing.T) {
	table := NewTable(models.PricingConfig{
		ChatMessage: models.CostTable{
			Costs:   map[string]int64{"gpt-4o": 7},
			Default: 2,
		},
	})

	assert.Equal(t, int64(7), table.CostOf(models.OperationChatMessage, "gpt-4o"))
	assert.Equal(t, int64(2), table.CostOf(models.OperationChatMessage, "gpt-4"))
}

func TestThresholdDefaults(t *testing.T) {
	table := NewTable(models.PricingConfig{})
	th := table.Thresholds()

	assert.Equal(t, int64(5), th.ConfirmInfoMinimum)
	assert.InDelta(t, 0.5, th.ConfirmWarningRatio, 1e-9)
	assert.InDelta(t, 0.7, th.ConfirmCriticalRatio, 1e-9)
	assert.Equal(t, 3, th.InfoSuppressionCount)
	assert.Equal(t, 120, th.ReservationTTLSeconds)
	assert.Equal(t, 3, th.MaxRetries)
	assert.InDelta(t, 1.0, th.RetryBaseDelaySeconds, 1e-9)
}
