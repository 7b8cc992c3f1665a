package models

// PricingConfig is the recognized-options mapping for operation costs.
// Costs are integer credits; unknown qualifiers fall back to Default.
type PricingConfig struct {
	ChatMessage CostTable        `yaml:"chat_message" json:"chat_message"`
	Image       CostTable        `yaml:"image" json:"image"`
	Document    int64            `yaml:"document" json:"document"`
	Photo       int64            `yaml:"photo" json:"photo"`
	Thresholds  ThresholdsConfig `yaml:"thresholds" json:"thresholds"`
}

// CostTable maps a qualifier (model name, image quality tier) to a cost
type CostTable struct {
	Costs   map[string]int64 `yaml:"costs" json:"costs"`
	Default int64            `yaml:"default" json:"default"`
}

// ThresholdsConfig tunes admission, confirmation and executor behavior
type ThresholdsConfig struct {
	ConfirmInfoMinimum         int64   `yaml:"confirm_info_minimum" json:"confirm_info_minimum"`
	ConfirmWarningRatio        float64 `yaml:"confirm_warning_ratio" json:"confirm_warning_ratio"`
	ConfirmCriticalRatio       float64 `yaml:"confirm_critical_ratio" json:"confirm_critical_ratio"`
	InfoSuppressionCount       int     `yaml:"info_suppression_count" json:"info_suppression_count"`
	LowBalanceHint             int64   `yaml:"low_balance_hint" json:"low_balance_hint"`
	ReservationTTLSeconds      int     `yaml:"reservation_ttl_seconds" json:"reservation_ttl_seconds"`
	ExternalCallTimeoutSeconds int     `yaml:"external_call_timeout_seconds" json:"external_call_timeout_seconds"`
	MaxRetries                 int     `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelaySeconds      float64 `yaml:"retry_base_delay_seconds" json:"retry_base_delay_seconds"`
}

// ApplyDefaults fills zero-valued pricing and threshold fields with the
// stock configuration of the bot.
func (p *PricingConfig) ApplyDefaults() {
	if p.ChatMessage.Costs == nil {
		p.ChatMessage.Costs = map[string]int64{
			"gpt-3.5-turbo": 1,
			"gpt-4":         5,
			"gpt-4o":        3,
		}
	}
	if p.ChatMessage.Default == 0 {
		p.ChatMessage.Default = 1
	}
	if p.Image.Costs == nil {
		p.Image.Costs = map[string]int64{
			"standard": 10,
			"hd":       15,
		}
	}
	if p.Image.Default == 0 {
		p.Image.Default = 10
	}
	if p.Document == 0 {
		p.Document = 5
	}
	if p.Photo == 0 {
		p.Photo = 8
	}

	t := &p.Thresholds
	if t.ConfirmInfoMinimum == 0 {
		t.ConfirmInfoMinimum = 5
	}
	if t.ConfirmWarningRatio == 0 {
		t.ConfirmWarningRatio = 0.5
	}
	if t.ConfirmCriticalRatio == 0 {
		t.ConfirmCriticalRatio = 0.7
	}
	if t.InfoSuppressionCount == 0 {
		t.InfoSuppressionCount = 3
	}
	if t.LowBalanceHint == 0 {
		t.LowBalanceHint = 5
	}
	if t.ReservationTTLSeconds == 0 {
		t.ReservationTTLSeconds = 120
	}
	if t.ExternalCallTimeoutSeconds == 0 {
		t.ExternalCallTimeoutSeconds = 60
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.RetryBaseDelaySeconds == 0 {
		t.RetryBaseDelaySeconds = 1.0
	}
}
