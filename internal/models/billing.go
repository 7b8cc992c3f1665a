package models

import "time"

// Package is a sellable credit bundle
type Package struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Credits   int64     `gorm:"not null" json:"credits"`
	Price     float64   `gorm:"not null" json:"price"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentStatus tracks the lifecycle of a gateway payment
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment records one fiat payment brokered through an external gateway.
// ExternalID is the gateway's transaction id and is unique so webhook
// replays cannot record a payment twice.
type Payment struct {
	ID         uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64         `gorm:"index;not null" json:"user_id"`
	PackageID  uint          `gorm:"index" json:"package_id"`
	Gateway    string        `gorm:"not null" json:"gateway"`
	ExternalID string        `gorm:"uniqueIndex;not null" json:"external_id"`
	Status     PaymentStatus `gorm:"not null;default:pending" json:"status"`
	Amount     float64       `json:"amount"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

// StripeConfig holds Stripe API credentials
type StripeConfig struct {
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
}

// PackageConfig seeds the package catalog at startup
type PackageConfig struct {
	Name    string  `yaml:"name" json:"name"`
	Credits int64   `yaml:"credits" json:"credits"`
	Price   float64 `yaml:"price" json:"price"`
	Active  *bool   `yaml:"active,omitempty" json:"active,omitempty"`
}
