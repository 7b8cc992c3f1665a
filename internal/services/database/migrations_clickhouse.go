package database

import (
	"fmt"

	"gorm.io/gorm"
)

// RunClickHouseMigrations creates the ledger tables directly. GORM's
// AutoMigrate is unreliable against the ClickHouse driver, so the DDL
// is spelled out here.
func RunClickHouseMigrations(db *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id UInt32,
			user_id Int64,
			balance Int64,
			total_purchased Int64,
			total_spent Decimal(12, 2),
			last_purchase_at Nullable(DateTime),
			created_at DateTime DEFAULT now(),
			updated_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY user_id`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id UInt32,
			user_id Int64,
			kind String,
			amount Int64,
			balance_before Int64,
			balance_after Int64,
			description String,
			correlation_id String,
			created_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY (user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS packages (
			id UInt32,
			name String,
			credits Int64,
			price Decimal(12, 2),
			active UInt8,
			created_at DateTime DEFAULT now(),
			updated_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY id`,

		`CREATE TABLE IF NOT EXISTS payments (
			id UInt32,
			user_id Int64,
			package_id UInt32,
			gateway String,
			external_id String,
			status String,
			amount Decimal(12, 2),
			created_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY (user_id, created_at)`,
	}

	for _, query := range queries {
		if err := db.Exec(query).Error; err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}
