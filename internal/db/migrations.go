package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS negotiations (
		id UUID PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		role VARCHAR(16) NOT NULL,
		counterparty_id TEXT NOT NULL DEFAULT '',
		counterparty_address TEXT NOT NULL,
		protocol VARCHAR(64) NOT NULL,
		state INTEGER NOT NULL,
		state_attempts INTEGER NOT NULL DEFAULT 0,
		state_timestamp BIGINT NOT NULL,
		offers JSONB NOT NULL DEFAULT '[]',
		agreement JSONB,
		error_detail TEXT NOT NULL DEFAULT '',
		termination_reason TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		version BIGINT NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at BIGINT NOT NULL DEFAULT 0
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_negotiations_correlation ON negotiations (role, correlation_id);`,
	`CREATE INDEX IF NOT EXISTS idx_negotiations_due ON negotiations (role, state, state_timestamp) WHERE state NOT IN (-1, 1100, 1300);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
