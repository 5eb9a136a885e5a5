// Package migrations applies the embedded SQL schema for the postgres
// ledger store. Statements are idempotent so Apply can run at every boot.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS vaults (
		id TEXT PRIMARY KEY,
		authority TEXT NOT NULL,
		variant TEXT NOT NULL DEFAULT 'basic',
		total_deposits BIGINT NOT NULL DEFAULT 0,
		total_users BIGINT NOT NULL DEFAULT 0,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		yield_rate_bps INTEGER NOT NULL DEFAULT 0,
		last_yield_calculation TIMESTAMPTZ,
		active_strategies INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vault_deposits (
		vault_id TEXT NOT NULL REFERENCES vaults(id),
		owner TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		yield_earned BIGINT NOT NULL DEFAULT 0,
		yield_accrued_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (vault_id, owner)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vault_deposits_active
		ON vault_deposits (vault_id) WHERE amount > 0`,
	`CREATE TABLE IF NOT EXISTS vault_strategies (
		id TEXT PRIMARY KEY,
		vault_id TEXT NOT NULL REFERENCES vaults(id),
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		base_token TEXT NOT NULL DEFAULT '',
		quote_token TEXT NOT NULL DEFAULT '',
		position_size_bps INTEGER NOT NULL,
		yield_target_bps INTEGER NOT NULL,
		entry_conditions JSONB NOT NULL DEFAULT '[]',
		exit_conditions JSONB NOT NULL DEFAULT '[]',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		total_pnl_bps BIGINT NOT NULL DEFAULT 0,
		executions BIGINT NOT NULL DEFAULT 0,
		last_execution TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (vault_id, owner, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vault_strategies_vault
		ON vault_strategies (vault_id)`,
}

// Apply runs all schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
