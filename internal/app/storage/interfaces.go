package storage

import (
	"context"

	"github.com/defiledger/vault_layer/internal/app/domain/strategy"
	"github.com/defiledger/vault_layer/internal/app/domain/vault"
)

// VaultStore persists vault and deposit records. SaveLedger is the single
// balance-mutating commit path: it writes the vault record together with any
// changed deposit records atomically, re-checks the ledger invariants
// (total deposits equal the sum of per-owner amounts, total users equal the
// count of positive balances) and rejects the whole commit with
// vault.ErrInvariantViolation on mismatch, leaving prior state intact.
type VaultStore interface {
	CreateVault(ctx context.Context, v vault.Vault) (vault.Vault, error)
	GetVault(ctx context.Context, id string) (vault.Vault, error)
	ListVaults(ctx context.Context) ([]vault.Vault, error)

	GetDeposit(ctx context.Context, vaultID, owner string) (vault.Deposit, error)
	ListDeposits(ctx context.Context, vaultID string) ([]vault.Deposit, error)

	SaveLedger(ctx context.Context, v vault.Vault, deposits ...vault.Deposit) (vault.Vault, error)
}

// StrategyStore persists strategy records for strategy-variant vaults.
type StrategyStore interface {
	CreateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error)
	UpdateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error)
	GetStrategy(ctx context.Context, vaultID, owner, name string) (strategy.Strategy, error)
	ListStrategies(ctx context.Context, vaultID, owner string) ([]strategy.Strategy, error)
}
