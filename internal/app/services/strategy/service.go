// Package strategy implements the strategy registry and execution engine
// for strategy-variant vaults. The ledger stores strategy records and their
// execution history; evaluating entry/exit conditions against market data
// is the trading collaborator's responsibility.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/defiledger/vault_layer/internal/app/domain/strategy"
	"github.com/defiledger/vault_layer/internal/app/domain/vault"
	"github.com/defiledger/vault_layer/internal/app/metrics"
	vaultsvc "github.com/defiledger/vault_layer/internal/app/services/vault"
	"github.com/defiledger/vault_layer/internal/app/storage"
	"github.com/defiledger/vault_layer/pkg/logger"
)

const (
	minBps = 1
	maxBps = 10_000
)

// Service manages strategy records attached to vaults.
type Service struct {
	store  storage.StrategyStore
	vaults *vaultsvc.Service
	log    *logger.Logger
}

// New constructs a strategy service.
func New(store storage.StrategyStore, vaults *vaultsvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("strategy")
	}
	return &Service{
		store:  store,
		vaults: vaults,
		log:    log,
	}
}

// Create registers a new active strategy for an owner on a strategy-variant
// vault and bumps the vault's active-strategy count.
func (s *Service) Create(ctx context.Context, vaultID, owner string, cfg strategy.Config) (strategy.Strategy, error) {
	owner = strings.TrimSpace(owner)
	cfg.Name = strings.TrimSpace(cfg.Name)
	if owner == "" {
		return strategy.Strategy{}, fmt.Errorf("owner is required: %w", vault.ErrInvalidConfig)
	}
	if cfg.Name == "" {
		return strategy.Strategy{}, fmt.Errorf("strategy name is required: %w", vault.ErrInvalidConfig)
	}
	if cfg.PositionSizeBps < minBps || cfg.PositionSizeBps > maxBps {
		return strategy.Strategy{}, fmt.Errorf("position size %d bps outside [%d, %d]: %w", cfg.PositionSizeBps, minBps, maxBps, vault.ErrInvalidConfig)
	}
	if cfg.YieldTargetBps < minBps || cfg.YieldTargetBps > maxBps {
		return strategy.Strategy{}, fmt.Errorf("yield target %d bps outside [%d, %d]: %w", cfg.YieldTargetBps, minBps, maxBps, vault.ErrInvalidConfig)
	}

	v, err := s.vaults.Get(ctx, vaultID)
	if err != nil {
		return strategy.Strategy{}, err
	}
	if !v.SupportsStrategies() {
		return strategy.Strategy{}, fmt.Errorf("vault %s does not support strategies: %w", vaultID, vault.ErrInvalidConfig)
	}

	st := strategy.Strategy{
		VaultID:         vaultID,
		Owner:           owner,
		Name:            cfg.Name,
		BaseToken:       cfg.BaseToken,
		QuoteToken:      cfg.QuoteToken,
		PositionSizeBps: cfg.PositionSizeBps,
		YieldTargetBps:  cfg.YieldTargetBps,
		EntryConditions: append([]strategy.Condition(nil), cfg.EntryConditions...),
		ExitConditions:  append([]strategy.Condition(nil), cfg.ExitConditions...),
		Active:          true,
	}
	st, err = s.store.CreateStrategy(ctx, st)
	if err != nil {
		return strategy.Strategy{}, err
	}

	if _, err := s.vaults.MutateVault(ctx, vaultID, func(v *vault.Vault) error {
		v.ActiveStrategies++
		return nil
	}); err != nil {
		// Keep the count honest: retire the record we just created.
		st.Active = false
		if _, closeErr := s.store.UpdateStrategy(ctx, st); closeErr != nil {
			s.log.WithError(closeErr).WithField("vault_id", vaultID).
				Error("failed to retire strategy after count update failure")
		}
		return strategy.Strategy{}, err
	}

	s.log.WithField("vault_id", vaultID).
		WithField("owner", owner).
		WithField("strategy", st.Name).
		Info("strategy created")
	return st, nil
}

// Execute records one strategy run: stamps the execution time, increments
// the execution count and accumulates the caller-supplied PnL delta. The
// PnL itself is computed by the trading collaborator; the ledger records
// the outcome.
func (s *Service) Execute(ctx context.Context, vaultID, owner, name, caller string, now time.Time, pnlDeltaBps int64) (strategy.Execution, error) {
	// The whole read-modify-write runs under the vault lock so concurrent
	// executes never lose counts or PnL deltas.
	var st strategy.Strategy
	err := s.vaults.WithVaultLock(vaultID, func() error {
		var err error
		st, err = s.store.GetStrategy(ctx, vaultID, owner, name)
		if err != nil {
			return err
		}
		if caller != st.Owner {
			return fmt.Errorf("caller %s does not own strategy %s: %w", caller, name, vault.ErrUnauthorized)
		}
		if !st.Active {
			return fmt.Errorf("strategy %s: %w", name, vault.ErrStrategyInactive)
		}

		v, err := s.vaults.Get(ctx, vaultID)
		if err != nil {
			return err
		}
		if v.Paused && caller != v.Authority {
			return fmt.Errorf("vault %s: %w", vaultID, vault.ErrVaultPaused)
		}

		st.LastExecution = now.UTC()
		st.Executions++
		st.TotalPnlBps += pnlDeltaBps

		st, err = s.store.UpdateStrategy(ctx, st)
		return err
	})
	if err != nil {
		return strategy.Execution{}, err
	}

	metrics.RecordStrategyExecution(vaultID, pnlDeltaBps)
	s.log.WithField("vault_id", vaultID).
		WithField("strategy", name).
		WithField("pnl_delta_bps", pnlDeltaBps).
		Info("strategy executed")
	return strategy.Execution{
		StrategyID:  st.ID,
		VaultID:     vaultID,
		Owner:       owner,
		Name:        name,
		PnlDeltaBps: pnlDeltaBps,
		TotalPnlBps: st.TotalPnlBps,
		Sequence:    st.Executions,
		ExecutedAt:  st.LastExecution,
	}, nil
}

// Close deactivates a strategy and decrements the vault's active-strategy
// count. The transition is one-way: closed strategies are never reopened.
// Permitted to the strategy owner and to the vault authority; closing an
// already-closed strategy is a no-op success.
func (s *Service) Close(ctx context.Context, vaultID, owner, name, caller string) (strategy.Strategy, error) {
	// Deactivation runs under the vault lock; only the caller that flips
	// Active to false decrements the count, so concurrent closes of one
	// strategy cannot double-decrement.
	var (
		st     strategy.Strategy
		closed bool
	)
	err := s.vaults.WithVaultLock(vaultID, func() error {
		var err error
		st, err = s.store.GetStrategy(ctx, vaultID, owner, name)
		if err != nil {
			return err
		}

		v, err := s.vaults.Get(ctx, vaultID)
		if err != nil {
			return err
		}
		if caller != st.Owner && caller != v.Authority {
			return fmt.Errorf("caller %s may not close strategy %s: %w", caller, name, vault.ErrUnauthorized)
		}
		if !st.Active {
			return nil
		}

		st.Active = false
		st, err = s.store.UpdateStrategy(ctx, st)
		closed = err == nil
		return err
	})
	if err != nil {
		return strategy.Strategy{}, err
	}
	if !closed {
		return st, nil
	}

	if _, err := s.vaults.MutateVault(ctx, vaultID, func(v *vault.Vault) error {
		if v.ActiveStrategies > 0 {
			v.ActiveStrategies--
		}
		return nil
	}); err != nil {
		return strategy.Strategy{}, err
	}

	s.log.WithField("vault_id", vaultID).
		WithField("strategy", name).
		Info("strategy closed")
	return st, nil
}

// Get retrieves one strategy.
func (s *Service) Get(ctx context.Context, vaultID, owner, name string) (strategy.Strategy, error) {
	return s.store.GetStrategy(ctx, vaultID, owner, name)
}

// List returns strategies on a vault, optionally filtered by owner.
func (s *Service) List(ctx context.Context, vaultID, owner string) ([]strategy.Strategy, error) {
	return s.store.ListStrategies(ctx, vaultID, owner)
}
