package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defiledger/vault_layer/internal/app/domain/strategy"
	"github.com/defiledger/vault_layer/internal/app/domain/vault"
	"github.com/defiledger/vault_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	vaults     map[string]vault.Vault
	deposits   map[string]map[string]vault.Deposit // vault ID -> owner -> record
	strategies map[string]strategy.Strategy        // composite key -> record
}

var _ storage.VaultStore = (*Store)(nil)
var _ storage.StrategyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:     1,
		vaults:     make(map[string]vault.Vault),
		deposits:   make(map[string]map[string]vault.Deposit),
		strategies: make(map[string]strategy.Strategy),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func strategyKey(vaultID, owner, name string) string {
	return vaultID + "/" + owner + "/" + name
}

// VaultStore implementation ---------------------------------------------------

func (s *Store) CreateVault(_ context.Context, v vault.Vault) (vault.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = s.nextIDLocked()
	} else if _, exists := s.vaults[v.ID]; exists {
		return vault.Vault{}, fmt.Errorf("vault %s already exists", v.ID)
	}

	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now

	s.vaults[v.ID] = v
	s.deposits[v.ID] = make(map[string]vault.Deposit)
	return v, nil
}

func (s *Store) GetVault(_ context.Context, id string) (vault.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[id]
	if !ok {
		return vault.Vault{}, fmt.Errorf("vault %s: %w", id, vault.ErrNotFound)
	}
	return v, nil
}

func (s *Store) ListVaults(_ context.Context) ([]vault.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]vault.Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		result = append(result, v)
	}
	return result, nil
}

func (s *Store) GetDeposit(_ context.Context, vaultID, owner string) (vault.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dep, ok := s.deposits[vaultID][owner]
	if !ok {
		return vault.Deposit{}, fmt.Errorf("deposit for %s in vault %s: %w", owner, vaultID, vault.ErrNotFound)
	}
	return dep, nil
}

func (s *Store) ListDeposits(_ context.Context, vaultID string) ([]vault.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.deposits[vaultID]
	result := make([]vault.Deposit, 0, len(records))
	for _, dep := range records {
		result = append(result, dep)
	}
	return result, nil
}

func (s *Store) SaveLedger(_ context.Context, v vault.Vault, deposits ...vault.Deposit) (vault.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.vaults[v.ID]
	if !ok {
		return vault.Vault{}, fmt.Errorf("vault %s: %w", v.ID, vault.ErrNotFound)
	}

	now := time.Now().UTC()

	// Build the candidate deposit view without touching committed state.
	merged := make(map[string]vault.Deposit, len(s.deposits[v.ID]))
	for owner, dep := range s.deposits[v.ID] {
		merged[owner] = dep
	}
	for _, dep := range deposits {
		if dep.VaultID != v.ID {
			return vault.Vault{}, fmt.Errorf("deposit for vault %s in commit for vault %s", dep.VaultID, v.ID)
		}
		if existing, exists := merged[dep.Owner]; exists {
			dep.CreatedAt = existing.CreatedAt
		} else {
			dep.CreatedAt = now
		}
		dep.UpdatedAt = now
		merged[dep.Owner] = dep
	}

	var sum, users uint64
	for _, dep := range merged {
		sum += dep.Amount
		if dep.Active() {
			users++
		}
	}
	if sum != v.TotalDeposits || users != v.TotalUsers {
		return vault.Vault{}, fmt.Errorf(
			"vault %s: totals (%d, %d) disagree with records (%d, %d): %w",
			v.ID, v.TotalDeposits, v.TotalUsers, sum, users, vault.ErrInvariantViolation)
	}

	v.CreatedAt = original.CreatedAt
	v.UpdatedAt = now
	s.vaults[v.ID] = v
	s.deposits[v.ID] = merged
	return v, nil
}

// StrategyStore implementation -------------------------------------------------

func (s *Store) CreateStrategy(_ context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strategyKey(st.VaultID, st.Owner, st.Name)
	if _, exists := s.strategies[key]; exists {
		return strategy.Strategy{}, fmt.Errorf("strategy %s/%s in vault %s: %w", st.Owner, st.Name, st.VaultID, vault.ErrDuplicateStrategy)
	}

	if st.ID == "" {
		st.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	s.strategies[key] = cloneStrategy(st)
	return st, nil
}

func (s *Store) UpdateStrategy(_ context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strategyKey(st.VaultID, st.Owner, st.Name)
	original, ok := s.strategies[key]
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("strategy %s/%s in vault %s: %w", st.Owner, st.Name, st.VaultID, vault.ErrNotFound)
	}

	st.ID = original.ID
	st.CreatedAt = original.CreatedAt
	st.UpdatedAt = time.Now().UTC()

	s.strategies[key] = cloneStrategy(st)
	return st, nil
}

func (s *Store) GetStrategy(_ context.Context, vaultID, owner, name string) (strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[strategyKey(vaultID, owner, name)]
	if !ok {
		return strategy.Strategy{}, fmt.Errorf("strategy %s/%s in vault %s: %w", owner, name, vaultID, vault.ErrNotFound)
	}
	return cloneStrategy(st), nil
}

func (s *Store) ListStrategies(_ context.Context, vaultID, owner string) ([]strategy.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]strategy.Strategy, 0)
	for _, st := range s.strategies {
		if st.VaultID != vaultID {
			continue
		}
		if owner == "" || st.Owner == owner {
			result = append(result, cloneStrategy(st))
		}
	}
	return result, nil
}

// Helpers ----------------------------------------------------------------------

func cloneStrategy(st strategy.Strategy) strategy.Strategy {
	st.EntryConditions = append([]strategy.Condition(nil), st.EntryConditions...)
	st.ExitConditions = append([]strategy.Condition(nil), st.ExitConditions...)
	return st
}
