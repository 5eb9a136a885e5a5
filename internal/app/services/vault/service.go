// Package vault implements the vault accounting state machine: deposits,
// withdrawals, yield claims, pause control and emergency withdrawal, with
// ledger invariants enforced on every mutation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/defiledger/vault_layer/internal/app/domain/vault"
	"github.com/defiledger/vault_layer/internal/app/metrics"
	"github.com/defiledger/vault_layer/internal/app/storage"
	"github.com/defiledger/vault_layer/pkg/logger"
)

// Service owns vault and deposit records. Operations on one vault serialize
// behind a per-vault lock; operations on distinct vaults proceed in
// parallel. Every operation either commits an invariant-preserving update
// or leaves state untouched.
type Service struct {
	store storage.VaultStore
	log   *logger.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	halted map[string]bool
}

// New constructs a vault service.
func New(store storage.VaultStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	return &Service{
		store:  store,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
		halted: make(map[string]bool),
	}
}

func (s *Service) vaultLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// guard rejects operations against a vault whose accounting has been found
// inconsistent. Such a vault accepts no further mutations.
func (s *Service) guard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted[id] {
		return fmt.Errorf("vault %s halted: %w", id, vault.ErrInvariantViolation)
	}
	return nil
}

func (s *Service) commit(ctx context.Context, v vault.Vault, deposits ...vault.Deposit) (vault.Vault, error) {
	saved, err := s.store.SaveLedger(ctx, v, deposits...)
	if errors.Is(err, vault.ErrInvariantViolation) {
		s.mu.Lock()
		s.halted[v.ID] = true
		s.mu.Unlock()
		metrics.RecordInvariantViolation(v.ID)
		s.log.WithField("vault_id", v.ID).WithError(err).Error("ledger invariant violated; vault halted")
	}
	return saved, err
}

// CreateVault registers a new vault with the given authority. Vaults start
// active (unpaused) and persist indefinitely.
func (s *Service) CreateVault(ctx context.Context, authority string, variant vault.Variant, yieldRateBps uint32) (vault.Vault, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return vault.Vault{}, fmt.Errorf("authority is required: %w", vault.ErrInvalidConfig)
	}
	switch variant {
	case "":
		variant = vault.VariantBasic
	case vault.VariantBasic, vault.VariantStrategy:
	default:
		return vault.Vault{}, fmt.Errorf("unknown vault variant %q: %w", variant, vault.ErrInvalidConfig)
	}
	if yieldRateBps > bpsDenominator {
		return vault.Vault{}, fmt.Errorf("yield rate %d exceeds %d bps: %w", yieldRateBps, bpsDenominator, vault.ErrInvalidConfig)
	}

	v, err := s.store.CreateVault(ctx, vault.Vault{
		Authority:    authority,
		Variant:      variant,
		YieldRateBps: yieldRateBps,
	})
	if err != nil {
		return vault.Vault{}, err
	}
	s.log.WithField("vault_id", v.ID).
		WithField("variant", string(v.Variant)).
		WithField("yield_rate_bps", v.YieldRateBps).
		Info("vault created")
	return v, nil
}

// Get retrieves a vault by id.
func (s *Service) Get(ctx context.Context, id string) (vault.Vault, error) {
	return s.store.GetVault(ctx, id)
}

// List returns all vaults.
func (s *Service) List(ctx context.Context) ([]vault.Vault, error) {
	return s.store.ListVaults(ctx)
}

// GetDeposit returns the deposit record for an owner.
func (s *Service) GetDeposit(ctx context.Context, vaultID, owner string) (vault.Deposit, error) {
	return s.store.GetDeposit(ctx, vaultID, owner)
}

// ListDeposits returns all deposit records for a vault.
func (s *Service) ListDeposits(ctx context.Context, vaultID string) ([]vault.Deposit, error) {
	return s.store.ListDeposits(ctx, vaultID)
}

// Deposit credits an owner. The deposit record is created lazily on first
// deposit; a record drained to zero re-activates and counts toward
// TotalUsers again.
func (s *Service) Deposit(ctx context.Context, vaultID, owner string, amount uint64, now time.Time) (vault.Deposit, vault.Vault, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("owner is required: %w", vault.ErrInvalidAmount)
	}
	if amount == 0 {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("deposit amount must be positive: %w", vault.ErrInvalidAmount)
	}

	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}
	if v.Paused && owner != v.Authority {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("vault %s: %w", vaultID, vault.ErrVaultPaused)
	}
	if v.TotalDeposits > math.MaxUint64-amount {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("deposit overflows vault total: %w", vault.ErrInvalidAmount)
	}

	dep, err := s.store.GetDeposit(ctx, vaultID, owner)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		dep = vault.Deposit{VaultID: vaultID, Owner: owner, YieldAccruedAt: now.UTC()}
	case err != nil:
		return vault.Deposit{}, vault.Vault{}, err
	default:
		// Fold accrued yield before the principal changes so past accrual
		// reflects the balance it was earned on.
		s.foldYield(&dep, v.YieldRateBps, now)
	}
	if dep.Amount > math.MaxUint64-amount {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("deposit overflows balance: %w", vault.ErrInvalidAmount)
	}

	wasActive := dep.Active()
	dep.Amount += amount
	v.TotalDeposits += amount
	if !wasActive {
		v.TotalUsers++
	}

	v, err = s.commit(ctx, v, dep)
	if err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}
	metrics.RecordDeposit(vaultID, amount)
	s.log.WithField("vault_id", vaultID).
		WithField("owner", owner).
		WithField("amount", amount).
		Info("deposit committed")
	return dep, v, nil
}

// Withdraw debits an owner. Draining the balance to zero removes the owner
// from the active-user count but keeps the record for reactivation.
func (s *Service) Withdraw(ctx context.Context, vaultID, owner string, amount uint64, now time.Time) (vault.Deposit, vault.Vault, error) {
	owner = strings.TrimSpace(owner)
	if amount == 0 {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("withdrawal amount must be positive: %w", vault.ErrInvalidAmount)
	}

	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}
	if v.Paused && owner != v.Authority {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("vault %s: %w", vaultID, vault.ErrVaultPaused)
	}

	dep, err := s.store.GetDeposit(ctx, vaultID, owner)
	if err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}
	if amount > dep.Amount {
		return vault.Deposit{}, vault.Vault{}, fmt.Errorf("withdraw %d exceeds balance %d: %w", amount, dep.Amount, vault.ErrInsufficientFunds)
	}

	s.foldYield(&dep, v.YieldRateBps, now)

	dep.Amount -= amount
	v.TotalDeposits -= amount
	if !dep.Active() {
		v.TotalUsers--
	}

	v, err = s.commit(ctx, v, dep)
	if err != nil {
		return vault.Deposit{}, vault.Vault{}, err
	}
	metrics.RecordWithdrawal(vaultID, amount)
	s.log.WithField("vault_id", vaultID).
		WithField("owner", owner).
		WithField("amount", amount).
		Info("withdrawal committed")
	return dep, v, nil
}

// ClaimYield folds accrued yield into the owner's record and pays the whole
// balance out, resetting yieldEarned to zero atomically. Principal is
// untouched.
func (s *Service) ClaimYield(ctx context.Context, vaultID, owner string, now time.Time) (uint64, error) {
	owner = strings.TrimSpace(owner)
	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return 0, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	if v.Paused && owner != v.Authority {
		return 0, fmt.Errorf("vault %s: %w", vaultID, vault.ErrVaultPaused)
	}

	dep, err := s.store.GetDeposit(ctx, vaultID, owner)
	if err != nil {
		return 0, err
	}

	s.foldYield(&dep, v.YieldRateBps, now)
	paid := dep.YieldEarned
	dep.YieldEarned = 0

	if v.SupportsStrategies() {
		v.LastYieldCalculation = now.UTC()
	}

	if _, err := s.commit(ctx, v, dep); err != nil {
		return 0, err
	}
	metrics.RecordYieldPaid(vaultID, paid)
	s.log.WithField("vault_id", vaultID).
		WithField("owner", owner).
		WithField("paid", paid).
		Info("yield claimed")
	return paid, nil
}

// Pause suspends balance-mutating operations for non-authority callers.
// Pausing an already-paused vault is a no-op success.
func (s *Service) Pause(ctx context.Context, vaultID, caller string) (vault.Vault, error) {
	return s.setPaused(ctx, vaultID, caller, true)
}

// Resume reactivates a paused vault. Idempotent like Pause.
func (s *Service) Resume(ctx context.Context, vaultID, caller string) (vault.Vault, error) {
	return s.setPaused(ctx, vaultID, caller, false)
}

func (s *Service) setPaused(ctx context.Context, vaultID, caller string, paused bool) (vault.Vault, error) {
	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return vault.Vault{}, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return vault.Vault{}, err
	}
	if caller != v.Authority {
		return vault.Vault{}, fmt.Errorf("caller %s is not the vault authority: %w", caller, vault.ErrUnauthorized)
	}
	if v.Paused == paused {
		return v, nil
	}

	v.Paused = paused
	v, err = s.commit(ctx, v)
	if err != nil {
		return vault.Vault{}, err
	}
	s.log.WithField("vault_id", vaultID).
		WithField("paused", paused).
		Info("vault pause state changed")
	return v, nil
}

// EmergencyWithdraw zeroes the entire vault and reports the amount swept to
// the destination. Authority-only, permitted while paused, idempotent in
// effect: a second sweep reports zero. The actual funds transfer is the
// transport collaborator's responsibility.
func (s *Service) EmergencyWithdraw(ctx context.Context, vaultID, caller, destination string, now time.Time) (vault.Sweep, error) {
	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return vault.Sweep{}, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return vault.Sweep{}, err
	}
	if caller != v.Authority {
		return vault.Sweep{}, fmt.Errorf("caller %s is not the vault authority: %w", caller, vault.ErrUnauthorized)
	}

	deposits, err := s.store.ListDeposits(ctx, vaultID)
	if err != nil {
		return vault.Sweep{}, err
	}

	swept := v.TotalDeposits
	for i := range deposits {
		deposits[i].Amount = 0
		deposits[i].YieldEarned = 0
		deposits[i].YieldAccruedAt = now.UTC()
	}
	v.TotalDeposits = 0
	v.TotalUsers = 0

	if _, err := s.commit(ctx, v, deposits...); err != nil {
		return vault.Sweep{}, err
	}
	metrics.RecordSweep(vaultID, swept)
	s.log.WithField("vault_id", vaultID).
		WithField("destination", destination).
		WithField("amount", swept).
		Warn("emergency withdrawal executed")
	return vault.Sweep{
		VaultID:     vaultID,
		Destination: destination,
		Amount:      swept,
		SweptAt:     now.UTC(),
	}, nil
}

// CheckpointYield folds accrued yield into every deposit record of a
// strategy-variant vault and stamps LastYieldCalculation. It is driven by
// an external runner supplying the current time; the state machine itself
// owns no clock.
func (s *Service) CheckpointYield(ctx context.Context, vaultID string, now time.Time) (int, error) {
	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return 0, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return 0, err
	}
	if !v.SupportsStrategies() {
		return 0, nil
	}

	deposits, err := s.store.ListDeposits(ctx, vaultID)
	if err != nil {
		return 0, err
	}

	folded := 0
	for i := range deposits {
		before := deposits[i].YieldEarned
		s.foldYield(&deposits[i], v.YieldRateBps, now)
		if deposits[i].YieldEarned != before {
			folded++
		}
	}
	v.LastYieldCalculation = now.UTC()

	if _, err := s.commit(ctx, v, deposits...); err != nil {
		return 0, err
	}
	return folded, nil
}

// MutateVault applies fn to the vault record under the vault lock and
// commits the result. Balance fields must not change; the strategy registry
// uses this to maintain the active-strategy count.
func (s *Service) MutateVault(ctx context.Context, vaultID string, fn func(*vault.Vault) error) (vault.Vault, error) {
	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return vault.Vault{}, err
	}

	v, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		return vault.Vault{}, err
	}
	totalDeposits, totalUsers := v.TotalDeposits, v.TotalUsers
	if err := fn(&v); err != nil {
		return vault.Vault{}, err
	}
	if v.TotalDeposits != totalDeposits || v.TotalUsers != totalUsers {
		return vault.Vault{}, fmt.Errorf("balance totals may not change outside ledger operations: %w", vault.ErrInvariantViolation)
	}
	return s.commit(ctx, v)
}

// WithVaultLock runs fn while holding the vault's operation lock, giving
// collaborating services the same per-vault serialization the ledger
// operations have. fn must not call back into locked methods of this
// service for the same vault.
func (s *Service) WithVaultLock(vaultID string, fn func() error) error {
	lock := s.vaultLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.guard(vaultID); err != nil {
		return err
	}
	return fn()
}

// foldYield moves accrual earned since the last fold into YieldEarned and
// advances the fold timestamp. Saturates rather than wrapping.
func (s *Service) foldYield(dep *vault.Deposit, rateBps uint32, now time.Time) {
	elapsed := now.Sub(dep.YieldAccruedAt)
	if elapsed <= 0 {
		// Never move the fold point backwards; that would re-accrue the
		// same period on the next fold.
		return
	}
	delta := Accrue(dep.Amount, rateBps, elapsed)
	if dep.YieldEarned > math.MaxUint64-delta {
		dep.YieldEarned = math.MaxUint64
	} else {
		dep.YieldEarned += delta
	}
	dep.YieldAccruedAt = now.UTC()
}
