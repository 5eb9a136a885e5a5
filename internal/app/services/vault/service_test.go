package vault_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/defiledger/vault_layer/internal/app/domain/vault"
	vaultsvc "github.com/defiledger/vault_layer/internal/app/services/vault"
	"github.com/defiledger/vault_layer/internal/app/storage/memory"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) *vaultsvc.Service {
	t.Helper()
	return vaultsvc.New(memory.New(), nil)
}

func mustCreate(t *testing.T, svc *vaultsvc.Service, authority string, variant vault.Variant, rateBps uint32) vault.Vault {
	t.Helper()
	v, err := svc.CreateVault(context.Background(), authority, variant, rateBps)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return v
}

func TestCreateVaultValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateVault(ctx, "", vault.VariantBasic, 0); !errors.Is(err, vault.ErrInvalidConfig) {
		t.Fatalf("empty authority: got %v, want ErrInvalidConfig", err)
	}
	if _, err := svc.CreateVault(ctx, "auth", "exotic", 0); !errors.Is(err, vault.ErrInvalidConfig) {
		t.Fatalf("unknown variant: got %v, want ErrInvalidConfig", err)
	}
	if _, err := svc.CreateVault(ctx, "auth", vault.VariantStrategy, 10_001); !errors.Is(err, vault.ErrInvalidConfig) {
		t.Fatalf("rate over 10000 bps: got %v, want ErrInvalidConfig", err)
	}

	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)
	if v.TotalDeposits != 0 || v.TotalUsers != 0 || v.Paused {
		t.Fatalf("new vault not pristine: %+v", v)
	}
}

func TestDepositWithdrawTotals(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 100, baseTime); err != nil {
		t.Fatalf("alice deposit: %v", err)
	}
	if _, _, err := svc.Deposit(ctx, v.ID, "bob", 250, baseTime); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}
	_, got, err := svc.Withdraw(ctx, v.ID, "bob", 100, baseTime)
	if err != nil {
		t.Fatalf("bob withdraw: %v", err)
	}

	if got.TotalDeposits != 250 {
		t.Fatalf("total deposits %d, want 250", got.TotalDeposits)
	}
	if got.TotalUsers != 2 {
		t.Fatalf("total users %d, want 2", got.TotalUsers)
	}
	dep, err := svc.GetDeposit(ctx, v.ID, "bob")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if dep.Amount != 150 {
		t.Fatalf("bob balance %d, want 150", dep.Amount)
	}
}

func TestWithdrawInsufficientLeavesStateUnchanged(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 500, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := svc.Withdraw(ctx, v.ID, "alice", 600, baseTime); !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Fatalf("overdraw: got %v, want ErrInsufficientFunds", err)
	}

	dep, err := svc.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.Amount != 500 {
		t.Fatalf("balance changed to %d after rejected withdrawal", dep.Amount)
	}
	got, err := svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if got.TotalDeposits != 500 || got.TotalUsers != 1 {
		t.Fatalf("vault totals changed: %+v", got)
	}
}

func TestDepositValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 0, baseTime); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("zero deposit: got %v, want ErrInvalidAmount", err)
	}
	if _, _, err := svc.Withdraw(ctx, v.ID, "alice", 0, baseTime); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Fatalf("zero withdrawal: got %v, want ErrInvalidAmount", err)
	}
	if _, _, err := svc.Deposit(ctx, "missing", "alice", 10, baseTime); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("unknown vault: got %v, want ErrNotFound", err)
	}
	if _, _, err := svc.Withdraw(ctx, v.ID, "nobody", 10, baseTime); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("unknown owner: got %v, want ErrNotFound", err)
	}
}

func TestDrainAndReactivateUserCount(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 100, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, got, err := svc.Withdraw(ctx, v.ID, "alice", 100, baseTime)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.TotalUsers != 0 {
		t.Fatalf("drained owner still counted: %d users", got.TotalUsers)
	}

	// The record survives the drain and re-activates on the next deposit.
	dep, err := svc.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("drained record gone: %v", err)
	}
	if dep.Active() {
		t.Fatalf("drained record still active")
	}
	_, got, err = svc.Deposit(ctx, v.ID, "alice", 50, baseTime)
	if err != nil {
		t.Fatalf("redeposit: %v", err)
	}
	if got.TotalUsers != 1 {
		t.Fatalf("reactivated owner not counted: %d users", got.TotalUsers)
	}
}

func TestPauseBlocksThenResumeAllows(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 100, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Pause(ctx, v.ID, "auth"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 10, baseTime); !errors.Is(err, vault.ErrVaultPaused) {
		t.Fatalf("deposit while paused: got %v, want ErrVaultPaused", err)
	}
	if _, _, err := svc.Withdraw(ctx, v.ID, "alice", 10, baseTime); !errors.Is(err, vault.ErrVaultPaused) {
		t.Fatalf("withdraw while paused: got %v, want ErrVaultPaused", err)
	}
	if _, err := svc.ClaimYield(ctx, v.ID, "alice", baseTime); !errors.Is(err, vault.ErrVaultPaused) {
		t.Fatalf("claim while paused: got %v, want ErrVaultPaused", err)
	}

	if _, err := svc.Resume(ctx, v.ID, "auth"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 10, baseTime); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestPauseAuthorityOnlyAndIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, err := svc.Pause(ctx, v.ID, "mallory"); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("non-authority pause: got %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Pause(ctx, v.ID, "auth"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := svc.Pause(ctx, v.ID, "auth")
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if !got.Paused {
		t.Fatalf("vault not paused after idempotent pause")
	}
	if _, err := svc.Resume(ctx, v.ID, "mallory"); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("non-authority resume: got %v, want ErrUnauthorized", err)
	}
}

func TestClaimYieldMath(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	// 10% annual rate.
	v := mustCreate(t, svc, "auth", vault.VariantStrategy, 1_000)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 10_000, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	oneYear := baseTime.Add(365 * 24 * time.Hour)
	paid, err := svc.ClaimYield(ctx, v.ID, "alice", oneYear)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 1_000 {
		t.Fatalf("paid %d, want 1000", paid)
	}

	// A second claim at the same instant pays nothing.
	paid, err = svc.ClaimYield(ctx, v.ID, "alice", oneYear)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if paid != 0 {
		t.Fatalf("second claim paid %d, want 0", paid)
	}

	// Principal untouched.
	dep, err := svc.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.Amount != 10_000 {
		t.Fatalf("principal %d after claim, want 10000", dep.Amount)
	}
}

func TestYieldFoldedBeforePrincipalChanges(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantStrategy, 1_000)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 10_000, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Top up after a year, then claim immediately. The payout must reflect
	// the original principal for the first year only.
	oneYear := baseTime.Add(365 * 24 * time.Hour)
	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 90_000, oneYear); err != nil {
		t.Fatalf("top up: %v", err)
	}
	paid, err := svc.ClaimYield(ctx, v.ID, "alice", oneYear)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 1_000 {
		t.Fatalf("paid %d, want 1000 from the pre-topup year", paid)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 300, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := svc.Deposit(ctx, v.ID, "bob", 700, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := svc.EmergencyWithdraw(ctx, v.ID, "mallory", "cold-wallet", baseTime); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("non-authority sweep: got %v, want ErrUnauthorized", err)
	}

	// Works while paused.
	if _, err := svc.Pause(ctx, v.ID, "auth"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	sweep, err := svc.EmergencyWithdraw(ctx, v.ID, "auth", "cold-wallet", baseTime)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Amount != 1_000 {
		t.Fatalf("swept %d, want 1000", sweep.Amount)
	}
	if sweep.Destination != "cold-wallet" {
		t.Fatalf("destination %q", sweep.Destination)
	}

	got, err := svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if got.TotalDeposits != 0 || got.TotalUsers != 0 {
		t.Fatalf("vault not zeroed: %+v", got)
	}
	deposits, err := svc.ListDeposits(ctx, v.ID)
	if err != nil {
		t.Fatalf("list deposits: %v", err)
	}
	for _, dep := range deposits {
		if dep.Amount != 0 || dep.YieldEarned != 0 {
			t.Fatalf("record not zeroed: %+v", dep)
		}
	}

	// A second sweep reports zero.
	sweep, err = svc.EmergencyWithdraw(ctx, v.ID, "auth", "cold-wallet", baseTime)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sweep.Amount != 0 {
		t.Fatalf("second sweep amount %d, want 0", sweep.Amount)
	}
}

func TestCheckpointYield(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantStrategy, 1_000)
	basic := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "alice", 10_000, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := svc.Deposit(ctx, v.ID, "bob", 20_000, baseTime); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	oneYear := baseTime.Add(365 * 24 * time.Hour)
	folded, err := svc.CheckpointYield(ctx, v.ID, oneYear)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if folded != 2 {
		t.Fatalf("folded %d records, want 2", folded)
	}

	got, err := svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if !got.LastYieldCalculation.Equal(oneYear) {
		t.Fatalf("last yield calculation %v, want %v", got.LastYieldCalculation, oneYear)
	}

	// Checkpointing accrues but does not pay out.
	dep, err := svc.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.YieldEarned != 1_000 {
		t.Fatalf("alice yield %d after checkpoint, want 1000", dep.YieldEarned)
	}

	// Basic vaults are skipped.
	folded, err = svc.CheckpointYield(ctx, basic.ID, oneYear)
	if err != nil {
		t.Fatalf("basic checkpoint: %v", err)
	}
	if folded != 0 {
		t.Fatalf("basic vault folded %d records", folded)
	}
}

func TestConcurrentLedgerOperationsKeepTotalsConsistent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	owners := []string{"alice", "bob", "carol", "dave"}
	for _, owner := range owners {
		if _, _, err := svc.Deposit(ctx, v.ID, owner, 1_000, baseTime); err != nil {
			t.Fatalf("seed %s: %v", owner, err)
		}
	}

	const iterations = 50
	var wg sync.WaitGroup
	errCh := make(chan error, 2*len(owners)*iterations)
	for i, owner := range owners {
		wg.Add(2)
		go func(owner string, at time.Time) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if _, _, err := svc.Deposit(ctx, v.ID, owner, 3, at); err != nil {
					errCh <- err
				}
			}
		}(owner, baseTime.Add(time.Duration(i)*time.Second))
		go func(owner string, at time.Time) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if _, _, err := svc.Withdraw(ctx, v.ID, owner, 1, at); err != nil {
					errCh <- err
				}
			}
		}(owner, baseTime.Add(time.Duration(i)*time.Second))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent operation failed: %v", err)
	}

	got, err := svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	want := uint64(len(owners)) * (1_000 + iterations*3 - iterations*1)
	if got.TotalDeposits != want {
		t.Fatalf("total deposits %d, want %d", got.TotalDeposits, want)
	}
	if got.TotalUsers != uint64(len(owners)) {
		t.Fatalf("total users %d, want %d", got.TotalUsers, len(owners))
	}

	deposits, err := svc.ListDeposits(ctx, v.ID)
	if err != nil {
		t.Fatalf("list deposits: %v", err)
	}
	var sum, active uint64
	for _, dep := range deposits {
		sum += dep.Amount
		if dep.Active() {
			active++
		}
	}
	if sum != got.TotalDeposits || active != got.TotalUsers {
		t.Fatalf("records (%d, %d) disagree with totals (%d, %d)", sum, active, got.TotalDeposits, got.TotalUsers)
	}
}

func TestOwnerIdentityNormalized(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantBasic, 0)

	if _, _, err := svc.Deposit(ctx, v.ID, "  alice  ", 100, baseTime); err != nil {
		t.Fatalf("padded deposit: %v", err)
	}
	if _, _, err := svc.Withdraw(ctx, v.ID, "alice ", 40, baseTime); err != nil {
		t.Fatalf("padded withdrawal: %v", err)
	}
	if _, err := svc.ClaimYield(ctx, v.ID, " alice", baseTime); err != nil {
		t.Fatalf("padded claim: %v", err)
	}

	dep, err := svc.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.Amount != 60 {
		t.Fatalf("balance %d, want 60", dep.Amount)
	}
	got, err := svc.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if got.TotalUsers != 1 {
		t.Fatalf("total users %d, want 1", got.TotalUsers)
	}
}

func TestMutateVaultRejectsBalanceChanges(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	v := mustCreate(t, svc, "auth", vault.VariantStrategy, 0)

	_, err := svc.MutateVault(ctx, v.ID, func(v *vault.Vault) error {
		v.TotalDeposits = 999
		return nil
	})
	if !errors.Is(err, vault.ErrInvariantViolation) {
		t.Fatalf("balance mutation: got %v, want ErrInvariantViolation", err)
	}

	got, err := svc.MutateVault(ctx, v.ID, func(v *vault.Vault) error {
		v.ActiveStrategies = 3
		return nil
	})
	if err != nil {
		t.Fatalf("counter mutation: %v", err)
	}
	if got.ActiveStrategies != 3 {
		t.Fatalf("active strategies %d, want 3", got.ActiveStrategies)
	}
}
