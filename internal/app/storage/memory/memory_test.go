package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/defiledger/vault_layer/internal/app/domain/strategy"
	"github.com/defiledger/vault_layer/internal/app/domain/vault"
)

func seedVault(t *testing.T, s *Store) vault.Vault {
	t.Helper()
	v, err := s.CreateVault(context.Background(), vault.Vault{
		Authority: "auth",
		Variant:   vault.VariantStrategy,
	})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return v
}

func TestCreateVaultAssignsID(t *testing.T) {
	s := New()
	v := seedVault(t, s)
	if v.ID == "" {
		t.Fatalf("vault ID not assigned")
	}
	got, err := s.GetVault(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if got.Authority != "auth" {
		t.Fatalf("authority %q", got.Authority)
	}
}

func TestGetVaultNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetVault(context.Background(), "missing"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := s.GetDeposit(context.Background(), "missing", "alice"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSaveLedgerCommitsConsistentState(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	v.TotalDeposits = 300
	v.TotalUsers = 2
	saved, err := s.SaveLedger(ctx, v,
		vault.Deposit{VaultID: v.ID, Owner: "alice", Amount: 100},
		vault.Deposit{VaultID: v.ID, Owner: "bob", Amount: 200},
	)
	if err != nil {
		t.Fatalf("save ledger: %v", err)
	}
	if saved.TotalDeposits != 300 {
		t.Fatalf("total deposits %d", saved.TotalDeposits)
	}

	deposits, err := s.ListDeposits(ctx, v.ID)
	if err != nil {
		t.Fatalf("list deposits: %v", err)
	}
	if len(deposits) != 2 {
		t.Fatalf("deposit count %d, want 2", len(deposits))
	}
}

func TestSaveLedgerRejectsSumMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	v.TotalDeposits = 999
	v.TotalUsers = 1
	_, err := s.SaveLedger(ctx, v, vault.Deposit{VaultID: v.ID, Owner: "alice", Amount: 100})
	if !errors.Is(err, vault.ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}

	// Nothing committed.
	got, err := s.GetVault(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if got.TotalDeposits != 0 {
		t.Fatalf("rejected write mutated vault: %+v", got)
	}
	if _, err := s.GetDeposit(ctx, v.ID, "alice"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("rejected write created deposit: %v", err)
	}
}

func TestSaveLedgerRejectsUserCountMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	v.TotalDeposits = 100
	v.TotalUsers = 5
	_, err := s.SaveLedger(ctx, v, vault.Deposit{VaultID: v.ID, Owner: "alice", Amount: 100})
	if !errors.Is(err, vault.ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}
}

func TestSaveLedgerChecksMergedView(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	// Seed alice, then update only bob: the invariant must hold across the
	// stored record plus the incoming one.
	v.TotalDeposits = 100
	v.TotalUsers = 1
	v, err := s.SaveLedger(ctx, v, vault.Deposit{VaultID: v.ID, Owner: "alice", Amount: 100})
	if err != nil {
		t.Fatalf("seed alice: %v", err)
	}

	v.TotalDeposits = 250
	v.TotalUsers = 2
	if _, err := s.SaveLedger(ctx, v, vault.Deposit{VaultID: v.ID, Owner: "bob", Amount: 150}); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	// Zeroed records stay stored but drop out of the user count.
	v, err = s.GetVault(ctx, v.ID)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	v.TotalDeposits = 150
	v.TotalUsers = 1
	if _, err := s.SaveLedger(ctx, v, vault.Deposit{VaultID: v.ID, Owner: "alice", Amount: 0}); err != nil {
		t.Fatalf("drain alice: %v", err)
	}
	dep, err := s.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("drained record gone: %v", err)
	}
	if dep.Active() {
		t.Fatalf("drained record still active")
	}
}

func TestSaveLedgerUnknownVault(t *testing.T) {
	s := New()
	_, err := s.SaveLedger(context.Background(), vault.Vault{ID: "missing"})
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStoredRecordsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	v.TotalDeposits = 100
	v.TotalUsers = 1
	if _, err := s.SaveLedger(ctx, v, vault.Deposit{VaultID: v.ID, Owner: "alice", Amount: 100}); err != nil {
		t.Fatalf("save ledger: %v", err)
	}

	dep, err := s.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	dep.Amount = 9_999

	again, err := s.GetDeposit(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if again.Amount != 100 {
		t.Fatalf("caller mutation leaked into store: %d", again.Amount)
	}
}

func TestStrategyCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	st, err := s.CreateStrategy(ctx, strategy.Strategy{
		VaultID: v.ID,
		Owner:   "alice",
		Name:    "momentum",
		Active:  true,
		EntryConditions: []strategy.Condition{
			{Type: "price_below", Value: 95},
		},
	})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	if st.ID == "" {
		t.Fatalf("strategy ID not assigned")
	}

	if _, err := s.CreateStrategy(ctx, strategy.Strategy{VaultID: v.ID, Owner: "alice", Name: "momentum"}); !errors.Is(err, vault.ErrDuplicateStrategy) {
		t.Fatalf("duplicate: got %v, want ErrDuplicateStrategy", err)
	}

	st.TotalPnlBps = 42
	if _, err := s.UpdateStrategy(ctx, st); err != nil {
		t.Fatalf("update strategy: %v", err)
	}
	got, err := s.GetStrategy(ctx, v.ID, "alice", "momentum")
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if got.TotalPnlBps != 42 {
		t.Fatalf("pnl %d, want 42", got.TotalPnlBps)
	}

	// Condition slices are copied on read.
	got.EntryConditions[0].Value = 1
	again, err := s.GetStrategy(ctx, v.ID, "alice", "momentum")
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if again.EntryConditions[0].Value != 95 {
		t.Fatalf("condition mutation leaked into store")
	}

	if _, err := s.UpdateStrategy(ctx, strategy.Strategy{VaultID: v.ID, Owner: "bob", Name: "ghost"}); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("update missing: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetStrategy(ctx, v.ID, "bob", "ghost"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("get missing: got %v, want ErrNotFound", err)
	}
}
