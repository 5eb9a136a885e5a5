// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/defiledger/vault_layer/internal/app/domain/strategy"
	"github.com/defiledger/vault_layer/internal/app/domain/vault"
	"github.com/defiledger/vault_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Amounts are
// stored as BIGINT; the ledger stays well inside int64 range because vault
// totals are capped by the chain's currency supply.
type Store struct {
	db *sql.DB
}

var _ storage.VaultStore = (*Store)(nil)
var _ storage.StrategyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// --- VaultStore -------------------------------------------------------------

func (s *Store) CreateVault(ctx context.Context, v vault.Vault) (vault.Vault, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vaults (id, authority, variant, total_deposits, total_users, paused,
			yield_rate_bps, last_yield_calculation, active_strategies, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, v.ID, v.Authority, string(v.Variant), int64(v.TotalDeposits), int64(v.TotalUsers), v.Paused,
		v.YieldRateBps, nullTime(v.LastYieldCalculation), v.ActiveStrategies, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return vault.Vault{}, fmt.Errorf("vault %s already exists", v.ID)
		}
		return vault.Vault{}, err
	}
	return v, nil
}

func (s *Store) GetVault(ctx context.Context, id string) (vault.Vault, error) {
	return scanVault(s.db.QueryRowContext(ctx, `
		SELECT id, authority, variant, total_deposits, total_users, paused,
			yield_rate_bps, last_yield_calculation, active_strategies, created_at, updated_at
		FROM vaults
		WHERE id = $1
	`, id))
}

func (s *Store) ListVaults(ctx context.Context) ([]vault.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, authority, variant, total_deposits, total_users, paused,
			yield_rate_bps, last_yield_calculation, active_strategies, created_at, updated_at
		FROM vaults
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []vault.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *Store) GetDeposit(ctx context.Context, vaultID, owner string) (vault.Deposit, error) {
	return scanDeposit(s.db.QueryRowContext(ctx, `
		SELECT vault_id, owner, amount, yield_earned, yield_accrued_at, created_at, updated_at
		FROM vault_deposits
		WHERE vault_id = $1 AND owner = $2
	`, vaultID, owner))
}

func (s *Store) ListDeposits(ctx context.Context, vaultID string) ([]vault.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, owner, amount, yield_earned, yield_accrued_at, created_at, updated_at
		FROM vault_deposits
		WHERE vault_id = $1
		ORDER BY owner
	`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []vault.Deposit
	for rows.Next() {
		dep, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, dep)
	}
	return result, rows.Err()
}

func (s *Store) SaveLedger(ctx context.Context, v vault.Vault, deposits ...vault.Deposit) (vault.Vault, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.Vault{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	v.UpdatedAt = now

	result, err := tx.ExecContext(ctx, `
		UPDATE vaults
		SET authority = $2, variant = $3, total_deposits = $4, total_users = $5,
			paused = $6, yield_rate_bps = $7, last_yield_calculation = $8,
			active_strategies = $9, updated_at = $10
		WHERE id = $1
	`, v.ID, v.Authority, string(v.Variant), int64(v.TotalDeposits), int64(v.TotalUsers),
		v.Paused, v.YieldRateBps, nullTime(v.LastYieldCalculation), v.ActiveStrategies, v.UpdatedAt)
	if err != nil {
		return vault.Vault{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return vault.Vault{}, fmt.Errorf("vault %s: %w", v.ID, vault.ErrNotFound)
	}

	for _, dep := range deposits {
		if dep.VaultID != v.ID {
			return vault.Vault{}, fmt.Errorf("deposit for vault %s in commit for vault %s", dep.VaultID, v.ID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_deposits (vault_id, owner, amount, yield_earned, yield_accrued_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (vault_id, owner) DO UPDATE
			SET amount = EXCLUDED.amount,
				yield_earned = EXCLUDED.yield_earned,
				yield_accrued_at = EXCLUDED.yield_accrued_at,
				updated_at = EXCLUDED.updated_at
		`, dep.VaultID, dep.Owner, int64(dep.Amount), int64(dep.YieldEarned), dep.YieldAccruedAt.UTC(), now); err != nil {
			return vault.Vault{}, err
		}
	}

	// Re-check the ledger invariants inside the transaction before commit.
	var sum, users int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FILTER (WHERE amount > 0)
		FROM vault_deposits
		WHERE vault_id = $1
	`, v.ID).Scan(&sum, &users); err != nil {
		return vault.Vault{}, err
	}
	if uint64(sum) != v.TotalDeposits || uint64(users) != v.TotalUsers {
		return vault.Vault{}, fmt.Errorf(
			"vault %s: totals (%d, %d) disagree with records (%d, %d): %w",
			v.ID, v.TotalDeposits, v.TotalUsers, sum, users, vault.ErrInvariantViolation)
	}

	if err := tx.Commit(); err != nil {
		return vault.Vault{}, err
	}
	return v, nil
}

// --- StrategyStore ----------------------------------------------------------

func (s *Store) CreateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	entryJSON, err := json.Marshal(conditionsOrEmpty(st.EntryConditions))
	if err != nil {
		return strategy.Strategy{}, err
	}
	exitJSON, err := json.Marshal(conditionsOrEmpty(st.ExitConditions))
	if err != nil {
		return strategy.Strategy{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vault_strategies (id, vault_id, owner, name, base_token, quote_token,
			position_size_bps, yield_target_bps, entry_conditions, exit_conditions,
			active, total_pnl_bps, executions, last_execution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, st.ID, st.VaultID, st.Owner, st.Name, st.BaseToken, st.QuoteToken,
		st.PositionSizeBps, st.YieldTargetBps, entryJSON, exitJSON,
		st.Active, st.TotalPnlBps, int64(st.Executions), nullTime(st.LastExecution), st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return strategy.Strategy{}, fmt.Errorf("strategy %s/%s in vault %s: %w", st.Owner, st.Name, st.VaultID, vault.ErrDuplicateStrategy)
		}
		return strategy.Strategy{}, err
	}
	return st, nil
}

func (s *Store) UpdateStrategy(ctx context.Context, st strategy.Strategy) (strategy.Strategy, error) {
	st.UpdatedAt = time.Now().UTC()

	entryJSON, err := json.Marshal(conditionsOrEmpty(st.EntryConditions))
	if err != nil {
		return strategy.Strategy{}, err
	}
	exitJSON, err := json.Marshal(conditionsOrEmpty(st.ExitConditions))
	if err != nil {
		return strategy.Strategy{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE vault_strategies
		SET base_token = $4, quote_token = $5, position_size_bps = $6, yield_target_bps = $7,
			entry_conditions = $8, exit_conditions = $9, active = $10,
			total_pnl_bps = $11, executions = $12, last_execution = $13, updated_at = $14
		WHERE vault_id = $1 AND owner = $2 AND name = $3
	`, st.VaultID, st.Owner, st.Name, st.BaseToken, st.QuoteToken, st.PositionSizeBps, st.YieldTargetBps,
		entryJSON, exitJSON, st.Active, st.TotalPnlBps, int64(st.Executions), nullTime(st.LastExecution), st.UpdatedAt)
	if err != nil {
		return strategy.Strategy{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return strategy.Strategy{}, fmt.Errorf("strategy %s/%s in vault %s: %w", st.Owner, st.Name, st.VaultID, vault.ErrNotFound)
	}
	return st, nil
}

func (s *Store) GetStrategy(ctx context.Context, vaultID, owner, name string) (strategy.Strategy, error) {
	st, err := scanStrategy(s.db.QueryRowContext(ctx, `
		SELECT id, vault_id, owner, name, base_token, quote_token,
			position_size_bps, yield_target_bps, entry_conditions, exit_conditions,
			active, total_pnl_bps, executions, last_execution, created_at, updated_at
		FROM vault_strategies
		WHERE vault_id = $1 AND owner = $2 AND name = $3
	`, vaultID, owner, name))
	if errors.Is(err, sql.ErrNoRows) {
		return strategy.Strategy{}, fmt.Errorf("strategy %s/%s in vault %s: %w", owner, name, vaultID, vault.ErrNotFound)
	}
	return st, err
}

func (s *Store) ListStrategies(ctx context.Context, vaultID, owner string) ([]strategy.Strategy, error) {
	query := `
		SELECT id, vault_id, owner, name, base_token, quote_token,
			position_size_bps, yield_target_bps, entry_conditions, exit_conditions,
			active, total_pnl_bps, executions, last_execution, created_at, updated_at
		FROM vault_strategies
		WHERE vault_id = $1`
	args := []interface{}{vaultID}
	if owner != "" {
		query += ` AND owner = $2`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []strategy.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// --- scanning helpers -------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVault(row rowScanner) (vault.Vault, error) {
	var (
		v             vault.Vault
		variant       string
		totalDeposits int64
		totalUsers    int64
		lastYield     sql.NullTime
	)
	err := row.Scan(&v.ID, &v.Authority, &variant, &totalDeposits, &totalUsers, &v.Paused,
		&v.YieldRateBps, &lastYield, &v.ActiveStrategies, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Vault{}, fmt.Errorf("vault: %w", vault.ErrNotFound)
	}
	if err != nil {
		return vault.Vault{}, err
	}
	v.Variant = vault.Variant(variant)
	v.TotalDeposits = uint64(totalDeposits)
	v.TotalUsers = uint64(totalUsers)
	if lastYield.Valid {
		v.LastYieldCalculation = lastYield.Time
	}
	return v, nil
}

func scanDeposit(row rowScanner) (vault.Deposit, error) {
	var (
		dep         vault.Deposit
		amount      int64
		yieldEarned int64
	)
	err := row.Scan(&dep.VaultID, &dep.Owner, &amount, &yieldEarned, &dep.YieldAccruedAt, &dep.CreatedAt, &dep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Deposit{}, fmt.Errorf("deposit: %w", vault.ErrNotFound)
	}
	if err != nil {
		return vault.Deposit{}, err
	}
	dep.Amount = uint64(amount)
	dep.YieldEarned = uint64(yieldEarned)
	return dep, nil
}

func scanStrategy(row rowScanner) (strategy.Strategy, error) {
	var (
		st            strategy.Strategy
		entryRaw      []byte
		exitRaw       []byte
		executions    int64
		lastExecution sql.NullTime
	)
	err := row.Scan(&st.ID, &st.VaultID, &st.Owner, &st.Name, &st.BaseToken, &st.QuoteToken,
		&st.PositionSizeBps, &st.YieldTargetBps, &entryRaw, &exitRaw,
		&st.Active, &st.TotalPnlBps, &executions, &lastExecution, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return strategy.Strategy{}, err
	}
	st.Executions = uint64(executions)
	if lastExecution.Valid {
		st.LastExecution = lastExecution.Time
	}
	if len(entryRaw) > 0 {
		if err := json.Unmarshal(entryRaw, &st.EntryConditions); err != nil {
			return strategy.Strategy{}, fmt.Errorf("decode entry conditions: %w", err)
		}
	}
	if len(exitRaw) > 0 {
		if err := json.Unmarshal(exitRaw, &st.ExitConditions); err != nil {
			return strategy.Strategy{}, fmt.Errorf("decode exit conditions: %w", err)
		}
	}
	return st, nil
}

func conditionsOrEmpty(conditions []strategy.Condition) []strategy.Condition {
	if conditions == nil {
		return []strategy.Condition{}
	}
	return conditions
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
