package vault

import "errors"

// Sentinel errors for the ledger operation contracts. Callers classify
// failures with errors.Is; every failure leaves vault state unchanged.
var (
	// ErrInvalidAmount rejects non-positive or overflow-inducing amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds rejects withdrawals exceeding the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound indicates no record exists for the given identity.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller lacks the required authority.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVaultPaused blocks balance-mutating operations while paused.
	ErrVaultPaused = errors.New("vault paused")

	// ErrDuplicateStrategy rejects a second strategy with the same
	// (owner, name) on one vault.
	ErrDuplicateStrategy = errors.New("duplicate strategy")

	// ErrInvalidConfig rejects out-of-range or incomplete strategy
	// configuration.
	ErrInvalidConfig = errors.New("invalid strategy config")

	// ErrStrategyInactive rejects execution of a closed strategy.
	ErrStrategyInactive = errors.New("strategy inactive")

	// ErrInvariantViolation signals that the accounting model itself is
	// inconsistent. It is fatal for the affected vault: no further
	// mutations are accepted once raised.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)
