package strategy

import "time"

// Condition is an opaque entry or exit predicate. The ledger stores and
// orders conditions; evaluating them against market data is the trading
// collaborator's job.
type Condition struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// Config carries the caller-supplied parameters for a new strategy.
type Config struct {
	Name            string
	BaseToken       string
	QuoteToken      string
	PositionSizeBps uint32
	YieldTargetBps  uint32
	EntryConditions []Condition
	ExitConditions  []Condition
}

// Strategy is a named, owner-scoped automated-trading record attached to a
// strategy-variant vault. (Owner, Name) is unique per vault.
type Strategy struct {
	ID              string
	VaultID         string
	Owner           string
	Name            string
	BaseToken       string
	QuoteToken      string
	PositionSizeBps uint32
	YieldTargetBps  uint32
	EntryConditions []Condition
	ExitConditions  []Condition

	Active bool

	// TotalPnlBps accumulates signed execution outcomes in basis points.
	TotalPnlBps   int64
	Executions    uint64
	LastExecution time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution records a single strategy run.
type Execution struct {
	StrategyID  string
	VaultID     string
	Owner       string
	Name        string
	PnlDeltaBps int64
	TotalPnlBps int64
	Sequence    uint64
	ExecutedAt  time.Time
}
