package vault

import "time"

// Variant selects the feature set of a vault.
type Variant string

const (
	// VariantBasic tracks deposits and yield only.
	VariantBasic Variant = "basic"
	// VariantStrategy additionally carries attached trading strategies.
	VariantStrategy Variant = "strategy"
)

// Vault is the pooled-funds account. TotalDeposits always equals the sum of
// every deposit amount for the vault, and TotalUsers the number of deposit
// records with a positive amount.
type Vault struct {
	ID            string
	Authority     string
	Variant       Variant
	TotalDeposits uint64
	TotalUsers    uint64
	Paused        bool
	YieldRateBps  uint32

	// Strategy variant only.
	LastYieldCalculation time.Time
	ActiveStrategies     uint32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SupportsStrategies reports whether strategy records may attach to the vault.
func (v Vault) SupportsStrategies() bool {
	return v.Variant == VariantStrategy
}

// Deposit is the per-(vault, owner) balance record. It is created lazily on
// first deposit and zeroed, not deleted, when fully withdrawn.
type Deposit struct {
	VaultID     string
	Owner       string
	Amount      uint64
	YieldEarned uint64

	// YieldAccruedAt marks the point up to which accrued yield has been
	// folded into YieldEarned.
	YieldAccruedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the record counts toward TotalUsers.
func (d Deposit) Active() bool {
	return d.Amount > 0
}

// Sweep is the result of an emergency withdrawal.
type Sweep struct {
	VaultID     string
	Destination string
	Amount      uint64
	SweptAt     time.Time
}
