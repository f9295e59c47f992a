// Package ledger is the core: top-up, reserve, commit, cancel, and
// balance-read operations over Balance, BalanceReserve, and Transaction
// rows, enforcing the invariants and idempotency protocol of the wallet.
// Grounded in original_source/src/database/mutations.rs, translated per
// other_examples/de12b1fb_constb-tt-golang__internal-database-mutate.go.go.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one row per user; currency is fixed at creation.
type Balance struct {
	UserID       string
	Currency     string
	CurrentValue decimal.Decimal
}

// BalanceReserve is an active hold on funds for a pending order.
type BalanceReserve struct {
	OrderID           string
	UserID            string
	ItemID            string
	Currency          string
	Value             decimal.Decimal
	UserCurrencyValue decimal.Decimal
	CreatedAt         time.Time
}

// UserBalance is the read-only projection returned by LoadBalance: the
// spendable balance net of active reservations.
type UserBalance struct {
	UserID      string
	Currency    string
	Value       decimal.Decimal
	Reserved    decimal.Decimal
	IsOverdraft bool
}
