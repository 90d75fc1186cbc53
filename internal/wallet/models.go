package wallet

import "time"

// Amounts everywhere in this package are fixed-point integers in micros:
// 1_000_000 micros == 1 currency unit. The micro is the ledger's minor unit.
// Floating point is never used for money math; per-second call rates are
// fractions of a cent, and float drift across thousands of billing ticks
// would silently over- or under-charge.

// Balance is the current spendable balance of one owner's wallet.
// Invariant: BalanceMicros == Σcredits − Σdebits over the ledger, and it
// is never negative. Both are enforced by the Store implementations: every
// balance change is written atomically with its LedgerEntry, and debits are
// conditional on sufficient funds.
type Balance struct {
	OwnerID       string    `json:"owner_id" db:"owner_id"`
	Currency      string    `json:"currency" db:"currency"`
	BalanceMicros int64     `json:"balance_micros" db:"balance_micros"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable append-only record of one balance change.
//
// Money invariant: any balance change MUST have a corresponding ledger entry,
// written in the same transaction.
type LedgerEntry struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Type LedgerEntryType `json:"type" db:"type"`

	// AmountMicros is signed: credits positive, debits negative.
	AmountMicros int64  `json:"amount_micros" db:"amount_micros"`
	Currency     string `json:"currency" db:"currency"`

	// Reason categorizes the entry: "call_tick", "topup", "adjustment", ...
	Reason string `json:"reason" db:"reason"`

	// SessionID links usage debits to the call session that charged them.
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit LedgerEntryType = "credit" // top-up, adjustment
	LedgerEntryTypeDebit  LedgerEntryType = "debit"  // per-second usage charge
)

// Common ledger reasons. Keep stable; they appear in durable rows.
const (
	ReasonCallTick = "call_tick"
	ReasonTopUp    = "topup"
)
