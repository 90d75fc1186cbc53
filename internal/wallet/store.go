package wallet

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Store is the persistence contract for wallet money operations.
//
// Contract:
//   - Debit is an atomic check-and-subtract: it either debits the full amount
//     and appends a debit LedgerEntry in one transaction, or changes nothing.
//     It never performs a read-then-write balance update.
//   - Credit atomically adds funds, creating the wallet row if absent, and
//     appends a credit LedgerEntry in the same transaction.
//   - A successful Debit/Credit returns the post-operation balance.
//
// The billing scheduler calls Debit once per tick; correctness of "charges
// never exceed balance" rests entirely on this contract.
type Store interface {
	// Debit fails with ErrInsufficientFunds when the balance is below
	// amountMicros, and ErrWalletNotFound when no wallet row exists.
	Debit(ctx context.Context, ownerID string, amountMicros int64, reason, sessionID string) (Balance, error)

	// Credit upserts the wallet and adds amountMicros.
	Credit(ctx context.Context, ownerID string, amountMicros int64, currency, reason string) (Balance, error)

	Balance(ctx context.Context, ownerID string) (Balance, error)
}

// LedgerReader exposes the immutable ledger for reporting.
// Both Store implementations also implement this.
type LedgerReader interface {
	LedgerEntries(ctx context.Context, ownerID string, from, to time.Time) ([]LedgerEntry, error)
}

func validateAmount(ownerID string, amountMicros int64) error {
	if ownerID == "" {
		return ErrInvalidArgument
	}
	if amountMicros <= 0 {
		return ErrInvalidArgument
	}
	return nil
}
