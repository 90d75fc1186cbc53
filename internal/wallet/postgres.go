package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callmeter/pkg/utils"

	"github.com/google/uuid"
)

// NOTE: This store assumes the following tables exist:
// - wallet_balances (owner_id PK, currency, balance_micros, updated_at)
// - wallet_ledger (immutable append-only; id PK, owner_id, type, amount_micros,
//   currency, reason, session_id, created_at)
//
// A CHECK (balance_micros >= 0) constraint on wallet_balances is recommended
// as a second line of defense; the conditional UPDATE below is the first.

// PostgresStore implements Store on Postgres via database/sql (pgx stdlib).
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// Debit performs the atomic check-and-subtract in a single conditional UPDATE.
// The WHERE clause carries the sufficiency check, so concurrent debits and
// credits for one owner serialize on the row without a read-then-write window.
func (s *PostgresStore) Debit(ctx context.Context, ownerID string, amountMicros int64, reason, sessionID string) (Balance, error) {
	if err := validateAmount(ownerID, amountMicros); err != nil {
		return Balance{}, err
	}
	if reason == "" {
		return Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var out Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
UPDATE wallet_balances
SET balance_micros = balance_micros - $2, updated_at = $3
WHERE owner_id = $1 AND balance_micros >= $2
RETURNING owner_id, currency, balance_micros, updated_at
`
		err := tx.QueryRowContext(ctx, q, ownerID, amountMicros, now).Scan(
			&out.OwnerID,
			&out.Currency,
			&out.BalanceMicros,
			&out.UpdatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing wallet from an underfunded one.
			var exists bool
			const probe = `SELECT EXISTS (SELECT 1 FROM wallet_balances WHERE owner_id = $1)`
			if perr := tx.QueryRowContext(ctx, probe, ownerID).Scan(&exists); perr != nil {
				return perr
			}
			if !exists {
				return ErrWalletNotFound
			}
			return ErrInsufficientFunds
		}
		if err != nil {
			return err
		}

		return insertLedger(ctx, tx, LedgerEntry{
			ID:           uuid.NewString(),
			OwnerID:      ownerID,
			Type:         LedgerEntryTypeDebit,
			AmountMicros: -amountMicros,
			Currency:     out.Currency,
			Reason:       reason,
			SessionID:    sessionID,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return Balance{}, err
	}
	return out, nil
}

func (s *PostgresStore) Credit(ctx context.Context, ownerID string, amountMicros int64, currency, reason string) (Balance, error) {
	if err := validateAmount(ownerID, amountMicros); err != nil {
		return Balance{}, err
	}
	if currency == "" || reason == "" {
		return Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var out Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Upsert keeps the stored currency stable; the first credit fixes it.
		const q = `
INSERT INTO wallet_balances (owner_id, currency, balance_micros, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (owner_id)
DO UPDATE SET balance_micros = wallet_balances.balance_micros + EXCLUDED.balance_micros,
              updated_at = EXCLUDED.updated_at
RETURNING owner_id, currency, balance_micros, updated_at
`
		if err := tx.QueryRowContext(ctx, q, ownerID, currency, amountMicros, now).Scan(
			&out.OwnerID,
			&out.Currency,
			&out.BalanceMicros,
			&out.UpdatedAt,
		); err != nil {
			return err
		}
		if out.Currency != currency {
			return ErrInvalidArgument
		}

		return insertLedger(ctx, tx, LedgerEntry{
			ID:           uuid.NewString(),
			OwnerID:      ownerID,
			Type:         LedgerEntryTypeCredit,
			AmountMicros: amountMicros,
			Currency:     out.Currency,
			Reason:       reason,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return Balance{}, err
	}
	return out, nil
}

func (s *PostgresStore) Balance(ctx context.Context, ownerID string) (Balance, error) {
	if ownerID == "" {
		return Balance{}, ErrInvalidArgument
	}
	const q = `
SELECT owner_id, currency, balance_micros, updated_at
FROM wallet_balances
WHERE owner_id = $1
`
	var b Balance
	if err := s.db.QueryRowContext(ctx, q, ownerID).Scan(
		&b.OwnerID,
		&b.Currency,
		&b.BalanceMicros,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrWalletNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, ownerID string, from, to time.Time) ([]LedgerEntry, error) {
	if ownerID == "" {
		return nil, ErrInvalidArgument
	}
	const q = `
SELECT id, owner_id, type, amount_micros, currency, reason, session_id, created_at
FROM wallet_ledger
WHERE owner_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.ID,
			&e.OwnerID,
			&e.Type,
			&e.AmountMicros,
			&e.Currency,
			&e.Reason,
			&e.SessionID,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertLedger(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO wallet_ledger (
  id, owner_id, type, amount_micros, currency, reason, session_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.OwnerID,
		e.Type,
		e.AmountMicros,
		e.Currency,
		e.Reason,
		e.SessionID,
		e.CreatedAt,
	)
	return err
}
