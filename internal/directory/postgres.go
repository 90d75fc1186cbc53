package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following table exists:
// - call_records (session_id PK, host_id, peer_id, kind, status,
//   rate_per_second_micros, currency, duration_seconds, total_charge_micros,
//   end_reason, started_at, last_tick_at, ended_at, created_at, updated_at)
//
// An index on (status) serves ListOpen; (host_id, created_at) and
// (peer_id, created_at) serve ListByParticipant.

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const recordColumns = `
session_id, host_id, peer_id, kind, status, rate_per_second_micros, currency,
duration_seconds, total_charge_micros, end_reason, started_at, last_tick_at,
ended_at, created_at, updated_at`

func (r *PostgresRepo) Insert(ctx context.Context, rec CallRecord) error {
	if rec.SessionID == "" || rec.HostID == "" || rec.PeerID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO call_records (
  session_id, host_id, peer_id, kind, status, rate_per_second_micros, currency,
  duration_seconds, total_charge_micros, end_reason, started_at, last_tick_at,
  ended_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID,
		rec.HostID,
		rec.PeerID,
		rec.Kind,
		rec.Status,
		rec.RatePerSecondMicros,
		rec.Currency,
		rec.DurationSeconds,
		rec.TotalChargeMicros,
		rec.EndReason,
		rec.StartedAt,
		rec.LastTickAt,
		rec.EndedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, rec CallRecord) error {
	if rec.SessionID == "" {
		return ErrInvalidArgument
	}
	const q = `
UPDATE call_records
SET status = $2, duration_seconds = $3, total_charge_micros = $4,
    end_reason = $5, started_at = $6, last_tick_at = $7, ended_at = $8,
    updated_at = $9
WHERE session_id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		rec.SessionID,
		rec.Status,
		rec.DurationSeconds,
		rec.TotalChargeMicros,
		rec.EndReason,
		rec.StartedAt,
		rec.LastTickAt,
		rec.EndedAt,
		r.clock().UTC(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresRepo) RecordTick(ctx context.Context, sessionID string, durationSeconds, totalChargeMicros int64, lastTickAt time.Time) error {
	if sessionID == "" {
		return ErrInvalidArgument
	}
	const q = `
UPDATE call_records
SET duration_seconds = $2, total_charge_micros = $3, last_tick_at = $4, updated_at = $5
WHERE session_id = $1 AND status = 'active'
`
	res, err := r.db.ExecContext(ctx, q, sessionID, durationSeconds, totalChargeMicros, lastTickAt, r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, sessionID string) (CallRecord, error) {
	if sessionID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE session_id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *PostgresRepo) ListOpen(ctx context.Context) ([]CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE status IN ('ringing','active') ORDER BY created_at`
	return r.queryRecords(ctx, q)
}

func (r *PostgresRepo) ListByParticipant(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	q := `SELECT ` + recordColumns + `
FROM call_records
WHERE (host_id = $1 OR peer_id = $1) AND created_at >= $2 AND created_at < $3
ORDER BY created_at`
	return r.queryRecords(ctx, q, userID, from, to)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	err := row.Scan(
		&rec.SessionID,
		&rec.HostID,
		&rec.PeerID,
		&rec.Kind,
		&rec.Status,
		&rec.RatePerSecondMicros,
		&rec.Currency,
		&rec.DurationSeconds,
		&rec.TotalChargeMicros,
		&rec.EndReason,
		&rec.StartedAt,
		&rec.LastTickAt,
		&rec.EndedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

func (r *PostgresRepo) queryRecords(ctx context.Context, q string, args ...any) ([]CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
