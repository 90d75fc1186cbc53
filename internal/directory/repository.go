package directory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound  = errors.New("call record not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Repository is the persistence contract for the call directory.
//
// Write ordering contract (enforced by the session engine, relied upon by
// clients): a transition is written here before it is broadcast on the
// gateway. Implementations must make each write atomic.
type Repository interface {
	Insert(ctx context.Context, rec CallRecord) error

	// Update overwrites the mutable fields of an existing record.
	Update(ctx context.Context, rec CallRecord) error

	// RecordTick persists per-tick billing progress. It is called once per
	// successful tick; LastTickAt drives restart recovery.
	RecordTick(ctx context.Context, sessionID string, durationSeconds, totalChargeMicros int64, lastTickAt time.Time) error

	Get(ctx context.Context, sessionID string) (CallRecord, error)

	// ListOpen returns records whose status is ringing or active, i.e. calls
	// a crashed engine may still owe work for.
	ListOpen(ctx context.Context) ([]CallRecord, error)

	// ListByParticipant returns records where userID is host or peer, with
	// created_at in [from, to). Used by reporting.
	ListByParticipant(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error)
}
