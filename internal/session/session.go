package session

import (
	"context"
	"sync"
	"time"

	"callmeter/internal/directory"
)

// State is the in-memory lifecycle state of a call session.
// Transitions: ringing → active → ended, or ringing → ended (unbilled).
type State string

const (
	StateRinging State = "ringing"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// Session is one live call between a billed host and a peer. It is
// memory-resident; the durable mirror is directory.CallRecord.
//
// Locking: mu guards every mutable field. The billing tick holds mu for the
// whole debit-accumulate-persist sequence, so termination (which takes the
// same lock) can never interleave with a charge: after End returns, no tick
// debits. The session owns its own timer handles; external callers request
// termination only through the engine's state machine.
type Session struct {
	ID     string
	HostID string
	PeerID string
	Kind   directory.CallKind

	RatePerSecondMicros int64
	Currency            string

	mu        sync.Mutex
	state     State
	startedAt time.Time

	// Accumulated billing state. Invariant while active:
	// accumulatedChargeMicros == accumulatedSeconds × RatePerSecondMicros,
	// monotonically non-decreasing. Final numbers are always computed from
	// these fields, never re-derived from the wall clock.
	accumulatedSeconds      int64
	accumulatedChargeMicros int64
	lastTickAt              time.Time

	// failedTicks counts consecutive skipped ticks due to transient store
	// failures; reset on any successful debit.
	failedTicks int

	ringTimer   *time.Timer
	cancelTicks context.CancelFunc

	// capHeld records whether admission took a cap slot for this session;
	// only then does termination release one. Releases without a matching
	// acquire would free slots other calls hold.
	capHeld bool

	// final memoizes the terminal result so End is idempotent.
	final *EndResult

	createdAt time.Time
}

// recordLocked projects the session onto its durable mirror.
// Caller must hold s.mu.
func (s *Session) recordLocked() directory.CallRecord {
	rec := directory.CallRecord{
		SessionID:           s.ID,
		HostID:              s.HostID,
		PeerID:              s.PeerID,
		Kind:                s.Kind,
		RatePerSecondMicros: s.RatePerSecondMicros,
		Currency:            s.Currency,
		DurationSeconds:     s.accumulatedSeconds,
		TotalChargeMicros:   s.accumulatedChargeMicros,
		CreatedAt:           s.createdAt,
		UpdatedAt:           s.createdAt,
	}
	switch s.state {
	case StateRinging:
		rec.Status = directory.CallStatusRinging
	case StateActive:
		rec.Status = directory.CallStatusActive
	case StateEnded:
		rec.Status = directory.CallStatusEnded
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		rec.StartedAt = &t
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		rec.LastTickAt = &t
	}
	return rec
}

// Registry is the process-local table of live sessions. A session is present
// iff its durable record is ringing or active. Cancellation guarantees are
// local to this process; horizontally scaled deployments must pin a session
// to one engine instance for its lifetime (sticky routing by session id).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
