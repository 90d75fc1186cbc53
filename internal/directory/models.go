package directory

import "time"

// CallRecord is the durable mirror of one call session. It is updated on
// every state transition (and on every billing tick for crash recovery),
// always before the corresponding realtime broadcast, so a client reading
// it never observes engine state more advanced than the record. Clients
// treat this record, not gateway pushes or local timers, as the source
// of truth for a call's final duration and charge.
type CallRecord struct {
	SessionID string `json:"session_id" db:"session_id"`
	HostID    string `json:"host_id" db:"host_id"`
	PeerID    string `json:"peer_id" db:"peer_id"`

	Kind   CallKind   `json:"kind" db:"kind"`
	Status CallStatus `json:"status" db:"status"`

	RatePerSecondMicros int64  `json:"rate_per_second_micros" db:"rate_per_second_micros"`
	Currency            string `json:"currency" db:"currency"`

	DurationSeconds   int64 `json:"duration_seconds" db:"duration_seconds"`
	TotalChargeMicros int64 `json:"total_charge_micros" db:"total_charge_micros"`

	// EndReason is set once Status is ended: "hangup", "insufficient_funds",
	// "billing_unavailable", "no_answer", "engine_restart".
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty" db:"last_tick_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// End reasons. "hangup" is user-initiated; the rest are system-initiated
// force-ends. Keep stable; they appear in durable rows and client payloads.
const (
	EndReasonHangup             = "hangup"
	EndReasonInsufficientFunds  = "insufficient_funds"
	EndReasonBillingUnavailable = "billing_unavailable"
	EndReasonNoAnswer           = "no_answer"
	EndReasonEngineRestart      = "engine_restart"
)

// IsParticipant reports whether userID is one of the two call endpoints.
func (r CallRecord) IsParticipant(userID string) bool {
	return userID != "" && (userID == r.HostID || userID == r.PeerID)
}
