package gateway

import (
	"encoding/json"
	"time"
)

// Event is the wire envelope for everything the gateway relays. Exactly one
// of the typed sub-structs (or Payload for opaque signaling) is set,
// according to Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// From identifies the sending user for signaling events.
	From string `json:"from,omitempty"`

	// Payload is an opaque signaling body; the gateway relays it unmodified.
	Payload json.RawMessage `json:"payload,omitempty"`

	Ringing *RingingNotice `json:"ringing,omitempty"`
	Billing *BillingUpdate `json:"billing,omitempty"`
	Ended   *EndedNotice   `json:"ended,omitempty"`

	At time.Time `json:"at"`
}

type EventType string

const (
	EventTypeSignal        EventType = "signal"
	EventTypeRinging       EventType = "call:ringing"
	EventTypeBillingUpdate EventType = "billing:update"
	EventTypeEnded         EventType = "call:ended"
)

// RingingNotice invites the peer to a newly created session.
type RingingNotice struct {
	HostID              string `json:"host_id"`
	Kind                string `json:"kind"`
	RatePerSecondMicros int64  `json:"rate_per_second_micros"`
}

// BillingUpdate is per-tick telemetry. Display-only: the durable call
// record is the source of truth for final numbers.
type BillingUpdate struct {
	Seconds      int64 `json:"seconds"`
	ChargeMicros int64 `json:"charge_micros"`
}

// EndedNotice announces a terminal transition.
type EndedNotice struct {
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"duration_seconds"`
	ChargeMicros    int64  `json:"charge_micros"`
}

// NewSignal wraps an opaque signaling payload in the event envelope.
func NewSignal(sessionID, from string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      EventTypeSignal,
		SessionID: sessionID,
		From:      from,
		Payload:   body,
		At:        time.Now().UTC(),
	}, nil
}

// Channel naming. One channel per session plus one per user; a client joins
// its user channel at connect and the session channel per call.

func SessionChannel(sessionID string) string { return "call.session." + sessionID }

func UserChannel(userID string) string { return "call.user." + userID }
