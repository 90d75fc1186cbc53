package pricing

import "time"

// Rate is one per-second billing rate for a call kind.
// PerSecondMicros is a fixed-point amount (1_000_000 micros = 1 currency
// unit), so sub-cent rates like 0.0035/s are exact: 3500 micros.
type Rate struct {
	ID   string `json:"id" db:"id"`
	Kind string `json:"kind" db:"kind"` // "voice" | "video"

	Currency        string `json:"currency" db:"currency"`
	PerSecondMicros int64  `json:"per_second_micros" db:"per_second_micros"`

	Status RateStatus `json:"status" db:"status"`

	// EffectiveFrom/EffectiveTo bound when this row applies.
	// EffectiveTo == nil means open-ended.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`
}

type RateStatus string

const (
	RateStatusActive   RateStatus = "active"
	RateStatusDisabled RateStatus = "disabled"
)
