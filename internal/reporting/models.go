package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one user,
// counting every call they participated in as host or peer.

type CallsSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string `json:"user_id"`

	TotalCalls   int `json:"total_calls"`
	EndedCalls   int `json:"ended_calls"`
	RingingCalls int `json:"ringing_calls"`
	ActiveCalls  int `json:"active_calls"`

	// Ended-call breakdown by reason.
	HangupCalls             int `json:"hangup_calls"`
	NoAnswerCalls           int `json:"no_answer_calls"`
	InsufficientFundsCalls  int `json:"insufficient_funds_calls"`
	BillingUnavailableCalls int `json:"billing_unavailable_calls"`
	EngineRestartCalls      int `json:"engine_restart_calls"`

	TotalBilledSeconds     int64 `json:"total_billed_seconds"`
	AverageDurationSeconds int64 `json:"average_duration_seconds"`

	// TotalChargeMicros sums charges across calls the user HOSTED; peers
	// are never billed.
	TotalChargeMicros int64 `json:"total_charge_micros"`
}

// SpendSummaryRequest requests aggregated wallet movement derived from the
// immutable ledger.

type SpendSummaryRequest struct {
	UserID   string    `json:"user_id"`
	Range    TimeRange `json:"range"`
	Currency string    `json:"currency,omitempty"`
}

type SpendSummary struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`

	TotalDebitMicros  int64 `json:"total_debit_micros"`
	TotalCreditMicros int64 `json:"total_credit_micros"`
	NetDeltaMicros    int64 `json:"net_delta_micros"`

	// UsageDebitMicros is the subset of debits charged by call ticks.
	UsageDebitMicros int64 `json:"usage_debit_micros"`
	TopUpMicros      int64 `json:"topup_micros"`
}
