package reporting

import (
	"context"
	"errors"
	"time"

	"callmeter/internal/directory"
	"callmeter/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// Implementations should query immutable sources: the call directory and the
// wallet ledger. Reporting never mutates state.

type Repository interface {
	ListCalls(ctx context.Context, userID string, from, to time.Time) ([]directory.CallRecord, error)
	ListLedger(ctx context.Context, ownerID string, from, to time.Time) ([]wallet.LedgerEntry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID}
	for _, rec := range rows {
		out.TotalCalls++
		out.TotalBilledSeconds += rec.DurationSeconds
		if rec.HostID == req.UserID {
			out.TotalChargeMicros += rec.TotalChargeMicros
		}
		switch rec.Status {
		case directory.CallStatusRinging:
			out.RingingCalls++
		case directory.CallStatusActive:
			out.ActiveCalls++
		case directory.CallStatusEnded:
			out.EndedCalls++
			switch rec.EndReason {
			case directory.EndReasonHangup:
				out.HangupCalls++
			case directory.EndReasonNoAnswer:
				out.NoAnswerCalls++
			case directory.EndReasonInsufficientFunds:
				out.InsufficientFundsCalls++
			case directory.EndReasonBillingUnavailable:
				out.BillingUnavailableCalls++
			case directory.EndReasonEngineRestart:
				out.EngineRestartCalls++
			}
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalBilledSeconds / int64(out.TotalCalls)
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.UserID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	entries, err := s.repo.ListLedger(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{UserID: req.UserID, Currency: req.Currency}
	for _, e := range entries {
		// Currency normalization: if the request specified a currency, filter;
		// else populate from the first row.
		if out.Currency == "" {
			out.Currency = e.Currency
		}
		if req.Currency != "" && e.Currency != req.Currency {
			continue
		}

		if e.AmountMicros > 0 {
			out.TotalCreditMicros += e.AmountMicros
		} else {
			out.TotalDebitMicros += -e.AmountMicros
		}

		switch e.Reason {
		case wallet.ReasonCallTick:
			if e.AmountMicros < 0 {
				out.UsageDebitMicros += -e.AmountMicros
			}
		case wallet.ReasonTopUp:
			out.TopUpMicros += e.AmountMicros
		}
	}
	out.NetDeltaMicros = out.TotalCreditMicros - out.TotalDebitMicros
	if out.Currency == "" {
		out.Currency = "UNKNOWN"
	}
	return out, nil
}
