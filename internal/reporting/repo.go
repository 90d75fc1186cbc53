package reporting

import (
	"context"
	"time"

	"callmeter/internal/directory"
	"callmeter/internal/wallet"
)

// Sources adapts the call directory and the wallet ledger to the reporting
// Repository. Reporting reads the same stores the engine writes, so the
// summaries always agree with what was actually billed.
type Sources struct {
	Records directory.Repository
	Ledger  wallet.LedgerReader
}

func NewSources(records directory.Repository, ledger wallet.LedgerReader) *Sources {
	return &Sources{Records: records, Ledger: ledger}
}

func (s *Sources) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]directory.CallRecord, error) {
	return s.Records.ListByParticipant(ctx, userID, from, to)
}

func (s *Sources) ListLedger(ctx context.Context, ownerID string, from, to time.Time) ([]wallet.LedgerEntry, error) {
	return s.Ledger.LedgerEntries(ctx, ownerID, from, to)
}
