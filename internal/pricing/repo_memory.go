package pricing

import (
	"context"
	"time"
)

// MemoryRepo is a simple in-memory rate repository, seeded from config at
// startup and used directly in tests.
//
// NOTE: Replace with a Postgres implementation once rates become
// operator-editable at runtime.
type MemoryRepo struct {
	Rates []Rate
}

func (r *MemoryRepo) FindRate(ctx context.Context, kind string, at time.Time) (Rate, bool, error) {
	_ = ctx

	// Prefer the most recently effective row.
	var best Rate
	found := false

	for _, p := range r.Rates {
		if p.Kind != kind {
			continue
		}
		if p.Status != RateStatusActive {
			continue
		}
		if at.Before(p.EffectiveFrom) {
			continue
		}
		if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
			continue
		}

		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}

	return best, found, nil
}
