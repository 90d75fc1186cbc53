package pricing

import (
	"context"
	"errors"
	"time"
)

// RateRepository is the lookup contract for per-second rates.
type RateRepository interface {
	FindRate(ctx context.Context, kind string, at time.Time) (Rate, bool, error)
}

// Service resolves the effective per-second rate for a call kind.
//
// Contract:
// - Pure lookup; no provider SDK calls, no money movement.
// - Voice and video share one code path; only the resolved rate differs.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrRateNotFound   = errors.New("pricing: rate not found")
	ErrInvalidRateReq = errors.New("pricing: invalid request")
)

// ResolveRate returns the rate effective now for the given kind.
func (s *Service) ResolveRate(ctx context.Context, kind string) (Rate, error) {
	if kind == "" {
		return Rate{}, ErrInvalidRateReq
	}
	if s.repo == nil {
		return Rate{}, errors.New("pricing: repository not configured")
	}

	r, ok, err := s.repo.FindRate(ctx, kind, s.clock().UTC())
	if err != nil {
		return Rate{}, err
	}
	if !ok {
		return Rate{}, ErrRateNotFound
	}
	if r.PerSecondMicros <= 0 {
		// A zero or negative rate would make calls free or credit the host.
		return Rate{}, ErrRateNotFound
	}
	return r, nil
}
