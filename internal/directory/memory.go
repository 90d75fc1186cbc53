package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo implements Repository in memory for tests and local development.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[string]CallRecord
	clock   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records: make(map[string]CallRecord),
		clock:   time.Now,
	}
}

func (r *MemoryRepo) Insert(ctx context.Context, rec CallRecord) error {
	_ = ctx
	if rec.SessionID == "" || rec.HostID == "" || rec.PeerID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.SessionID] = rec
	return nil
}

func (r *MemoryRepo) Update(ctx context.Context, rec CallRecord) error {
	_ = ctx
	if rec.SessionID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.SessionID]
	if !ok {
		return ErrRecordNotFound
	}
	cur.Status = rec.Status
	cur.DurationSeconds = rec.DurationSeconds
	cur.TotalChargeMicros = rec.TotalChargeMicros
	cur.EndReason = rec.EndReason
	cur.StartedAt = rec.StartedAt
	cur.LastTickAt = rec.LastTickAt
	cur.EndedAt = rec.EndedAt
	cur.UpdatedAt = r.clock().UTC()
	r.records[rec.SessionID] = cur
	return nil
}

func (r *MemoryRepo) RecordTick(ctx context.Context, sessionID string, durationSeconds, totalChargeMicros int64, lastTickAt time.Time) error {
	_ = ctx
	if sessionID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[sessionID]
	if !ok || cur.Status != CallStatusActive {
		return ErrRecordNotFound
	}
	cur.DurationSeconds = durationSeconds
	cur.TotalChargeMicros = totalChargeMicros
	t := lastTickAt
	cur.LastTickAt = &t
	cur.UpdatedAt = r.clock().UTC()
	r.records[sessionID] = cur
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, sessionID string) (CallRecord, error) {
	_ = ctx
	if sessionID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return CallRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) ListOpen(ctx context.Context) ([]CallRecord, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CallRecord
	for _, rec := range r.records {
		if rec.Status == CallStatusRinging || rec.Status == CallStatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListByParticipant(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error) {
	_ = ctx
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CallRecord
	for _, rec := range r.records {
		if !rec.IsParticipant(userID) {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
