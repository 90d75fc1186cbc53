package session

import (
	"context"

	"callmeter/internal/directory"
	"callmeter/internal/gateway"
)

// Recover rebuilds the session registry from the durable directory after a
// process restart.
//
// Active records whose last tick is within the grace window resume billing
// with their accumulated numbers; anything staler is finalized with reason
// engine_restart and never ticks again. Ringing records are closed out as
// no_answer: their ring timers died with the old process and no registry
// holds a session that could be accepted.
func (e *Engine) Recover(ctx context.Context) error {
	recs, err := e.records.ListOpen(ctx)
	if err != nil {
		return err
	}

	now := e.clock().UTC()
	for _, rec := range recs {
		switch rec.Status {
		case directory.CallStatusRinging:
			e.finalizeRecord(ctx, rec, directory.EndReasonNoAnswer)

		case directory.CallStatusActive:
			last := rec.StartedAt
			if rec.LastTickAt != nil {
				last = rec.LastTickAt
			}
			if last != nil && now.Sub(*last) <= e.cfg.RecoveryGrace {
				e.resume(rec)
			} else {
				e.finalizeRecord(ctx, rec, directory.EndReasonEngineRestart)
			}
		}
	}
	return nil
}

// resume rebuilds a live session from its durable record and restarts the
// billing loop.
func (e *Engine) resume(rec directory.CallRecord) {
	s := &Session{
		ID:                  rec.SessionID,
		HostID:              rec.HostID,
		PeerID:              rec.PeerID,
		Kind:                rec.Kind,
		RatePerSecondMicros: rec.RatePerSecondMicros,
		Currency:            rec.Currency,
		state:               StateActive,
		accumulatedSeconds:  rec.DurationSeconds,
		// The slot acquired at admission outlives the process in Redis, so a
		// resumed session still holds one and must release it on end.
		capHeld:   e.limiter != nil,
		createdAt: rec.CreatedAt,
	}
	s.accumulatedChargeMicros = rec.TotalChargeMicros
	if rec.StartedAt != nil {
		s.startedAt = *rec.StartedAt
	}
	if rec.LastTickAt != nil {
		s.lastTickAt = *rec.LastTickAt
	}

	s.mu.Lock()
	e.reg.Put(s)
	e.startBillingLocked(s)
	s.mu.Unlock()

	e.log.Info("session resumed after restart",
		"session_id", s.ID,
		"seconds", s.accumulatedSeconds,
		"charge_micros", s.accumulatedChargeMicros,
	)
}

// finalizeRecord closes out a durable record that has no live session.
func (e *Engine) finalizeRecord(ctx context.Context, rec directory.CallRecord, reason string) {
	now := e.clock().UTC()
	rec.Status = directory.CallStatusEnded
	rec.EndReason = reason
	rec.EndedAt = &now
	if err := e.records.Update(ctx, rec); err != nil {
		e.log.Error("stale record finalize failed", "session_id", rec.SessionID, "reason", reason, "err", err)
		return
	}

	e.publish(rec.SessionID, []string{
		gateway.SessionChannel(rec.SessionID),
		gateway.UserChannel(rec.HostID),
		gateway.UserChannel(rec.PeerID),
	}, gateway.Event{
		Type:      gateway.EventTypeEnded,
		SessionID: rec.SessionID,
		Ended: &gateway.EndedNotice{
			Reason:          reason,
			DurationSeconds: rec.DurationSeconds,
			ChargeMicros:    rec.TotalChargeMicros,
		},
		At: now,
	})

	e.releaseCap(rec.HostID)
}
