package session

import (
	"context"
	"errors"
	"time"

	"callmeter/internal/directory"
	"callmeter/internal/gateway"
	"callmeter/internal/wallet"
)

// maxConsecutiveFailedTicks bounds free talk time under store outages:
// after this many skipped ticks in a row the call is force-ended with
// reason billing_unavailable.
const maxConsecutiveFailedTicks = 3

// runBilling drives the billing loop for one active session. Exactly one
// loop exists per session, and ticks are strictly sequential: the next
// interval is armed only after the current tick's debit has completed, so
// a slow wallet store can delay charges but never double or reorder them.
func (e *Engine) runBilling(ctx context.Context, s *Session) {
	defer e.wg.Done()

	t := time.NewTimer(e.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !e.tick(ctx, s) {
			return
		}
		t.Reset(e.cfg.TickInterval)
	}
}

// tick performs one billing interval: debit the host, accumulate, persist
// progress, publish telemetry. Returns false when the loop must stop.
//
// The session lock is held across the debit. That serializes ticks with
// termination: End blocks until an in-flight tick completes, and any tick
// that acquires the lock after termination sees a dead session and exits
// without charging.
func (e *Engine) tick(ctx context.Context, s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return false
	}

	_, err := e.wallets.Debit(ctx, s.HostID, s.RatePerSecondMicros, wallet.ReasonCallTick, s.ID)
	if err != nil && !isBillingFatal(err) {
		// Transient store failure: retry once within the tick.
		_, err = e.wallets.Debit(ctx, s.HostID, s.RatePerSecondMicros, wallet.ReasonCallTick, s.ID)
	}

	switch {
	case err == nil:
		s.failedTicks = 0
		s.accumulatedSeconds++
		s.accumulatedChargeMicros += s.RatePerSecondMicros
		s.lastTickAt = e.clock().UTC()

		// Durable progress before telemetry. A failed write is logged, not
		// retried here; the next tick overwrites it and recovery tolerates
		// staleness up to the grace window.
		if rerr := e.records.RecordTick(ctx, s.ID, s.accumulatedSeconds, s.accumulatedChargeMicros, s.lastTickAt); rerr != nil {
			e.log.Warn("tick progress write failed", "session_id", s.ID, "err", rerr)
		}

		// Telemetry is best-effort and never undoes a debit.
		e.publish(s.ID, []string{gateway.SessionChannel(s.ID)}, gateway.Event{
			Type:      gateway.EventTypeBillingUpdate,
			SessionID: s.ID,
			Billing: &gateway.BillingUpdate{
				Seconds:      s.accumulatedSeconds,
				ChargeMicros: s.accumulatedChargeMicros,
			},
			At: s.lastTickAt,
		})
		return true

	case isBillingFatal(err):
		// Out of funds (or no wallet, which fails closed).
		e.finalizeLocked(s, directory.EndReasonInsufficientFunds)
		return false

	default:
		// Still failing after the retry: skip this tick entirely: no
		// charge, no duration credit.
		s.failedTicks++
		e.log.Warn("billing tick skipped", "session_id", s.ID, "consecutive", s.failedTicks, "err", err)
		if s.failedTicks >= maxConsecutiveFailedTicks {
			e.finalizeLocked(s, directory.EndReasonBillingUnavailable)
			return false
		}
		return true
	}
}

func isBillingFatal(err error) bool {
	return errors.Is(err, wallet.ErrInsufficientFunds) || errors.Is(err, wallet.ErrWalletNotFound)
}
