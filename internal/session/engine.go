package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callmeter/internal/directory"
	"callmeter/internal/gateway"
	"callmeter/internal/pricing"
	"callmeter/internal/wallet"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrCallCapExceeded   = errors.New("concurrent call cap exceeded")
)

// Config holds the engine's billing knobs.
// Keep it config-driven; defaults should be safe and conservative.
type Config struct {
	// TickInterval is the billing interval. One charge of RatePerSecond
	// applies per elapsed interval.
	TickInterval time.Duration

	// RingTimeout bounds how long a session may stay ringing before it is
	// force-ended with reason no_answer, never billed.
	RingTimeout time.Duration

	// MinStartSeconds is the admission threshold: starting a call requires
	// balance >= MinStartSeconds × ratePerSecond.
	MinStartSeconds int64

	// RecoveryGrace bounds how stale a durable active record's last tick may
	// be for the session to resume billing after a restart.
	RecoveryGrace time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.TickInterval <= 0 {
		out.TickInterval = time.Second
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45 * time.Second
	}
	if out.MinStartSeconds <= 0 {
		out.MinStartSeconds = 10
	}
	if out.RecoveryGrace <= 0 {
		out.RecoveryGrace = 15 * time.Second
	}
	return out
}

// Deps groups the engine's collaborators for dependency injection.
type Deps struct {
	Wallets wallet.Store
	Records directory.Repository
	Rates   *pricing.Service
	Gateway gateway.Gateway

	// Limiter is optional; nil means no per-host concurrent call cap.
	Limiter Limiter

	Logger *slog.Logger
}

// Engine owns the call session state machine and every side effect of the
// billing loop. All transitions persist to the call directory before they
// are broadcast on the gateway, so no client can observe engine state more
// advanced than the durable record.
type Engine struct {
	cfg     Config
	wallets wallet.Store
	records directory.Repository
	rates   *pricing.Service
	gw      gateway.Gateway
	limiter Limiter
	reg     *Registry
	log     *slog.Logger
	clock   func() time.Time

	// rootCtx parents every billing loop; Shutdown cancels it to stop
	// ticking without ending sessions (restart recovery resumes them).
	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(cfg Config, deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	rootCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg.withDefaults(),
		wallets: deps.Wallets,
		records: deps.Records,
		rates:   deps.Rates,
		gw:      deps.Gateway,
		limiter: deps.Limiter,
		reg:     NewRegistry(),
		log:     log,
		clock:   time.Now,
		rootCtx: rootCtx,
		stop:    stop,
	}
}

// Registry exposes the live session table (read-mostly; handlers use it for
// participant checks on in-flight sessions).
func (e *Engine) Registry() *Registry { return e.reg }

type StartResult struct {
	SessionID           string `json:"session_id"`
	RatePerSecondMicros int64  `json:"rate_per_second_micros"`
	Currency            string `json:"currency"`
}

type AcceptResult struct {
	StartedAt time.Time `json:"started_at"`
}

type EndResult struct {
	DurationSeconds   int64  `json:"duration_seconds"`
	TotalChargeMicros int64  `json:"total_charge_micros"`
	Reason            string `json:"reason"`
}

// Start creates a ringing session and notifies the peer.
//
// Admission: fails wallet.ErrInsufficientFunds when the host's balance is
// below MinStartSeconds times the rate, even when the balance is positive,
// and when the host has no wallet at all (fail closed: never unmetered calling).
func (e *Engine) Start(ctx context.Context, hostID, peerID string, kind directory.CallKind) (StartResult, error) {
	if hostID == "" || peerID == "" || hostID == peerID || !kind.Valid() {
		return StartResult{}, ErrInvalidArgument
	}

	rate, err := e.rates.ResolveRate(ctx, string(kind))
	if err != nil {
		return StartResult{}, err
	}

	bal, err := e.wallets.Balance(ctx, hostID)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		return StartResult{}, wallet.ErrInsufficientFunds
	}
	if err != nil {
		return StartResult{}, err
	}
	if bal.BalanceMicros < rate.PerSecondMicros*e.cfg.MinStartSeconds {
		return StartResult{}, wallet.ErrInsufficientFunds
	}

	capHeld := false
	if e.limiter != nil {
		ok, lerr := e.limiter.Acquire(ctx, hostID)
		switch {
		case lerr != nil:
			// Cap bookkeeping being down must not block calling; billing
			// still meters every second. No slot is held, so termination
			// must not release one.
			e.log.Warn("call cap acquire failed, admitting", "host_id", hostID, "err", lerr)
		case !ok:
			return StartResult{}, ErrCallCapExceeded
		default:
			capHeld = true
		}
	}

	now := e.clock().UTC()
	s := &Session{
		ID:                  uuid.NewString(),
		HostID:              hostID,
		PeerID:              peerID,
		Kind:                kind,
		RatePerSecondMicros: rate.PerSecondMicros,
		Currency:            rate.Currency,
		state:               StateRinging,
		capHeld:             capHeld,
		createdAt:           now,
	}

	// Durable record first; the session becomes observable only afterwards.
	if err := e.records.Insert(ctx, s.recordLocked()); err != nil {
		if capHeld {
			e.releaseCap(hostID)
		}
		return StartResult{}, err
	}

	e.reg.Put(s)
	s.mu.Lock()
	s.ringTimer = time.AfterFunc(e.cfg.RingTimeout, func() { e.ringTimeout(s) })
	s.mu.Unlock()

	e.publish(s.ID, []string{gateway.UserChannel(peerID)}, gateway.Event{
		Type:      gateway.EventTypeRinging,
		SessionID: s.ID,
		Ringing: &gateway.RingingNotice{
			HostID:              hostID,
			Kind:                string(kind),
			RatePerSecondMicros: rate.PerSecondMicros,
		},
		At: now,
	})

	return StartResult{SessionID: s.ID, RatePerSecondMicros: rate.PerSecondMicros, Currency: rate.Currency}, nil
}

// Accept promotes a ringing session to active and attaches the billing loop
// for the host. Idempotent: accepting an already-active session returns the
// original startedAt.
func (e *Engine) Accept(ctx context.Context, sessionID string) (AcceptResult, error) {
	if sessionID == "" {
		return AcceptResult{}, ErrInvalidArgument
	}

	s, ok := e.reg.Get(sessionID)
	if !ok {
		rec, err := e.records.Get(ctx, sessionID)
		switch {
		case errors.Is(err, directory.ErrRecordNotFound):
			return AcceptResult{}, ErrSessionNotFound
		case err != nil:
			return AcceptResult{}, err
		case rec.Status == directory.CallStatusEnded:
			return AcceptResult{}, ErrInvalidTransition
		default:
			// Durable but not registered here: either the record was just
			// inserted and registration has not landed yet, or the session is
			// pinned to another instance. Retryable, not a dead call.
			return AcceptResult{}, ErrSessionNotFound
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return AcceptResult{StartedAt: s.startedAt}, nil
	case StateEnded:
		return AcceptResult{}, ErrInvalidTransition
	}

	now := e.clock().UTC()
	rec := s.recordLocked()
	rec.Status = directory.CallStatusActive
	rec.StartedAt = &now
	rec.LastTickAt = &now
	if err := e.records.Update(ctx, rec); err != nil {
		// Still ringing; the ring timer stays armed.
		return AcceptResult{}, err
	}

	s.state = StateActive
	s.startedAt = now
	s.lastTickAt = now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	e.startBillingLocked(s)

	return AcceptResult{StartedAt: now}, nil
}

// End terminates the session on behalf of initiator and returns the final
// billed numbers. Idempotent: repeated calls, including after the session
// has left the registry, return the durable record's result. It fails
// ErrSessionNotFound only if the session never existed.
func (e *Engine) End(ctx context.Context, sessionID, initiator string) (EndResult, error) {
	_ = initiator // participant authorization happens at the API boundary
	return e.endWithReason(ctx, sessionID, directory.EndReasonHangup)
}

// ForceEnd is the system-triggered End variant; reason is recorded on the
// durable record and broadcast to both parties.
func (e *Engine) ForceEnd(ctx context.Context, sessionID, reason string) (EndResult, error) {
	if reason == "" {
		return EndResult{}, ErrInvalidArgument
	}
	return e.endWithReason(ctx, sessionID, reason)
}

func (e *Engine) endWithReason(ctx context.Context, sessionID, reason string) (EndResult, error) {
	if sessionID == "" {
		return EndResult{}, ErrInvalidArgument
	}

	s, ok := e.reg.Get(sessionID)
	if !ok {
		rec, err := e.records.Get(ctx, sessionID)
		if errors.Is(err, directory.ErrRecordNotFound) {
			return EndResult{}, ErrSessionNotFound
		}
		if err != nil {
			return EndResult{}, err
		}
		return EndResult{
			DurationSeconds:   rec.DurationSeconds,
			TotalChargeMicros: rec.TotalChargeMicros,
			Reason:            rec.EndReason,
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.finalizeLocked(s, reason), nil
}

// ringTimeout fires when a session has been ringing longer than allowed.
func (e *Engine) ringTimeout(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return
	}
	e.finalizeLocked(s, directory.EndReasonNoAnswer)
}

// finalizeLocked performs the terminal transition. Caller must hold s.mu.
//
// Ordering, per the termination contract:
//  1. Remove the timer handles first; the session owns them exclusively.
//  2. Flip the in-memory state so any tick that later wins the lock sees a
//     dead session and charges nothing.
//  3. Persist the ended record, computed purely from accumulated state.
//  4. Only then broadcast, remove from the registry, release the cap slot.
//
// Idempotent: the first terminal trigger wins; later calls return the
// memoized result.
func (e *Engine) finalizeLocked(s *Session, reason string) EndResult {
	if s.final != nil {
		return *s.final
	}

	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.cancelTicks != nil {
		s.cancelTicks()
		s.cancelTicks = nil
	}
	s.state = StateEnded

	res := EndResult{
		DurationSeconds:   s.accumulatedSeconds,
		TotalChargeMicros: s.accumulatedChargeMicros,
		Reason:            reason,
	}

	// Durability must outlive whatever request or tick triggered us.
	ctx := context.Background()
	now := e.clock().UTC()
	rec := s.recordLocked()
	rec.EndReason = reason
	rec.EndedAt = &now
	if err := e.records.Update(ctx, rec); err != nil {
		if err = e.records.Update(ctx, rec); err != nil {
			e.log.Error("call record finalize failed", "session_id", s.ID, "reason", reason, "err", err)
		}
	}

	e.publish(s.ID, []string{
		gateway.SessionChannel(s.ID),
		gateway.UserChannel(s.HostID),
		gateway.UserChannel(s.PeerID),
	}, gateway.Event{
		Type:      gateway.EventTypeEnded,
		SessionID: s.ID,
		Ended: &gateway.EndedNotice{
			Reason:          reason,
			DurationSeconds: res.DurationSeconds,
			ChargeMicros:    res.TotalChargeMicros,
		},
		At: now,
	})

	e.reg.Remove(s.ID)
	if s.capHeld {
		e.releaseCap(s.HostID)
		s.capHeld = false
	}

	s.final = &res
	return res
}

// startBillingLocked attaches the tick loop. Caller must hold s.mu and have
// already set the session active.
func (e *Engine) startBillingLocked(s *Session) {
	tickCtx, cancel := context.WithCancel(e.rootCtx)
	s.cancelTicks = cancel
	e.wg.Add(1)
	go e.runBilling(tickCtx, s)
}

// publish relays an event, logging failures. Publish failures never affect
// the billing path.
func (e *Engine) publish(sessionID string, channels []string, ev gateway.Event) {
	if err := e.gw.Publish(context.Background(), channels, ev); err != nil {
		e.log.Warn("gateway publish failed", "session_id", sessionID, "type", string(ev.Type), "err", err)
	}
}

func (e *Engine) releaseCap(hostID string) {
	if e.limiter == nil {
		return
	}
	if err := e.limiter.Release(context.Background(), hostID); err != nil {
		e.log.Warn("call cap release failed", "host_id", hostID, "err", err)
	}
}

// Shutdown stops every billing loop without ending the sessions: their
// durable records stay active with a fresh last_tick_at, so the next engine
// instance resumes them through Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
