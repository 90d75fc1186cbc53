package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callmeter/internal/directory"
	"callmeter/internal/gateway"
	"callmeter/internal/pricing"
	"callmeter/internal/wallet"
)

const (
	voiceRate = int64(3500) // 0.0035/s in micros
	videoRate = int64(7000)
)

type testEnv struct {
	engine  *Engine
	wallets *wallet.MemoryStore
	records *directory.MemoryRepo
	gw      *gateway.MemoryGateway
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newLimitedEnv(t, cfg, nil)
}

func newLimitedEnv(t *testing.T, cfg Config, lim Limiter) *testEnv {
	t.Helper()

	wallets := wallet.NewMemoryStore()
	records := directory.NewMemoryRepo()
	gw := gateway.NewMemoryGateway()
	rates := pricing.NewService(&pricing.MemoryRepo{Rates: []pricing.Rate{
		{ID: "voice", Kind: "voice", Currency: "USD", PerSecondMicros: voiceRate, Status: pricing.RateStatusActive, EffectiveFrom: time.Now().Add(-time.Hour)},
		{ID: "video", Kind: "video", Currency: "USD", PerSecondMicros: videoRate, Status: pricing.RateStatusActive, EffectiveFrom: time.Now().Add(-time.Hour)},
	}})

	e := NewEngine(cfg, Deps{
		Wallets: wallets,
		Records: records,
		Rates:   rates,
		Gateway: gw,
		Limiter: lim,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	return &testEnv{engine: e, wallets: wallets, records: records, gw: gw}
}

// idleConfig keeps the tick loop from ever firing on its own so tests can
// drive ticks deterministically via engine.tick.
func idleConfig() Config {
	return Config{TickInterval: time.Hour, RingTimeout: time.Hour, MinStartSeconds: 10}
}

func (env *testEnv) topUp(t *testing.T, owner string, micros int64) {
	t.Helper()
	if _, err := env.wallets.Credit(context.Background(), owner, micros, "USD", wallet.ReasonTopUp); err != nil {
		t.Fatalf("top up: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, owner string) int64 {
	t.Helper()
	b, err := env.wallets.Balance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.BalanceMicros
}

func TestStart_RejectsInvalidArgs(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()

	cases := []struct {
		host, peer string
		kind       directory.CallKind
	}{
		{"", "peer", directory.CallKindVoice},
		{"host", "", directory.CallKindVoice},
		{"same", "same", directory.CallKindVoice},
		{"host", "peer", directory.CallKind("fax")},
	}
	for _, tc := range cases {
		if _, err := env.engine.Start(ctx, tc.host, tc.peer, tc.kind); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("Start(%q,%q,%q): expected ErrInvalidArgument, got %v", tc.host, tc.peer, tc.kind, err)
		}
	}
}

func TestStart_FailsBelowThresholdEvenWithPositiveBalance(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()

	// Threshold is 10s × 3500 = 35_000; fund just below it.
	env.topUp(t, "host", 34_999)
	if _, err := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	env.topUp(t, "host", 1)
	if _, err := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice); err != nil {
		t.Fatalf("expected start to succeed at threshold, got %v", err)
	}
}

func TestStart_MissingWalletFailsClosed(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	if _, err := env.engine.Start(context.Background(), "host", "peer", directory.CallKindVoice); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for missing wallet, got %v", err)
	}
}

func TestStart_CreatesRingingRecordAndNotifiesPeer(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, err := env.engine.Start(ctx, "host", "peer", directory.CallKindVideo)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.RatePerSecondMicros != videoRate || res.Currency != "USD" {
		t.Fatalf("unexpected start result: %+v", res)
	}

	rec, err := env.records.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != directory.CallStatusRinging || rec.Kind != directory.CallKindVideo {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if env.engine.Registry().Len() != 1 {
		t.Fatalf("expected 1 registered session")
	}

	invites := env.gw.PublishedTo(gateway.UserChannel("peer"))
	if len(invites) != 1 || invites[0].Type != gateway.EventTypeRinging || invites[0].Ringing.HostID != "host" {
		t.Fatalf("peer was not notified: %+v", invites)
	}
}

func TestAccept_IsIdempotentAndGuardsTransitions(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	if _, err := env.engine.Accept(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)

	first, err := env.engine.Accept(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	again, err := env.engine.Accept(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	if !first.StartedAt.Equal(again.StartedAt) {
		t.Fatalf("accept not idempotent: %v vs %v", first.StartedAt, again.StartedAt)
	}

	rec, _ := env.records.Get(ctx, res.SessionID)
	if rec.Status != directory.CallStatusActive || rec.StartedAt == nil {
		t.Fatalf("record not active: %+v", rec)
	}

	env.engine.End(ctx, res.SessionID, "host")
	if _, err := env.engine.Accept(ctx, res.SessionID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after end, got %v", err)
	}
}

func TestEnd_BeforeAcceptBillsNothing(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	end, err := env.engine.End(ctx, res.SessionID, "host")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if end.DurationSeconds != 0 || end.TotalChargeMicros != 0 {
		t.Fatalf("expected zero billing, got %+v", end)
	}

	rec, _ := env.records.Get(ctx, res.SessionID)
	if rec.Status != directory.CallStatusEnded || rec.DurationSeconds != 0 || rec.TotalChargeMicros != 0 {
		t.Fatalf("unexpected final record: %+v", rec)
	}
	if got := env.balance(t, "host"); got != 1_000_000 {
		t.Fatalf("balance changed without billing: %d", got)
	}
	if env.engine.Registry().Len() != 0 {
		t.Fatalf("session not removed from registry")
	}
}

func TestEnd_UnknownSessionFails(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	if _, err := env.engine.End(context.Background(), "never-existed", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEnd_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	env.engine.Accept(ctx, res.SessionID)

	s, _ := env.engine.Registry().Get(res.SessionID)
	for i := 0; i < 3; i++ {
		if !env.engine.tick(ctx, s) {
			t.Fatalf("tick %d failed", i)
		}
	}

	first, err := env.engine.End(ctx, res.SessionID, "host")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	second, err := env.engine.End(ctx, res.SessionID, "peer")
	if err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if first != second {
		t.Fatalf("end not idempotent: %+v vs %+v", first, second)
	}
	if first.DurationSeconds != 3 || first.TotalChargeMicros != 3*voiceRate {
		t.Fatalf("unexpected final numbers: %+v", first)
	}

	// The wallet was debited exactly once per tick, nothing extra.
	entries, _ := env.wallets.LedgerEntries(ctx, "host", time.Time{}, time.Now().Add(time.Hour))
	debits := 0
	for _, e := range entries {
		if e.Type == wallet.LedgerEntryTypeDebit {
			debits++
		}
	}
	if debits != 3 {
		t.Fatalf("expected 3 debits, got %d", debits)
	}
	if got := env.balance(t, "host"); got != 1_000_000-3*voiceRate {
		t.Fatalf("unexpected balance %d", got)
	}
}

func TestTick_NeverChargesAfterEnd(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	env.engine.Accept(ctx, res.SessionID)
	s, _ := env.engine.Registry().Get(res.SessionID)

	env.engine.tick(ctx, s)
	env.engine.End(ctx, res.SessionID, "host")
	before := env.balance(t, "host")

	if env.engine.tick(ctx, s) {
		t.Fatalf("tick should refuse to run on an ended session")
	}
	if got := env.balance(t, "host"); got != before {
		t.Fatalf("post-termination tick debited the wallet: %d -> %d", before, got)
	}
}

// Scenario from the billing contract: 5.00 at 0.0035/s for 1000 seconds.
func TestLongCall_ChargeStaysProportional(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 5_000_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	env.engine.Accept(ctx, res.SessionID)
	s, _ := env.engine.Registry().Get(res.SessionID)

	for i := 1; i <= 1000; i++ {
		if !env.engine.tick(ctx, s) {
			t.Fatalf("tick %d failed", i)
		}
		if i%100 == 0 {
			s.mu.Lock()
			secs, charge := s.accumulatedSeconds, s.accumulatedChargeMicros
			s.mu.Unlock()
			if charge != secs*voiceRate {
				t.Fatalf("at %d: charge %d != %d × %d", i, charge, secs, voiceRate)
			}
		}
	}

	if got := env.balance(t, "host"); got != 1_500_000 {
		t.Fatalf("expected balance 1_500_000, got %d", got)
	}
	rec, _ := env.records.Get(ctx, res.SessionID)
	if rec.Status != directory.CallStatusActive || rec.TotalChargeMicros != 3_500_000 || rec.DurationSeconds != 1000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, ok := env.engine.Registry().Get(res.SessionID); !ok {
		t.Fatalf("session should still be live")
	}
}

// Scenario: 0.01 at 0.0035/s: two billable seconds, then force-end.
func TestRunOut_ForceEndsWithInsufficientFunds(t *testing.T) {
	cfg := idleConfig()
	cfg.MinStartSeconds = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	env.topUp(t, "host", 10_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	env.engine.Accept(ctx, res.SessionID)
	s, _ := env.engine.Registry().Get(res.SessionID)

	if !env.engine.tick(ctx, s) || !env.engine.tick(ctx, s) {
		t.Fatalf("first two ticks should succeed")
	}
	if env.engine.tick(ctx, s) {
		t.Fatalf("third tick should fail and stop the loop")
	}

	if got := env.balance(t, "host"); got != 3_000 {
		t.Fatalf("expected residual balance 3000, got %d", got)
	}
	rec, _ := env.records.Get(ctx, res.SessionID)
	if rec.Status != directory.CallStatusEnded || rec.EndReason != directory.EndReasonInsufficientFunds {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.DurationSeconds != 2 || rec.TotalChargeMicros != 7_000 {
		t.Fatalf("unexpected billed numbers: %+v", rec)
	}
	if env.engine.Registry().Len() != 0 {
		t.Fatalf("session not removed after force-end")
	}

	// Both parties heard about it.
	ended := env.gw.PublishedTo(gateway.UserChannel("peer"))
	found := false
	for _, ev := range ended {
		if ev.Type == gateway.EventTypeEnded && ev.Ended.Reason == directory.EndReasonInsufficientFunds {
			found = true
		}
	}
	if !found {
		t.Fatalf("peer missed the call:ended broadcast: %+v", ended)
	}
}

// Exactly one rate's worth of funds buys exactly one more tick.
func TestExactBalance_AllowsExactlyOneMoreTick(t *testing.T) {
	cfg := idleConfig()
	cfg.MinStartSeconds = 1
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	env.topUp(t, "host", voiceRate)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	env.engine.Accept(ctx, res.SessionID)
	s, _ := env.engine.Registry().Get(res.SessionID)

	if !env.engine.tick(ctx, s) {
		t.Fatalf("tick with exact balance should succeed")
	}
	if env.engine.tick(ctx, s) {
		t.Fatalf("tick with zero balance should force-end")
	}
	if got := env.balance(t, "host"); got != 0 {
		t.Fatalf("expected zero balance, got %d", got)
	}
	rec, _ := env.records.Get(ctx, res.SessionID)
	if rec.EndReason != directory.EndReasonInsufficientFunds || rec.DurationSeconds != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRingTimeout_EndsUnansweredCallUnbilled(t *testing.T) {
	cfg := idleConfig()
	cfg.RingTimeout = 20 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _ := env.records.Get(ctx, res.SessionID)
		if rec.Status == directory.CallStatusEnded {
			if rec.EndReason != directory.EndReasonNoAnswer || rec.TotalChargeMicros != 0 {
				t.Fatalf("unexpected record: %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ring timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := env.balance(t, "host"); got != 1_000_000 {
		t.Fatalf("unanswered call was billed: %d", got)
	}
}

// fakeLimiter counts slot traffic so tests can assert acquire/release
// balance.
type fakeLimiter struct {
	mu         sync.Mutex
	allow      bool
	acquireErr error
	acquired   int
	released   int
}

func (l *fakeLimiter) Acquire(ctx context.Context, hostID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if !l.allow {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLimiter) Release(ctx context.Context, hostID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLimiter) counts() (acquired, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

func TestStart_RejectsWhenCallCapFull(t *testing.T) {
	lim := &fakeLimiter{allow: false}
	env := newLimitedEnv(t, idleConfig(), lim)
	env.topUp(t, "host", 1_000_000)

	if _, err := env.engine.Start(context.Background(), "host", "peer", directory.CallKindVoice); !errors.Is(err, ErrCallCapExceeded) {
		t.Fatalf("expected ErrCallCapExceeded, got %v", err)
	}
	if _, released := lim.counts(); released != 0 {
		t.Fatalf("rejected start released %d slots", released)
	}
}

func TestEnd_ReleasesCapSlotExactlyOnce(t *testing.T) {
	lim := &fakeLimiter{allow: true}
	env := newLimitedEnv(t, idleConfig(), lim)
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, err := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.End(ctx, res.SessionID, "host"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := env.engine.End(ctx, res.SessionID, "peer"); err != nil {
		t.Fatalf("repeat end: %v", err)
	}

	acquired, released := lim.counts()
	if acquired != 1 || released != 1 {
		t.Fatalf("slot accounting off: acquired %d, released %d", acquired, released)
	}
}

// The cap is advisory: when its bookkeeping errors the call is admitted
// without a slot, and ending that call must not free a slot some other
// call holds.
func TestEnd_NoReleaseWhenAcquireErrored(t *testing.T) {
	lim := &fakeLimiter{acquireErr: errors.New("cap store unavailable")}
	env := newLimitedEnv(t, idleConfig(), lim)
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, err := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	if err != nil {
		t.Fatalf("start should admit despite cap error, got %v", err)
	}
	if _, err := env.engine.End(ctx, res.SessionID, "host"); err != nil {
		t.Fatalf("end: %v", err)
	}

	acquired, released := lim.counts()
	if acquired != 0 || released != 0 {
		t.Fatalf("unheld slot was touched: acquired %d, released %d", acquired, released)
	}
}

func TestAccept_UnregisteredRingingRecordIsRetryable(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	// A durable ringing record with no live session: the registration window
	// right after insert, or a session pinned to another instance. Accept
	// must not report it as an already-ended call.
	if err := env.records.Insert(ctx, directory.CallRecord{
		SessionID:           "ringing-elsewhere",
		HostID:              "host",
		PeerID:              "peer",
		Kind:                directory.CallKindVoice,
		Status:              directory.CallStatusRinging,
		RatePerSecondMicros: voiceRate,
		Currency:            "USD",
		CreatedAt:           now,
		UpdatedAt:           now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := env.engine.Accept(ctx, "ringing-elsewhere"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unregistered ringing record, got %v", err)
	}

	ended := now.Add(time.Minute)
	if err := env.records.Insert(ctx, directory.CallRecord{
		SessionID:           "done",
		HostID:              "host",
		PeerID:              "peer",
		Kind:                directory.CallKindVoice,
		Status:              directory.CallStatusEnded,
		RatePerSecondMicros: voiceRate,
		Currency:            "USD",
		EndReason:           directory.EndReasonHangup,
		EndedAt:             &ended,
		CreatedAt:           now,
		UpdatedAt:           ended,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := env.engine.Accept(ctx, "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for ended record, got %v", err)
	}
}

func TestForceEnd_RecordsReason(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	ctx := context.Background()
	env.topUp(t, "host", 1_000_000)

	res, _ := env.engine.Start(ctx, "host", "peer", directory.CallKindVoice)
	end, err := env.engine.ForceEnd(ctx, res.SessionID, directory.EndReasonBillingUnavailable)
	if err != nil {
		t.Fatalf("force end: %v", err)
	}
	if end.Reason != directory.EndReasonBillingUnavailable {
		t.Fatalf("unexpected reason %q", end.Reason)
	}
	rec, _ := env.records.Get(ctx, res.SessionID)
	if rec.EndReason != directory.EndReasonBillingUnavailable {
		t.Fatalf("reason not persisted: %+v", rec)
	}
}
