package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGateway_DeliversToSubscribers(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	ch, cancel, err := g.Subscribe(ctx, SessionChannel("s1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ev := Event{
		Type:      EventTypeBillingUpdate,
		SessionID: "s1",
		Billing:   &BillingUpdate{Seconds: 3, ChargeMicros: 10500},
		At:        time.Now().UTC(),
	}
	if err := g.Publish(ctx, []string{SessionChannel("s1")}, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != EventTypeBillingUpdate || got.Billing == nil || got.Billing.Seconds != 3 {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestMemoryGateway_CancelStopsDelivery(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	ch, cancel, _ := g.Subscribe(ctx, UserChannel("u1"))
	cancel()
	cancel() // double-cancel is safe

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestMemoryGateway_FanOutToMultipleChannels(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	ev := Event{
		Type:      EventTypeEnded,
		SessionID: "s1",
		Ended:     &EndedNotice{Reason: "hangup", DurationSeconds: 10, ChargeMicros: 35000},
		At:        time.Now().UTC(),
	}
	targets := []string{SessionChannel("s1"), UserChannel("host"), UserChannel("peer")}
	if err := g.Publish(ctx, targets, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := g.PublishedTo(UserChannel("peer")); len(got) != 1 || got[0].Ended.Reason != "hangup" {
		t.Fatalf("peer channel missing event: %+v", got)
	}
}

func TestMemoryGateway_RejectsInvalidEvents(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	if err := g.Publish(ctx, nil, Event{Type: EventTypeSignal, SessionID: "s1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := g.Publish(ctx, []string{"c"}, Event{SessionID: "s1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if _, _, err := g.Subscribe(ctx, ""); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
