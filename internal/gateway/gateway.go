package gateway

import (
	"context"
	"errors"
)

var ErrInvalidEvent = errors.New("gateway: invalid event")

// Gateway relays realtime events between the engine and connected clients.
//
// Delivery contract: at-most-once, best-effort. A publish failure is logged
// by the caller and never unwinds the billing path; a client that misses an
// event recovers from the call directory on reconnect.
type Gateway interface {
	// Publish sends the event to each named channel.
	Publish(ctx context.Context, channels []string, ev Event) error

	// Subscribe streams events from one channel until cancel is called or
	// ctx is done. The returned channel is closed on teardown.
	Subscribe(ctx context.Context, channel string) (<-chan Event, func(), error)
}

func validate(channels []string, ev Event) error {
	if len(channels) == 0 || ev.Type == "" || ev.SessionID == "" {
		return ErrInvalidEvent
	}
	for _, ch := range channels {
		if ch == "" {
			return ErrInvalidEvent
		}
	}
	return nil
}
