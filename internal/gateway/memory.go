package gateway

import (
	"context"
	"sync"
)

// MemoryGateway is an in-process Gateway for tests and single-node local
// runs. It also keeps a log of everything published so tests can assert on
// the exact event sequence.
type MemoryGateway struct {
	mu        sync.Mutex
	subs      map[string]map[int]chan Event
	nextSubID int
	published []publishedEvent
}

type publishedEvent struct {
	Channels []string
	Event    Event
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{subs: make(map[string]map[int]chan Event)}
}

func (g *MemoryGateway) Publish(ctx context.Context, channels []string, ev Event) error {
	_ = ctx
	if err := validate(channels, ev); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.published = append(g.published, publishedEvent{Channels: channels, Event: ev})
	for _, ch := range channels {
		for _, sub := range g.subs[ch] {
			select {
			case sub <- ev:
			default:
				// drop on slow consumer, matching the Redis relay
			}
		}
	}
	return nil
}

func (g *MemoryGateway) Subscribe(ctx context.Context, channel string) (<-chan Event, func(), error) {
	_ = ctx
	if channel == "" {
		return nil, nil, ErrInvalidEvent
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextSubID
	g.nextSubID++
	ch := make(chan Event, 16)
	if g.subs[channel] == nil {
		g.subs[channel] = make(map[int]chan Event)
	}
	g.subs[channel][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subs[channel], id)
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Published returns a snapshot of every event published so far, in order.
func (g *MemoryGateway) Published() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.published))
	for i, p := range g.published {
		out[i] = p.Event
	}
	return out
}

// PublishedTo returns events published to the given channel, in order.
func (g *MemoryGateway) PublishedTo(channel string) []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Event
	for _, p := range g.published {
		for _, ch := range p.Channels {
			if ch == channel {
				out = append(out, p.Event)
				break
			}
		}
	}
	return out
}
