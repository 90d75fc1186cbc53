package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisGateway relays events over Redis pub/sub. Channels are plain Redis
// channels named by SessionChannel/UserChannel; any engine instance can
// publish and any API instance can subscribe, which is what lets both call
// endpoints see termination and billing telemetry regardless of which
// instance owns the session.
type RedisGateway struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisGateway(rdb *redis.Client, log *slog.Logger) *RedisGateway {
	if log == nil {
		log = slog.Default()
	}
	return &RedisGateway{rdb: rdb, log: log}
}

func (g *RedisGateway) Publish(ctx context.Context, channels []string, ev Event) error {
	if err := validate(channels, ev); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// Best-effort fan-out: try every channel, report the first failure.
	var firstErr error
	for _, ch := range channels {
		if err := g.rdb.Publish(ctx, ch, body).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *RedisGateway) Subscribe(ctx context.Context, channel string) (<-chan Event, func(), error) {
	if channel == "" {
		return nil, nil, ErrInvalidEvent
	}

	sub := g.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning, so callers do
	// not miss events published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				g.log.Warn("gateway: dropping undecodable event", "channel", channel, "err", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			default:
				// Slow consumer: drop rather than stall the relay.
				// At-most-once delivery is the contract.
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
