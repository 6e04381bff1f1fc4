package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// streamMaxLen bounds each channel's replay stream, enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 200

// EventBus implements domain.EventBus on Redis Pub/Sub. Every payload is also
// appended to a per-channel stream so subscribers can replay recent events.
type EventBus struct {
	c *Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Publish appends payload to the channel's stream and broadcasts it.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := b.c.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.c.key("stream:", channel),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})
	pipe.Publish(ctx, b.c.key(channel), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe follows channel until ctx is cancelled, then closes the returned
// channel. Glob patterns use PSUBSCRIBE.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = b.c.rdb.PSubscribe(ctx, b.c.key(channel))
	} else {
		pubsub = b.c.rdb.Subscribe(ctx, b.c.key(channel))
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n of the channel's latest payloads, oldest first.
func (b *EventBus) Recent(ctx context.Context, channel string, n int) ([][]byte, error) {
	msgs, err := b.c.rdb.XRevRangeN(ctx, b.c.key("stream:", channel), "+", "-", int64(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: recent %s: %w", channel, err)
	}

	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.Values["payload"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	slices.Reverse(out)
	return out, nil
}

// hasPattern reports whether channel contains glob wildcards.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var (
	_ domain.EventBus      = (*EventBus)(nil)
	_ domain.EventReplayer = (*EventBus)(nil)
)
