package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// streamMaxLen is the approximate maximum length of the event history
// stream, enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

const (
	channelPrefix = "events:"
	historyStream = "events:history"
)

// Bus implements domain.EventBus and domain.EventSubscriber. Every message
// goes to a Pub/Sub channel named after the event for live consumers and to
// a capped stream for consumers catching up after a restart.
type Bus struct {
	rdb *redis.Client
}

// NewBus creates a Bus backed by the given Client.
func NewBus(c *Client) *Bus {
	return &Bus{rdb: c.Underlying()}
}

// Publish sends one event.
func (b *Bus) Publish(ctx context.Context, name string, tags map[string]string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", name, err)
	}
	payload, err := json.Marshal(domain.BusMessage{
		Name:        name,
		Tags:        tags,
		Data:        raw,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", name, err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, channelPrefix+name, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: historyStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", name, err)
	}
	return nil
}

// Subscribe streams events whose name matches pattern. The returned channel
// is closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan domain.BusMessage, error) {
	channel := channelPrefix + pattern
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan domain.BusMessage, 128)
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
				var m domain.BusMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern returns true when the Redis channel includes glob-style
// wildcards, in which case PSubscribe must be used instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Compile-time interface checks.
var (
	_ domain.EventBus        = (*Bus)(nil)
	_ domain.EventSubscriber = (*Bus)(nil)
)
