package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Bus is an in-process event bus that also keeps every published message
// for inspection.
type Bus struct {
	mu        sync.Mutex
	published []domain.BusMessage
	subs      []subscription
}

type subscription struct {
	pattern string
	ch      chan domain.BusMessage
	done    <-chan struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish records the message and delivers it to matching subscribers.
// Slow subscribers miss messages rather than block the publisher.
func (b *Bus) Publish(_ context.Context, name string, tags map[string]string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("memory: marshal event %s: %w", name, err)
	}
	msg := domain.BusMessage{Name: name, Tags: tags, Data: raw, PublishedAt: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	live := b.subs[:0]
	for _, s := range b.subs {
		select {
		case <-s.done:
			close(s.ch)
			continue
		default:
		}
		live = append(live, s)
		if ok, _ := path.Match(s.pattern, name); ok {
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
	b.subs = live
	return nil
}

// Subscribe streams messages whose name matches the glob pattern.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan domain.BusMessage, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", pattern, err)
	}
	ch := make(chan domain.BusMessage, 128)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: pattern, ch: ch, done: ctx.Done()})
	b.mu.Unlock()
	return ch, nil
}

// Published returns every message whose name matches pattern.
func (b *Bus) Published(pattern string) []domain.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BusMessage
	for _, m := range b.published {
		if ok, _ := path.Match(pattern, m.Name); ok {
			out = append(out, m)
		}
	}
	return out
}

var (
	_ domain.EventBus        = (*Bus)(nil)
	_ domain.EventSubscriber = (*Bus)(nil)
)
