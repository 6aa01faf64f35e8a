// Package bus carries events and hook calls between the host and plugins.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"OpenPlugin-Guard/pkg/logger"
)

// Wildcard subscribes to every event name.
const Wildcard = "*"

const defaultHistory = 256

// Event is one published occurrence.
type Event struct {
	Name   string    `json:"name"`
	Source string    `json:"source"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

// Handler receives events. Errors and panics are logged and do not stop delivery.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	owner   string
	handler Handler
}

// Stats counts bus activity.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  uint64
	history []Event
	limit   int

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	log *slog.Logger
}

// New returns an empty bus keeping up to historySize recent events.
func New(historySize int) *Bus {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	return &Bus{
		subs:  make(map[string][]subscription),
		limit: historySize,
		log:   logger.Named("bus"),
	}
}

// Subscribe registers handler for name on behalf of owner. The returned function removes it.
func (b *Bus) Subscribe(name, owner string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, owner: owner, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[name]) == 0 {
			delete(b.subs, name)
		}
	}
}

// UnsubscribeOwner drops every subscription held by owner and returns how many were removed.
func (b *Bus) UnsubscribeOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for name, list := range b.subs {
		kept := list[:0:0]
		for _, s := range list {
			if s.owner == owner {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = kept
		}
	}
	return removed
}

// Publish delivers an event synchronously to name and wildcard subscribers in
// subscription order.
func (b *Bus) Publish(ctx context.Context, name, source string, data any) {
	ev := Event{Name: name, Source: source, Data: data, Time: time.Now().UTC()}

	b.mu.Lock()
	targets := append([]subscription(nil), b.subs[name]...)
	if name != Wildcard {
		targets = append(targets, b.subs[Wildcard]...)
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = append([]Event(nil), b.history[len(b.history)-b.limit:]...)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range targets {
		if err := b.deliver(ctx, s, ev); err != nil {
			b.failed.Add(1)
			b.log.Warn("event handler failed",
				slog.String("event", name),
				slog.String("owner", s.owner),
				slog.Any("error", err),
			)
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

// Subscribers returns the number of handlers registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// History returns up to n most recent events, oldest first. n <= 0 returns all retained.
func (b *Bus) History(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	return append([]Event(nil), b.history[len(b.history)-n:]...)
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{Published: b.published.Load(), Delivered: b.delivered.Load(), Failed: b.failed.Load()}
}

// Clear removes all subscriptions and history.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]subscription)
	b.history = nil
	b.mu.Unlock()
}
