package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenPlugin-Guard/internal/errors"
)

func TestPublishDeliversToNamedAndWildcard(t *testing.T) {
	b := New(2)
	var got []string
	b.Subscribe("plugin:registered", "host", func(_ context.Context, ev Event) error {
		got = append(got, "named:"+ev.Source)
		return nil
	})
	b.Subscribe(Wildcard, "audit", func(_ context.Context, ev Event) error {
		got = append(got, "wild:"+ev.Name)
		return nil
	})
	b.Subscribe("plugin:registered", "broken", func(context.Context, Event) error { panic("bad handler") })

	b.Publish(context.Background(), "plugin:registered", "p1", nil)
	b.Publish(context.Background(), "plugin:error", "p1", nil)

	want := "named:p1,wild:plugin:registered,wild:plugin:error"
	if strings.Join(got, ",") != want {
		t.Fatalf("got %v want %s", got, want)
	}
	stats := b.Stats()
	if stats.Published != 2 || stats.Delivered != 3 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if h := b.History(0); len(h) != 2 || h[1].Name != "plugin:error" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(0)
	calls := 0
	stop := b.Subscribe("x", "p1", func(context.Context, Event) error { calls++; return nil })
	b.Subscribe("x", "p1", func(context.Context, Event) error { calls++; return nil })
	b.Subscribe("y", "p2", func(context.Context, Event) error { calls++; return nil })

	stop()
	if b.Subscribers("x") != 1 {
		t.Fatalf("unsubscribe should remove one handler")
	}
	if n := b.UnsubscribeOwner("p1"); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	b.Publish(context.Background(), "x", "", nil)
	b.Publish(context.Background(), "y", "", nil)
	if calls != 1 {
		t.Fatalf("only p2 should remain, calls=%d", calls)
	}
}

func TestSerialHooksRunByPriorityAndChain(t *testing.T) {
	h := NewHooks()
	appendTag := func(tag string) HookFunc {
		return func(_ context.Context, payload any) (any, error) {
			return payload.(string) + tag, nil
		}
	}
	h.Register("render", "low", 1, appendTag("-low"))
	h.Register("render", "high", 10, appendTag("-high"))
	h.Register("render", "mid-a", 5, appendTag("-a"))
	h.Register("render", "mid-b", 5, appendTag("-b"))
	h.Register("render", "failing", 7, func(context.Context, any) (any, error) { return nil, errors.New("nope") })

	out, results, err := h.Execute(context.Background(), "render", "doc", ExecOptions{Mode: ModeSerial})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "doc-high-a-b-low" {
		t.Fatalf("unexpected chained output %v", out)
	}
	if len(results) != 5 || results[1].Owner != "failing" || results[1].Err == nil {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestHookTimeoutDoesNotBlockOthers(t *testing.T) {
	h := NewHooks()
	release := make(chan struct{})
	defer close(release)
	h.Register("save", "slow", 5, func(ctx context.Context, _ any) (any, error) {
		select {
		case <-release:
		case <-time.After(time.Minute):
		}
		return "late", nil
	})
	var mu sync.Mutex
	ran := 0
	h.Register("save", "fast", 1, func(context.Context, any) (any, error) {
		mu.Lock()
		ran++
		mu.Unlock()
		return "ok", nil
	})

	for _, mode := range []Mode{ModeSerial, ModeParallel} {
		start := time.Now()
		_, results, err := h.Execute(context.Background(), "save", nil, ExecOptions{Mode: mode, Timeout: 30 * time.Millisecond})
		if err != nil {
			t.Fatalf("%s execute: %v", mode, err)
		}
		if time.Since(start) > 2*time.Second {
			t.Fatalf("%s: timeout not enforced", mode)
		}
		if xerrors.CodeOf(results[0].Err) != xerrors.CodeHookTimeout {
			t.Fatalf("%s: expected hook timeout, got %v", mode, results[0].Err)
		}
		if results[1].Value != "ok" {
			t.Fatalf("%s: fast hook should still run, got %+v", mode, results[1])
		}
	}
	if ran != 2 {
		t.Fatalf("fast hook should have run twice, ran %d", ran)
	}
}

func TestRemoveOwnerDropsHooks(t *testing.T) {
	h := NewHooks()
	h.Register("a", "p1", 0, func(context.Context, any) (any, error) { return nil, nil })
	remove := h.Register("a", "p2", 0, func(context.Context, any) (any, error) { return nil, nil })
	if h.RemoveOwner("p1") != 1 || h.Count("a") != 1 {
		t.Fatalf("p1 hook should be removed")
	}
	remove()
	if h.Count("a") != 0 {
		t.Fatalf("remove func should drop p2 hook")
	}
}

type fakeChannel struct {
	mu   sync.Mutex
	msgs []amqp.Publishing
	keys []string
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPBridgeForwardsPrefixedEvents(t *testing.T) {
	ch := &fakeChannel{}
	bridge := &AMQPBridge{ch: ch, exchange: "events", prefix: "plugin:"}
	b := New(0)
	bridge.Attach(b)

	b.Publish(context.Background(), "plugin:registered", "p1", map[string]string{"version": "1.0.0"})
	b.Publish(context.Background(), "doc:saved", "host", nil)

	if len(ch.msgs) != 1 || ch.keys[0] != "plugin:registered" {
		t.Fatalf("expected one forwarded message, got %v", ch.keys)
	}
	var ev Event
	if err := json.Unmarshal(ch.msgs[0].Body, &ev); err != nil || ev.Source != "p1" {
		t.Fatalf("unexpected body %s (%v)", ch.msgs[0].Body, err)
	}
	if err := bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b.Publish(context.Background(), "plugin:unregistered", "p1", nil)
	if len(ch.msgs) != 1 {
		t.Fatalf("closed bridge must not forward")
	}
}
