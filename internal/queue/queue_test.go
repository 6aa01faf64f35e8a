package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenPlugin-Guard/internal/errors"
)

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(_ context.Context, msg Message) error {
	c.mu.Lock()
	c.ids = append(c.ids, msg.ID)
	c.mu.Unlock()
	return nil
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func drain(q *Queue) {
	for q.ProcessOnce(context.Background()) {
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// settle drains q, stepping the clock past every retry delay until nothing is pending.
func settle(q *Queue, c *clock) {
	for {
		drain(q)
		if q.Len() == 0 {
			return
		}
		c.Advance(maxBackoff)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	q := New()
	c := &collector{}
	q.Subscribe("target", c.handle)

	ctx := context.Background()
	for _, m := range []Message{
		{ID: "p1", Priority: 1},
		{ID: "p5", Priority: 5},
		{ID: "p3", Priority: 3},
		{ID: "p3-second", Priority: 3},
	} {
		m.Target = "target"
		if _, err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	drain(q)

	want := []string{"p5", "p3", "p3-second", "p1"}
	got := c.got()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
	if st := q.Stats(); st.Delivered != 4 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestFailedMessageMovesToEndOfBand(t *testing.T) {
	c := newClock()
	q := New(WithClock(c.Now))
	var order []string
	fails := map[string]int{"a": 1}
	q.Subscribe("t", func(_ context.Context, msg Message) error {
		order = append(order, msg.ID)
		if fails[msg.ID] > 0 {
			fails[msg.ID]--
			return errors.New("transient")
		}
		return nil
	})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(ctx, Message{ID: id, Target: "t", Priority: 2}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.Enqueue(ctx, Message{ID: "low", Target: "t", Priority: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.ProcessOnce(ctx)
	snap := q.Snapshot()
	if snap[0].ID != "b" || snap[1].ID != "a" || snap[1].Attempts != 1 || snap[2].ID != "low" {
		t.Fatalf("retried message should sit at the end of its band: %+v", snap)
	}
	drain(q)
	if len(order) != 3 || order[2] != "low" {
		t.Fatalf("retry should wait for its backoff, got %v", order)
	}
	c.Advance(defaultBackoff)
	drain(q)
	if len(order) != 4 || order[3] != "a" {
		t.Fatalf("unexpected delivery order %v", order)
	}
}

func TestDropAfterMaxAttempts(t *testing.T) {
	var dead []Message
	var deadErr error
	c := newClock()
	q := New(WithClock(c.Now), WithDeadLetter(func(m Message, err error) {
		dead = append(dead, m)
		deadErr = err
	}))
	calls := 0
	q.Subscribe("t", func(context.Context, Message) error {
		calls++
		return errors.New("always failing")
	})
	if _, err := q.Enqueue(context.Background(), Message{ID: "m", Target: "t", MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	settle(q, c)

	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("expected one dead letter with 3 attempts, got %+v", dead)
	}
	if xerrors.CodeOf(deadErr) != xerrors.CodeDeliveryExhausted {
		t.Fatalf("unexpected dead letter error %v", deadErr)
	}
	if st := q.Stats(); st.Dropped != 1 || st.Retried != 2 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBroadcastSkipsSourceAndMissingTargetRetries(t *testing.T) {
	c := newClock()
	q := New(WithMaxAttempts(2), WithClock(c.Now))
	a, b, src := &collector{}, &collector{}, &collector{}
	q.Subscribe("a", a.handle)
	q.Subscribe("b", b.handle)
	q.Subscribe("src", src.handle)

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, Message{ID: "all", Source: "src", Target: Broadcast}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Message{ID: "nobody", Target: "ghost"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	settle(q, c)

	if len(a.got()) != 1 || len(b.got()) != 1 || len(src.got()) != 0 {
		t.Fatalf("broadcast should reach a and b only")
	}
	if st := q.Stats(); st.Dropped != 1 {
		t.Fatalf("message without subscriber should be dropped after retries: %+v", st)
	}
	if _, err := q.Enqueue(ctx, Message{ID: "x"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty target must be rejected, got %v", err)
	}
}

func TestRetriesAreSpacedByBackoff(t *testing.T) {
	c := newClock()
	q := New(WithClock(c.Now), WithRetryBackoff(time.Second), WithMaxAttempts(4))
	var at []time.Time
	q.Subscribe("t", func(context.Context, Message) error {
		at = append(at, c.Now())
		return errors.New("target not ready")
	})
	if _, err := q.Enqueue(context.Background(), Message{ID: "m", Target: "t"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	drain(q)
	if len(at) != 1 {
		t.Fatalf("failed message retried immediately: %d attempts", len(at))
	}
	if next := q.Snapshot()[0].NextAttempt; !next.Equal(at[0].Add(time.Second)) {
		t.Fatalf("first retry due at %v, want %v", next, at[0].Add(time.Second))
	}
	c.Advance(999 * time.Millisecond)
	if q.ProcessOnce(context.Background()) {
		t.Fatal("retry ran before its backoff elapsed")
	}
	settle(q, c)

	if len(at) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(at))
	}
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if gap := at[i+1].Sub(at[i]); gap < want {
			t.Fatalf("retry %d came after %v, want at least %v", i+1, gap, want)
		}
	}
}

func TestDueMessagesKeepPriorityOrder(t *testing.T) {
	c := newClock()
	q := New(WithClock(c.Now))
	failed := false
	var order []string
	q.Subscribe("t", func(_ context.Context, msg Message) error {
		order = append(order, msg.ID)
		if msg.ID == "high" && !failed {
			failed = true
			return errors.New("transient")
		}
		return nil
	})
	ctx := context.Background()
	for _, m := range []Message{{ID: "high", Priority: 9}, {ID: "mid", Priority: 5}, {ID: "low", Priority: 1}} {
		m.Target = "t"
		if _, err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.ProcessOnce(ctx)
	q.ProcessOnce(ctx)
	c.Advance(time.Minute)
	drain(q)

	want := []string{"high", "mid", "high", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", order, want)
		}
	}
}

func TestBroadcastRetriesOnlyFailedSubscribers(t *testing.T) {
	c := newClock()
	q := New(WithClock(c.Now))
	ok := &collector{}
	flaky := 0
	q.Subscribe("ok", ok.handle)
	q.Subscribe("flaky", func(context.Context, Message) error {
		flaky++
		if flaky < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if _, err := q.Enqueue(context.Background(), Message{ID: "all", Source: "src", Target: Broadcast}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	settle(q, c)

	if got := ok.got(); len(got) != 1 {
		t.Fatalf("successful subscriber received the broadcast %d times", len(got))
	}
	if flaky != 3 {
		t.Fatalf("failing subscriber should be retried until it succeeds, got %d calls", flaky)
	}
	if st := q.Stats(); st.Delivered != 1 || st.Retried != 2 || st.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRestoreFromJournal(t *testing.T) {
	journal := NewMemoryJournal()
	first := New(WithJournal(journal))
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "new"} {
		msg := Message{ID: id, Target: "t", Priority: 1, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if _, err := first.Enqueue(ctx, msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	second := New(WithJournal(journal))
	n, err := second.Restore(ctx)
	if err != nil || n != 2 {
		t.Fatalf("restore = %d, %v", n, err)
	}
	c := &collector{}
	second.Subscribe("t", c.handle)
	drain(second)
	if got := c.got(); len(got) != 2 || got[0] != "old" {
		t.Fatalf("restored messages should keep FIFO order, got %v", got)
	}
	if left, _ := journal.Load(ctx); len(left) != 0 {
		t.Fatalf("delivered messages should leave the journal, %d remain", len(left))
	}
}

func TestRunDeliversUntilCancelled(t *testing.T) {
	q := New(WithInterval(5 * time.Millisecond))
	delivered := make(chan string, 1)
	q.Subscribe("t", func(_ context.Context, msg Message) error {
		delivered <- msg.ID
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	if _, err := q.Enqueue(context.Background(), Message{ID: "live", Target: "t"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-delivered:
		if id != "live" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run should stop with context error, got %v", err)
	}
}
