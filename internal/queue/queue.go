// Package queue 实现插件间带优先级与重试的消息队列。
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/observability/metrics"
	"OpenPlugin-Guard/pkg/logger"
)

// Broadcast 作为目标时投递给除发送方外的所有订阅者。
const Broadcast = "*"

const (
	defaultMaxAttempts = 3
	defaultInterval    = 100 * time.Millisecond
	defaultTimeout     = 5 * time.Second
	defaultBackoff     = 200 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// Message 描述一条插件间消息。NextAttempt 是失败后允许再次投递的最早时间；
// DeliveredTo 记录广播已成功送达的订阅者，重试时跳过。
type Message struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Type        string     `json:"type"`
	Payload     any        `json:"payload,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	NextAttempt time.Time  `json:"nextAttempt,omitzero"`
	DeliveredTo []string   `json:"deliveredTo,omitempty"`

	seq uint64
}

// Handler 处理投递给某个插件的消息。
type Handler func(ctx context.Context, msg Message) error

// DeadLetterFunc 在消息重试耗尽后被调用。
type DeadLetterFunc func(msg Message, err error)

// Stats 汇总队列状态。
type Stats struct {
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
}

// Queue 按优先级从高到低、同优先级先进先出的顺序投递消息。
type Queue struct {
	mu        sync.Mutex
	pending   []*Message
	subs      map[string]Handler
	seq       uint64
	delivered uint64
	retried   uint64
	dropped   uint64

	journal     Journal
	onDead      DeadLetterFunc
	interval    time.Duration
	timeout     time.Duration
	backoff     time.Duration
	maxAttempts int
	now         func() time.Time
	wake        chan struct{}
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Queue)

// WithJournal 配置持久化日志，用于进程重启后恢复未投递消息。
func WithJournal(j Journal) Option {
	return func(q *Queue) {
		if j != nil {
			q.journal = j
		}
	}
}

// WithDeadLetter 配置重试耗尽回调。
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(q *Queue) { q.onDead = fn }
}

// WithInterval 设置投递循环的轮询间隔。
func WithInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithDeliveryTimeout 设置单次投递的超时时间。
func WithDeliveryTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithRetryBackoff 设置首次重试前的等待时间，之后每次失败翻倍，上限 30 秒。
func WithRetryBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// WithClock 替换时间源，用于测试重试间隔。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxAttempts 设置默认最大投递次数。
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// New 构造消息队列。
func New(opts ...Option) *Queue {
	q := &Queue{
		subs:        make(map[string]Handler),
		journal:     NewMemoryJournal(),
		interval:    defaultInterval,
		timeout:     defaultTimeout,
		backoff:     defaultBackoff,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		log:         logger.Named("queue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Subscribe 为插件注册消息处理函数，同一插件重复订阅会覆盖旧的处理函数。
func (q *Queue) Subscribe(pluginID string, h Handler) func() {
	q.mu.Lock()
	q.subs[pluginID] = h
	q.mu.Unlock()
	q.signal()
	return func() { q.Unsubscribe(pluginID) }
}

// Unsubscribe 移除插件的处理函数。
func (q *Queue) Unsubscribe(pluginID string) {
	q.mu.Lock()
	delete(q.subs, pluginID)
	q.mu.Unlock()
}

// Enqueue 写入一条消息并返回补全字段后的副本。
func (q *Queue) Enqueue(ctx context.Context, msg Message) (Message, error) {
	if msg.Target == "" {
		return Message{}, xerrors.New(xerrors.CodeInvalidArgument, "message target cannot be empty")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = q.now().UTC()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.maxAttempts
	}
	if err := q.journal.Save(ctx, msg); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "persist message")
	}
	q.mu.Lock()
	q.insertLocked(&msg)
	q.mu.Unlock()
	q.signal()
	return msg, nil
}

// insertLocked 将消息放到同优先级区间的末尾。
func (q *Queue) insertLocked(m *Message) {
	q.seq++
	m.seq = q.seq
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < m.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = m
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run 运行投递循环，直到 ctx 结束。
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		for q.ProcessOnce(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// ProcessOnce 投递第一条已到重试时间的消息，没有可投递的消息时返回 false。
// 失败的消息计数加一并按指数退避推迟，回到同优先级末尾，达到上限后丢弃。
func (q *Queue) ProcessOnce(ctx context.Context) bool {
	q.mu.Lock()
	msg := q.takeDueLocked(q.now())
	if msg == nil {
		q.mu.Unlock()
		return false
	}
	handlers := q.targetsLocked(msg)
	q.mu.Unlock()

	err := q.deliver(ctx, msg, handlers)
	if err == nil {
		now := q.now().UTC()
		msg.DeliveredAt = &now
		q.mu.Lock()
		q.delivered++
		q.mu.Unlock()
		metrics.ObserveQueueDelivery("delivered")
		if jerr := q.journal.Delete(ctx, msg.ID); jerr != nil {
			q.log.Warn("remove delivered message from journal failed", slog.String("message_id", msg.ID), slog.Any("error", jerr))
		}
		return true
	}

	msg.Attempts++
	if msg.Attempts >= msg.MaxAttempts {
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		metrics.ObserveQueueDelivery("dropped")
		_ = q.journal.Delete(ctx, msg.ID)
		exhausted := xerrors.Wrap(xerrors.CodeDeliveryExhausted, err,
			fmt.Sprintf("message %s to %s dropped after %d attempts", msg.ID, msg.Target, msg.Attempts))
		logger.Audit().Warn("message dropped",
			slog.String("message_id", msg.ID),
			slog.String("source", msg.Source),
			slog.String("target", msg.Target),
			slog.Int("attempts", msg.Attempts),
			slog.Any("error", err),
		)
		if q.onDead != nil {
			q.onDead(*msg, exhausted)
		}
		return true
	}

	msg.NextAttempt = q.now().Add(q.delay(msg.Attempts))
	q.mu.Lock()
	q.retried++
	q.insertLocked(msg)
	q.mu.Unlock()
	metrics.ObserveQueueDelivery("retried")
	if jerr := q.journal.Save(ctx, *msg); jerr != nil {
		q.log.Warn("persist retried message failed", slog.String("message_id", msg.ID), slog.Any("error", jerr))
	}
	return true
}

// takeDueLocked 移除并返回按优先级、FIFO 顺序第一条到期的消息。
func (q *Queue) takeDueLocked(now time.Time) *Message {
	for i, m := range q.pending {
		if m.NextAttempt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return m
	}
	return nil
}

// delay 返回第 attempts 次失败后的等待时间。
func (q *Queue) delay(attempts int) time.Duration {
	d := q.backoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func (q *Queue) targetsLocked(msg *Message) map[string]Handler {
	out := make(map[string]Handler)
	if msg.Target == Broadcast {
		for id, h := range q.subs {
			if id != msg.Source {
				out[id] = h
			}
		}
		return out
	}
	if h, ok := q.subs[msg.Target]; ok {
		out[msg.Target] = h
	}
	return out
}

// deliver 调用尚未收到消息的订阅者，成功的订阅者记入 DeliveredTo。
func (q *Queue) deliver(ctx context.Context, msg *Message, handlers map[string]Handler) error {
	ids := make([]string, 0, len(handlers))
	for id := range handlers {
		if !slices.Contains(msg.DeliveredTo, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		if len(msg.DeliveredTo) > 0 {
			return nil
		}
		return fmt.Errorf("no subscriber for target %s", msg.Target)
	}
	sort.Strings(ids)
	var failed []string
	for _, id := range ids {
		if err := q.invoke(ctx, handlers[id], *msg); err != nil {
			q.log.Debug("message handler failed",
				slog.String("message_id", msg.ID),
				slog.String("subscriber", id),
				slog.Any("error", err),
			)
			failed = append(failed, id)
			continue
		}
		if msg.Target == Broadcast {
			msg.DeliveredTo = append(msg.DeliveredTo, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("delivery failed for %v", failed)
	}
	return nil
}

func (q *Queue) invoke(ctx context.Context, h Handler, msg Message) (err error) {
	dctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(dctx, msg)
}

// Len 返回待投递消息数。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot 按投递顺序返回待投递消息的副本。
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.pending))
	for i, m := range q.pending {
		out[i] = *m
		out[i].DeliveredTo = slices.Clone(m.DeliveredTo)
	}
	return out
}

// Stats 返回队列统计。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Delivered: q.delivered, Retried: q.retried, Dropped: q.dropped}
}

// ClearQueue 丢弃所有待投递消息。
func (q *Queue) ClearQueue(ctx context.Context) error {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	var firstErr error
	for _, m := range pending {
		if err := q.journal.Delete(ctx, m.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Restore 从持久化日志中恢复未投递的消息。
func (q *Queue) Restore(ctx context.Context) (int, error) {
	msgs, err := q.journal.Load(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "load journal")
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	q.mu.Lock()
	for i := range msgs {
		m := msgs[i]
		q.insertLocked(&m)
	}
	q.mu.Unlock()
	if len(msgs) > 0 {
		q.signal()
	}
	return len(msgs), nil
}
