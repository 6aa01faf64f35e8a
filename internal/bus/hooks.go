package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/logger"
)

// DefaultHookTimeout bounds each callback when ExecOptions.Timeout is zero.
const DefaultHookTimeout = 5 * time.Second

// Mode selects how callbacks of one hook run.
type Mode string

const (
	// ModeSerial runs callbacks by descending priority, threading each output into the next.
	ModeSerial Mode = "serial"
	// ModeParallel runs every callback concurrently with the original payload.
	ModeParallel Mode = "parallel"
)

// HookFunc is a hook callback.
type HookFunc func(ctx context.Context, payload any) (any, error)

// ExecOptions configures Execute.
type ExecOptions struct {
	Mode    Mode
	Timeout time.Duration
}

// HookResult is the outcome of one callback.
type HookResult struct {
	Owner    string        `json:"owner"`
	Priority int           `json:"priority"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Elapsed  time.Duration `json:"elapsed"`
}

type hook struct {
	id       uint64
	owner    string
	priority int
	fn       HookFunc
}

// Hooks is the registry of named extension points.
type Hooks struct {
	mu     sync.RWMutex
	hooks  map[string][]hook
	nextID uint64
	log    *slog.Logger
}

// NewHooks returns an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{hooks: make(map[string][]hook), log: logger.Named("hooks")}
}

// Register adds fn to name. Higher priority runs first; ties keep registration order.
func (h *Hooks) Register(name, owner string, priority int, fn HookFunc) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	list := append(h.hooks[name], hook{id: id, owner: owner, priority: priority, fn: fn})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	h.hooks[name] = list
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.hooks[name]
		for i, hk := range list {
			if hk.id == id {
				h.hooks[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// RemoveOwner drops every callback registered by owner.
func (h *Hooks) RemoveOwner(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for name, list := range h.hooks {
		kept := list[:0:0]
		for _, hk := range list {
			if hk.owner == owner {
				removed++
				continue
			}
			kept = append(kept, hk)
		}
		h.hooks[name] = kept
	}
	return removed
}

// Count returns the number of callbacks registered on name.
func (h *Hooks) Count(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks[name])
}

// Execute runs the callbacks of name. Each callback is bounded by opts.Timeout; a
// callback that overruns yields a HOOK_TIMEOUT result. Results are in priority order.
// In serial mode the final payload is returned alongside the results.
func (h *Hooks) Execute(ctx context.Context, name string, payload any, opts ExecOptions) (any, []HookResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHookTimeout
	}
	h.mu.RLock()
	list := append([]hook(nil), h.hooks[name]...)
	h.mu.RUnlock()

	results := make([]HookResult, len(list))
	if opts.Mode == ModeParallel {
		var g errgroup.Group
		for i, hk := range list {
			g.Go(func() error {
				results[i] = h.call(ctx, name, hk, payload, opts.Timeout)
				return nil
			})
		}
		_ = g.Wait()
		return payload, results, ctx.Err()
	}

	current := payload
	for i, hk := range list {
		if err := ctx.Err(); err != nil {
			return current, results[:i], err
		}
		results[i] = h.call(ctx, name, hk, current, opts.Timeout)
		if results[i].Err == nil {
			current = results[i].Value
		}
	}
	return current, results, nil
}

func (h *Hooks) call(ctx context.Context, name string, hk hook, payload any, timeout time.Duration) HookResult {
	res := HookResult{Owner: hk.owner, Priority: hk.priority}
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan HookResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- HookResult{Err: fmt.Errorf("hook %s panicked: %v", name, r)}
			}
		}()
		v, err := hk.fn(cctx, payload)
		done <- HookResult{Value: v, Err: err}
	}()

	select {
	case out := <-done:
		res.Value, res.Err = out.Value, out.Err
	case <-cctx.Done():
		res.Err = xerrors.Wrap(xerrors.CodeHookTimeout, cctx.Err(),
			fmt.Sprintf("hook %s callback of %s exceeded %s", name, hk.owner, timeout))
	}
	res.Elapsed = time.Since(start)
	if res.Err != nil {
		h.log.Warn("hook callback failed",
			slog.String("hook", name),
			slog.String("owner", hk.owner),
			slog.Any("error", res.Err),
		)
	}
	return res
}
