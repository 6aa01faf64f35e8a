// Package sandbox hosts one plugin instance in an isolated JavaScript runtime.
//
// Each Sandbox owns a goja runtime that is only ever touched by its worker goroutine.
// Callers talk to the worker by message: an EXECUTE request is answered with either an
// EXECUTION_RESULT or an EXECUTION_ERROR response.
package sandbox

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/permission"
)

// MessageType names the frames exchanged with the worker.
type MessageType string

const (
	MessageExecute         MessageType = "EXECUTE"
	MessageExecutionResult MessageType = "EXECUTION_RESULT"
	MessageExecutionError  MessageType = "EXECUTION_ERROR"
)

// Request asks the worker to call an exported function.
type Request struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id"`
	Function string      `json:"function"`
	Args     []any       `json:"args,omitempty"`
}

// Response is the worker's answer to a Request.
type Response struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	Result any         `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
}

var (
	// ErrTimeout is the interrupt value used when a call overruns its budget.
	ErrTimeout = stdErrors.New("execution timed out")
	// ErrTerminated is the interrupt value used by Terminate.
	ErrTerminated = stdErrors.New("sandbox terminated")
	// ErrNotInitialized is returned before Initialize has run.
	ErrNotInitialized = stdErrors.New("sandbox not initialized")
)

// Config bounds a sandbox.
type Config struct {
	ExecTimeout      time.Duration `yaml:"exec_timeout" json:"exec_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxCallStackSize int           `yaml:"max_call_stack_size" json:"max_call_stack_size"`
}

func (c Config) withDefaults() Config {
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = 512
	}
	return c
}

// Func runs on the worker goroutine with exclusive access to the runtime.
// exports is nil until Evaluate succeeds.
type Func func(vm *goja.Runtime, exports *goja.Object) (any, error)

type job struct {
	fn      Func
	timeout time.Duration
	reply   chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Sandbox is an isolated execution unit for a single plugin instance.
type Sandbox struct {
	id  string
	cfg Config
	log *slog.Logger

	vm      *goja.Runtime
	exports *goja.Object

	jobs chan job
	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	mu         sync.Mutex
	reason     string
	perms      *permission.Set
	prompter   Prompter
	memSampler func() int64

	busy atomic.Int64
}

// New creates a sandbox for pluginID. Call Initialize before use.
func New(pluginID string, cfg Config) *Sandbox {
	return &Sandbox{
		id:    pluginID,
		cfg:   cfg.withDefaults(),
		log:   logger.Named("sandbox").With(slog.String("plugin_id", pluginID)),
		jobs:  make(chan job),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		perms: permission.NewSet(),
	}
}

// ID returns the plugin id.
func (s *Sandbox) ID() string { return s.id }

// Initialize prepares the runtime and starts the worker goroutine.
func (s *Sandbox) Initialize() error {
	s.startOnce.Do(func() {
		vm := goja.New()
		vm.SetMaxCallStackSize(s.cfg.MaxCallStackSize)
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		installGlobals(vm, s.id)
		s.vm = vm
		s.started.Store(true)
		go s.loop()
	})
	if s.Terminated() {
		return xerrors.New(xerrors.CodeSandboxTerminated, s.Reason())
	}
	return nil
}

func (s *Sandbox) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			j.reply <- s.run(j)
		}
	}
}

func (s *Sandbox) run(j job) (res jobResult) {
	if s.Terminated() {
		return jobResult{err: s.terminatedError()}
	}
	start := time.Now()
	var (
		guard    sync.Mutex
		finished bool
		timer    *time.Timer
	)
	if j.timeout > 0 {
		timer = time.AfterFunc(j.timeout, func() {
			guard.Lock()
			defer guard.Unlock()
			if !finished {
				s.vm.Interrupt(ErrTimeout)
			}
		})
	}
	defer func() {
		guard.Lock()
		finished = true
		guard.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if !s.Terminated() {
			s.vm.ClearInterrupt()
		}
		s.busy.Add(int64(time.Since(start)))
		if r := recover(); r != nil {
			res = jobResult{err: xerrors.New(xerrors.CodeExecutionFailed, fmt.Sprintf("plugin %s panicked: %v", s.id, r))}
		}
	}()
	v, err := j.fn(s.vm, s.exports)
	if err != nil {
		err = s.translate(err)
	}
	return jobResult{value: v, err: err}
}

// Do runs fn on the worker goroutine with the configured execution timeout.
func (s *Sandbox) Do(fn Func) (any, error) {
	return s.DoTimeout(s.cfg.ExecTimeout, fn)
}

// DoTimeout runs fn on the worker goroutine. A zero timeout disables the interrupt.
func (s *Sandbox) DoTimeout(timeout time.Duration, fn Func) (any, error) {
	if !s.started.Load() {
		return nil, ErrNotInitialized
	}
	j := job{fn: fn, timeout: timeout, reply: make(chan jobResult, 1)}
	select {
	case s.jobs <- j:
	case <-s.done:
		return nil, s.terminatedError()
	case <-s.quit:
		return nil, s.terminatedError()
	}
	r := <-j.reply
	return r.value, r.err
}

// Post queues fn without waiting for it. Used for callbacks that may originate on the
// worker itself, such as events the plugin emits to its own listeners.
func (s *Sandbox) Post(fn Func) {
	go func() {
		if _, err := s.Do(fn); err != nil && !s.Terminated() {
			s.log.Warn("posted callback failed", slog.Any("error", err))
		}
	}()
}

// Evaluate runs CommonJS-style source and keeps module.exports for later calls.
func (s *Sandbox) Evaluate(code string) (Exports, error) {
	v, err := s.Do(func(vm *goja.Runtime, _ *goja.Object) (any, error) {
		prog, err := goja.Compile(s.id+".js", "(function (module, exports) {\n"+code+"\n})", false)
		if err != nil {
			return nil, err
		}
		wrapper, err := vm.RunProgram(prog)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(wrapper)
		if !ok {
			return nil, stdErrors.New("module wrapper is not callable")
		}
		module := vm.NewObject()
		initial := vm.NewObject()
		if err := module.Set("exports", initial); err != nil {
			return nil, err
		}
		if _, err := fn(goja.Undefined(), module, initial); err != nil {
			return nil, err
		}
		exp := module.Get("exports")
		if exp == nil || goja.IsUndefined(exp) || goja.IsNull(exp) {
			return nil, stdErrors.New("module.exports is empty")
		}
		obj := exp.ToObject(vm)
		s.exports = obj
		return inspect(obj), nil
	})
	if err != nil {
		return Exports{}, err
	}
	return v.(Exports), nil
}

// Execute answers an EXECUTE request by calling an exported function.
func (s *Sandbox) Execute(req Request) Response {
	resp := Response{Type: MessageExecutionResult, ID: req.ID}
	if req.Type != "" && req.Type != MessageExecute {
		resp.Type = MessageExecutionError
		resp.Error = fmt.Sprintf("unsupported message type %s", req.Type)
		return resp
	}
	v, err := s.Do(func(vm *goja.Runtime, exports *goja.Object) (any, error) {
		if exports == nil {
			return nil, stdErrors.New("plugin has no exports")
		}
		fn, ok := goja.AssertFunction(exports.Get(req.Function))
		if !ok {
			return nil, fmt.Errorf("%s is not an exported function", req.Function)
		}
		args := make([]goja.Value, len(req.Args))
		for i, a := range req.Args {
			args[i] = vm.ToValue(a)
		}
		out, err := fn(exports, args...)
		if err != nil {
			return nil, err
		}
		return Settle(out)
	})
	if err != nil {
		resp.Type = MessageExecutionError
		resp.Error = err.Error()
		if coded, ok := xerrors.From(err); ok {
			resp.Error = coded.Message()
			resp.Code = string(coded.Code())
		}
		return resp
	}
	resp.Result = v
	return resp
}

// Settle exports a call result, resolving promises that already settled.
func Settle(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return Settle(p.Result())
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("promise rejected: %s", p.Result().String())
		default:
			return nil, stdErrors.New("promise did not settle")
		}
	}
	return v.Export(), nil
}

// Terminate stops the worker immediately. It is safe to call more than once.
func (s *Sandbox) Terminate(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		if s.vm != nil {
			s.vm.Interrupt(ErrTerminated)
		}
		close(s.quit)
		logger.AuditPlugin(s.id).Info("sandbox terminated", slog.String("reason", reason))
	})
}

// Terminated reports whether Terminate has been called.
func (s *Sandbox) Terminated() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Reason returns the termination reason.
func (s *Sandbox) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the worker goroutine has exited.
func (s *Sandbox) Done() <-chan struct{} { return s.done }

func (s *Sandbox) terminatedError() error {
	return xerrors.New(xerrors.CodeSandboxTerminated, fmt.Sprintf("sandbox for %s terminated: %s", s.id, s.Reason()))
}

func (s *Sandbox) translate(err error) error {
	var interrupted *goja.InterruptedError
	if stdErrors.As(err, &interrupted) {
		switch interrupted.Value() {
		case ErrTimeout:
			return xerrors.Wrap(xerrors.CodeTimeout, ErrTimeout, fmt.Sprintf("plugin %s exceeded %s", s.id, s.cfg.ExecTimeout))
		case ErrTerminated:
			return s.terminatedError()
		}
	}
	var ex *goja.Exception
	if stdErrors.As(err, &ex) {
		// Host errors rethrown by plugin code keep their code.
		if coded, ok := xerrors.From(ex.Unwrap()); ok {
			return coded
		}
		return xerrors.Wrap(xerrors.CodeExecutionFailed, err, ex.Value().String())
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeExecutionFailed, err, strings.TrimSpace(err.Error()))
}
