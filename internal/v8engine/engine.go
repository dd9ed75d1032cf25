//go:build v8

package v8engine

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/edgehost/internal/script"
	v8 "github.com/tommie/v8go"
)

// Engine is the V8-backed script engine, selected with -tags v8.
type Engine struct {
	cfg script.Config

	mu      sync.Mutex
	workers []*v8Worker
}

// NewEngine creates a V8 engine with the given limits.
func NewEngine(cfg script.Config) *Engine {
	return &Engine{cfg: cfg.WithDefaults()}
}

// v8Worker is one compiled worker: a dedicated isolate and context plus the
// handler metadata discovered at compile time.
type v8Worker struct {
	name       string
	iso        *v8.Isolate
	ctx        *v8.Context
	rt         *v8Runtime
	cfg        script.Config
	named      []string
	hasDefault bool

	mu         sync.Mutex
	dispatcher script.ChannelDispatcher
	logs       []script.LogEntry
	closed     bool
}

var _ script.Backend = (*Engine)(nil)
var _ script.CompiledWorker = (*v8Worker)(nil)

// Compile creates an isolate, installs the runtime and globals, evaluates
// the worker script, and records its entrypoints.
func (e *Engine) Compile(name, source string, globals []script.Global) (script.CompiledWorker, error) {
	var iso *v8.Isolate
	if e.cfg.MemoryLimitMB > 0 {
		heap := uint64(e.cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	w := &v8Worker{name: name, iso: iso, ctx: ctx, rt: &v8Runtime{iso: iso, ctx: ctx}, cfg: e.cfg}

	cleanup := func() {
		ctx.Close()
		iso.Dispose()
	}

	if err := w.setupHooks(); err != nil {
		cleanup()
		return nil, err
	}
	if err := script.InstallRuntime(w.rt); err != nil {
		cleanup()
		return nil, err
	}
	if err := script.InstallGlobals(w.rt, globals); err != nil {
		cleanup()
		return nil, err
	}
	if err := script.LoadScript(w.rt, source); err != nil {
		cleanup()
		return nil, err
	}

	named, hasDefault, err := script.DetectHandlers(w.rt)
	if err != nil {
		cleanup()
		return nil, err
	}
	w.named = named
	w.hasDefault = hasDefault

	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// Shutdown closes every worker this engine created.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.workers {
		w.Close()
	}
	e.workers = nil
}

// setupHooks registers the Go-backed functions the runtime JS calls.
func (w *v8Worker) setupHooks() error {
	err := w.rt.RegisterFunc("__console", func(level, message string) (string, error) {
		w.logs = append(w.logs, script.LogEntry{Level: level, Message: message, Time: time.Now()})
		return "", nil
	})
	if err != nil {
		return fmt.Errorf("registering __console: %w", err)
	}

	err = w.rt.RegisterFunc("__channel_fetch", func(channelStr, reqJSON string) (string, error) {
		if w.dispatcher == nil {
			return "", fmt.Errorf("no subrequest channels available")
		}
		channel, err := strconv.Atoi(channelStr)
		if err != nil {
			return "", fmt.Errorf("invalid channel %q", channelStr)
		}
		return script.DispatchChannelJSON(w.dispatcher, channel, w.cfg.MaxResponseBytes, reqJSON)
	})
	if err != nil {
		return fmt.Errorf("registering __channel_fetch: %w", err)
	}
	return nil
}

func (w *v8Worker) Entrypoints() []string      { return w.named }
func (w *v8Worker) HasDefaultEntrypoint() bool { return w.hasDefault }

// Execute dispatches one fetch event on the worker's isolate.
func (w *v8Worker) Execute(entrypoint string, req *script.Request, channels script.ChannelDispatcher) (result *script.Result) {
	start := time.Now()
	result = &script.Result{}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		result.Error = fmt.Errorf("worker %s is closed", w.name)
		result.Duration = time.Since(start)
		return result
	}

	w.dispatcher = channels
	w.logs = nil
	defer func() {
		w.dispatcher = nil
		result.Logs = w.logs
	}()

	var timedOut atomic.Bool
	deadline := start.Add(w.cfg.ExecutionTimeout)
	watchdog := time.AfterFunc(w.cfg.ExecutionTimeout, func() {
		timedOut.Store(true)
		w.iso.TerminateExecution()
	})
	defer func() {
		watchdog.Stop()
		if r := recover(); r != nil {
			if timedOut.Load() {
				result.Error = fmt.Errorf("worker execution timed out (limit: %v)", w.cfg.ExecutionTimeout)
			} else {
				result.Error = fmt.Errorf("worker panic: %v", r)
			}
		}
		result.Duration = time.Since(start)
	}()

	resp, err := script.ExecuteFetch(w.rt, entrypoint, req, deadline)
	if err != nil {
		if timedOut.Load() {
			result.Error = fmt.Errorf("worker execution timed out (limit: %v)", w.cfg.ExecutionTimeout)
		} else {
			result.Error = err
		}
		return result
	}
	result.Response = resp
	return result
}

// Close disposes of the worker's context and isolate.
func (w *v8Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.ctx.Close()
	w.iso.Dispose()
}
