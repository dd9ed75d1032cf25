//go:build !v8

package quickjs

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/edgehost/internal/script"
	"modernc.org/quickjs"
)

// Engine is the QuickJS-backed script engine.
type Engine struct {
	cfg script.Config

	mu      sync.Mutex
	workers []*qjsWorker
}

// NewEngine creates a QuickJS engine with the given limits.
func NewEngine(cfg script.Config) *Engine {
	return &Engine{cfg: cfg.WithDefaults()}
}

// qjsWorker is one compiled worker: a dedicated VM plus the handler metadata
// discovered at compile time. Execute serializes on mu — a QuickJS VM is
// single-threaded.
type qjsWorker struct {
	name       string
	vm         *quickjs.VM
	rt         *qjsRuntime
	cfg        script.Config
	named      []string
	hasDefault bool

	mu         sync.Mutex
	dispatcher script.ChannelDispatcher
	logs       []script.LogEntry
	closed     bool
}

var _ script.Backend = (*Engine)(nil)
var _ script.CompiledWorker = (*qjsWorker)(nil)

// Compile creates a VM, installs the runtime and globals, evaluates the
// worker script, and records its entrypoints.
func (e *Engine) Compile(name, source string, globals []script.Global) (script.CompiledWorker, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}
	if e.cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(e.cfg.MemoryLimitMB) * 1024 * 1024)
	}

	w := &qjsWorker{name: name, vm: vm, rt: &qjsRuntime{vm: vm}, cfg: e.cfg}

	if err := w.setupHooks(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := script.InstallRuntime(w.rt); err != nil {
		vm.Close()
		return nil, err
	}
	if err := script.InstallGlobals(w.rt, globals); err != nil {
		vm.Close()
		return nil, err
	}
	if err := script.LoadScript(w.rt, source); err != nil {
		vm.Close()
		return nil, err
	}

	named, hasDefault, err := script.DetectHandlers(w.rt)
	if err != nil {
		vm.Close()
		return nil, err
	}
	w.named = named
	w.hasDefault = hasDefault

	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

// Shutdown closes every worker VM this engine created.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.workers {
		w.Close()
	}
	e.workers = nil
}

// setupHooks registers the Go-backed functions the runtime JS calls.
func (w *qjsWorker) setupHooks() error {
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

func (w *qjsWorker) Entrypoints() []string      { return w.named }
func (w *qjsWorker) HasDefaultEntrypoint() bool { return w.hasDefault }

// Execute dispatches one fetch event on the worker's VM.
func (w *qjsWorker) Execute(entrypoint string, req *script.Request, channels script.ChannelDispatcher) (result *script.Result) {
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
		w.vm.Interrupt()
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

// Close disposes of the worker's VM.
func (w *qjsWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.vm.Close()
}
