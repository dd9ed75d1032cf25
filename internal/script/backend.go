package script

// ChannelDispatcher routes a subrequest from a running script back into the
// host. Channel numbers index the worker's subrequest channel table;
// channels 0 and 1 are the global outbound.
type ChannelDispatcher interface {
	DispatchChannel(channel int, req *Request) (*Response, error)
}

// CompiledWorker is a script compiled and validated by a Backend. One
// CompiledWorker serves many requests; Execute is safe for concurrent use
// (backends serialize internally where the engine requires it).
type CompiledWorker interface {
	// Entrypoints lists the named exports that advertise a fetch handler.
	Entrypoints() []string

	// HasDefaultEntrypoint reports whether the script has a default fetch
	// handler.
	HasDefaultEntrypoint() bool

	// Execute dispatches one fetch event. entrypoint is empty for the
	// default entrypoint. channels receives any subrequests the script
	// issues during the dispatch.
	Execute(entrypoint string, req *Request, channels ChannelDispatcher) *Result

	// Close releases the worker's engine resources.
	Close()
}

// Backend is the interface a script engine implementation (QuickJS, V8)
// must satisfy. The host selects one at build time.
type Backend interface {
	// Compile loads source (a single self-contained script; module workers
	// are bundled before they get here) with the given globals and returns
	// the compiled worker.
	Compile(name, source string, globals []Global) (CompiledWorker, error)

	// Shutdown disposes of all engine resources.
	Shutdown()
}
