package script

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind the
// common surface the shared dispatch code needs. Both engines register the
// same Go hooks and evaluate the same runtime JS.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// RegisterFunc registers fn as a global JavaScript function. Supported
	// shapes: func(string, string) (string, error) — on error the JS wrapper
	// throws instead of returning.
	RegisterFunc(name string, fn func(string, string) (string, error)) error

	// SetGlobal sets a global string variable on the JS context.
	SetGlobal(name, value string) error

	// RunMicrotasks pumps the engine's microtask queue (Promise callbacks).
	RunMicrotasks()
}
