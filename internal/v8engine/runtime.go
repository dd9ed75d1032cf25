//go:build v8

package v8engine

import (
	"fmt"

	"github.com/cryguy/edgehost/internal/script"
	v8 "github.com/tommie/v8go"
)

// v8Runtime implements script.JSRuntime for the V8 engine.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ script.JSRuntime = (*v8Runtime)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// RegisterFunc registers a Go function as a global JavaScript function. On
// error the function throws the string "calling NAME: <error>" into the isolate.
func (r *v8Runtime) RegisterFunc(name string, fn func(string, string) (string, error)) error {
	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		var a, b string
		if len(args) > 0 {
			a = args[0].String()
		}
		if len(args) > 1 {
			b = args[1].String()
		}
		out, err := fn(a, b)
		if err != nil {
			msg, _ := v8.NewValue(r.iso, fmt.Sprintf("calling %s: %s", name, err.Error()))
			r.iso.ThrowException(msg)
			return nil
		}
		val, verr := v8.NewValue(r.iso, out)
		if verr != nil {
			return nil
		}
		return val
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// SetGlobal sets a global string property on the context.
func (r *v8Runtime) SetGlobal(name, value string) error {
	val, err := v8.NewValue(r.iso, value)
	if err != nil {
		return fmt.Errorf("creating value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, val)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}
