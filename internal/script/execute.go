package script

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// envBuilderJS materializes the env object from the JSON binding spec the
// host produces. Channel-backed bindings close over their channel number and
// route through __env_fetch.
const envBuilderJS = `
globalThis.__build_env = function(specJson) {
	var spec = JSON.parse(specJson);
	var env = {};

	function b64ToBytes(b64) {
		var s = __b64decode(b64);
		var buf = new Uint8Array(s.length);
		for (var i = 0; i < s.length; i++) buf[i] = s.charCodeAt(i);
		return buf;
	}

	function fetcher(channel) {
		return { fetch: function(input, init) { return __env_fetch(channel, input, init); } };
	}

	function kvNamespace(channel) {
		function keyURL(key) { return 'https://fake-host/' + encodeURIComponent(key); }
		return {
			get: function(key) {
				return __env_fetch(channel, keyURL(key)).then(function(r) {
					if (r.status === 404) return null;
					return r.text();
				});
			},
			put: function(key, value) {
				return __env_fetch(channel, keyURL(key), {method: 'PUT', body: value}).then(function() {});
			},
			delete: function(key) {
				return __env_fetch(channel, keyURL(key), {method: 'DELETE'}).then(function() {});
			},
			fetch: function(input, init) { return __env_fetch(channel, input, init); }
		};
	}

	function r2Bucket(channel) {
		function keyURL(key) { return 'https://fake-host/' + encodeURIComponent(key); }
		return {
			get: function(key) {
				return __env_fetch(channel, keyURL(key)).then(function(r) {
					if (r.status === 404) return null;
					return r;
				});
			},
			head: function(key) {
				return __env_fetch(channel, keyURL(key), {method: 'HEAD'}).then(function(r) {
					if (r.status === 404) return null;
					return r;
				});
			},
			put: function(key, value) {
				return __env_fetch(channel, keyURL(key), {method: 'PUT', body: value});
			},
			delete: function(key) {
				return __env_fetch(channel, keyURL(key), {method: 'DELETE'}).then(function() {});
			},
			fetch: function(input, init) { return __env_fetch(channel, input, init); }
		};
	}

	for (var i = 0; i < spec.length; i++) {
		var g = spec[i];
		switch (g.kind) {
		case 'text': env[g.name] = g.text; break;
		case 'json': env[g.name] = JSON.parse(g.json); break;
		case 'data': env[g.name] = b64ToBytes(g.dataB64); break;
		case 'wasmModule': env[g.name] = b64ToBytes(g.dataB64); break;
		case 'cryptoKey':
			env[g.name] = {
				format: g.cryptoKey.format,
				algorithm: JSON.parse(g.cryptoKey.algorithm),
				extractable: !!g.cryptoKey.extractable,
				usages: g.cryptoKey.usages || []
			};
			if (g.cryptoKey.keyDataB64) env[g.name].keyData = b64ToBytes(g.cryptoKey.keyDataB64);
			if (g.cryptoKey.keyJSON) env[g.name].keyData = JSON.parse(g.cryptoKey.keyJSON);
			break;
		case 'fetcher': env[g.name] = fetcher(g.channel); break;
		case 'kvNamespace': env[g.name] = kvNamespace(g.channel); break;
		case 'r2Bucket': env[g.name] = r2Bucket(g.channel); break;
		case 'r2Admin': env[g.name] = r2Bucket(g.channel); break;
		}
	}
	globalThis.__env = env;
};
`

// InstallRuntime evaluates the shared runtime JS into a fresh VM. Call once
// per VM, after the Go hooks (__console, __channel_fetch) are registered.
func InstallRuntime(rt JSRuntime) error {
	if err := rt.Eval(runtimeJS); err != nil {
		return fmt.Errorf("installing runtime JS: %w", err)
	}
	if err := rt.Eval(envBuilderJS); err != nil {
		return fmt.Errorf("installing env builder: %w", err)
	}
	return nil
}

type globalSpec struct {
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Text      string          `json:"text,omitempty"`
	JSON      json.RawMessage `json:"json,omitempty"`
	DataB64   string          `json:"dataB64,omitempty"`
	Channel   int             `json:"channel,omitempty"`
	CryptoKey *cryptoKeySpec  `json:"cryptoKey,omitempty"`
}

type cryptoKeySpec struct {
	Format      string          `json:"format"`
	KeyDataB64  string          `json:"keyDataB64,omitempty"`
	KeyJSON     json.RawMessage `json:"keyJSON,omitempty"`
	Algorithm   json.RawMessage `json:"algorithm"`
	Extractable bool            `json:"extractable"`
	Usages      []string        `json:"usages,omitempty"`
}

var globalKindNames = map[GlobalKind]string{
	GlobalText:        "text",
	GlobalData:        "data",
	GlobalJSON:        "json",
	GlobalWasmModule:  "wasmModule",
	GlobalCryptoKey:   "cryptoKey",
	GlobalFetcher:     "fetcher",
	GlobalKVNamespace: "kvNamespace",
	GlobalR2Bucket:    "r2Bucket",
	GlobalR2Admin:     "r2Admin",
}

// InstallGlobals materializes the binding list as the worker's env object.
func InstallGlobals(rt JSRuntime, globals []Global) error {
	specs := make([]globalSpec, 0, len(globals))
	for _, g := range globals {
		spec := globalSpec{Name: g.Name, Kind: globalKindNames[g.Kind], Channel: g.Channel}
		switch g.Kind {
		case GlobalText:
			spec.Text = g.Text
		case GlobalJSON:
			spec.JSON = json.RawMessage(g.JSON)
		case GlobalData, GlobalWasmModule:
			spec.DataB64 = base64.StdEncoding.EncodeToString(g.Data)
		case GlobalCryptoKey:
			key := g.CryptoKey
			spec.CryptoKey = &cryptoKeySpec{
				Format:      key.Format,
				Algorithm:   json.RawMessage(key.AlgorithmJSON),
				Extractable: key.Extractable,
				Usages:      key.Usages,
			}
			if key.KeyJSON != "" {
				spec.CryptoKey.KeyJSON = json.RawMessage(key.KeyJSON)
			} else {
				spec.CryptoKey.KeyDataB64 = base64.StdEncoding.EncodeToString(key.KeyData)
			}
		}
		specs = append(specs, spec)
	}

	payload, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encoding binding spec: %w", err)
	}
	if err := rt.SetGlobal("__env_spec", string(payload)); err != nil {
		return fmt.Errorf("setting binding spec: %w", err)
	}
	if err := rt.Eval("__build_env(globalThis.__env_spec); delete globalThis.__env_spec;"); err != nil {
		return fmt.Errorf("building env: %w", err)
	}
	return nil
}

// LoadScript evaluates the worker script. Module workers arrive pre-bundled
// as an IIFE that assigns globalThis.__worker_module__; service-worker
// scripts register through the addEventListener shim.
func LoadScript(rt JSRuntime, source string) error {
	if err := rt.Eval(source); err != nil {
		return fmt.Errorf("evaluating worker script: %w", err)
	}
	rt.RunMicrotasks()
	return nil
}

// DetectHandlers inspects the loaded module for its default and named fetch
// handlers.
func DetectHandlers(rt JSRuntime) (named []string, hasDefault bool, err error) {
	raw, err := rt.EvalString("__entrypoints()")
	if err != nil {
		return nil, false, fmt.Errorf("inspecting entrypoints: %w", err)
	}
	var result struct {
		Named      []string `json:"named"`
		HasDefault bool     `json:"hasDefault"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("parsing entrypoints: %w", err)
	}
	return result.Named, result.HasDefault, nil
}

type wireResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	BodyB64    string            `json:"bodyB64"`
}

// ExecuteFetch dispatches one fetch event and awaits the response by pumping
// the engine's microtask queue until the dispatch promise settles or the
// deadline passes. waitUntil work is drained best-effort before returning.
func ExecuteFetch(rt JSRuntime, entrypoint string, req *Request, deadline time.Time) (*Response, error) {
	payload, err := json.Marshal(map[string]any{
		"method":  req.Method,
		"url":     req.URL,
		"headers": req.Headers,
		"bodyB64": base64.StdEncoding.EncodeToString(req.Body),
		"cf":      req.CfBlobJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := rt.SetGlobal("__req_json", string(payload)); err != nil {
		return nil, fmt.Errorf("setting request: %w", err)
	}
	if err := rt.SetGlobal("__req_entrypoint", entrypoint); err != nil {
		return nil, fmt.Errorf("setting entrypoint: %w", err)
	}

	err = rt.Eval(`
		delete globalThis.__dispatch_state;
		delete globalThis.__dispatch_result;
		(function() {
			var p;
			try {
				p = __dispatch(globalThis.__req_entrypoint, globalThis.__req_json);
			} catch (e) {
				globalThis.__dispatch_result = String(e && e.message || e);
				globalThis.__dispatch_state = 'rejected';
				return;
			}
			p.then(
				function(r) { globalThis.__dispatch_result = r; globalThis.__dispatch_state = 'fulfilled'; },
				function(e) { globalThis.__dispatch_result = String(e && e.message || e); globalThis.__dispatch_state = 'rejected'; }
			);
		})();
	`)
	if err != nil {
		return nil, fmt.Errorf("invoking worker fetch: %w", err)
	}

	state, err := awaitGlobal(rt, "__dispatch_state", deadline)
	if err != nil {
		return nil, err
	}
	if state == "rejected" {
		msg, _ := rt.EvalString("String(globalThis.__dispatch_result)")
		return nil, fmt.Errorf("worker fetch failed: %s", msg)
	}

	raw, err := rt.EvalString("__serialize_response()")
	if err != nil {
		return nil, fmt.Errorf("converting worker response: %w", err)
	}
	var wire wireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("parsing worker response: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(wire.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding worker response body: %w", err)
	}

	drainWaitUntil(rt, deadline)

	return &Response{
		StatusCode: wire.Status,
		StatusText: wire.StatusText,
		Headers:    wire.Headers,
		Body:       body,
	}, nil
}

// awaitGlobal pumps microtasks until the named global is defined, returning
// its string value.
func awaitGlobal(rt JSRuntime, name string, deadline time.Time) (string, error) {
	expr := fmt.Sprintf("String(globalThis.%s)", name)
	for {
		rt.RunMicrotasks()
		state, err := rt.EvalString(expr)
		if err != nil {
			return "", fmt.Errorf("awaiting %s: %w", name, err)
		}
		if state != "undefined" {
			return state, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("worker execution timed out awaiting %s", name)
		}
		time.Sleep(time.Millisecond)
	}
}

// drainWaitUntil runs any waitUntil promises to completion, best effort.
// Failures here never affect the already-produced response.
func drainWaitUntil(rt JSRuntime, deadline time.Time) {
	err := rt.Eval(`
		delete globalThis.__waituntil_state;
		Promise.all(globalThis.__waitUntil || []).then(
			function() { globalThis.__waituntil_state = 'done'; },
			function() { globalThis.__waituntil_state = 'done'; }
		);
		globalThis.__waitUntil = [];
	`)
	if err != nil {
		return
	}
	_, _ = awaitGlobal(rt, "__waituntil_state", deadline)
}
