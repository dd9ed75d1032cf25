package edgehost

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/edgehost/internal/script"
)

// WorkerService serves requests by dispatching fetch events to a compiled
// script. It also acts as the script's subrequest channel factory: channel
// numbers index the channels slice, and channels 0 and 1 both alias the
// configured global outbound. (The difference between the two is a legacy
// artifact that nothing should depend on.)
type WorkerService struct {
	name        string
	worker      script.CompiledWorker
	channels    []Service
	entrypoints map[string]struct{}
	hasDefault  bool
	log         *slog.Logger
}

var _ Service = (*WorkerService)(nil)
var _ script.ChannelDispatcher = (*WorkerService)(nil)

// HasEntrypoint reports whether the worker exports a named entrypoint with a
// fetch handler.
func (ws *WorkerService) HasEntrypoint(name string) bool {
	_, ok := ws.entrypoints[name]
	return ok
}

// StartRequest starts a request on the default entrypoint.
func (ws *WorkerService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	return ws.startRequest(metadata, "")
}

func (ws *WorkerService) startRequest(metadata SubrequestMetadata, entrypoint string) WorkerInterface {
	return &workerEntrypoint{
		service:    ws,
		entrypoint: entrypoint,
		cfBlobJSON: metadata.CfBlobJSON,
	}
}

// DispatchChannel routes a script subrequest to the service bound at the
// given channel. Out-of-range channels indicate a bug in binding
// materialization, not bad input, so they panic.
func (ws *WorkerService) DispatchChannel(channel int, req *script.Request) (*script.Response, error) {
	if channel >= len(ws.channels) {
		panic(fmt.Sprintf("invalid subrequest channel number %d", channel))
	}
	svc := ws.channels[channel]

	wi := svc.StartRequest(SubrequestMetadata{CfBlobJSON: req.CfBlobJSON})
	rec := newResponseRecorder()
	headers := make(http.Header, len(req.Headers))
	for name, value := range req.Headers {
		headers.Set(name, value)
	}

	err := wi.Request(context.Background(), req.Method, req.URL, headers, strings.NewReader(string(req.Body)), rec)
	if err != nil {
		return nil, err
	}
	if !rec.sent {
		return nil, errors.New("subrequest produced no response")
	}

	respHeaders := make(map[string]string, len(rec.headers))
	for name, vals := range rec.headers {
		respHeaders[strings.ToLower(name)] = strings.Join(vals, ", ")
	}
	return &script.Response{
		StatusCode: rec.status,
		StatusText: rec.statusText,
		Headers:    respHeaders,
		Body:       rec.body.Bytes(),
	}, nil
}

// Channel classes the runtime does not implement report fixed errors.

func (ws *WorkerService) GetCapability(channel int) error {
	return errors.New("no capability channels")
}

func (ws *WorkerService) GetCache() error {
	return errors.New("The cache API is not yet implemented.")
}

func (ws *WorkerService) WriteLogChannel(channel int) error {
	return errors.New("no logging channels")
}

func (ws *WorkerService) GetGlobalActor(channel int, id string) error {
	return errors.New("no actor channels")
}

func (ws *WorkerService) GetColoLocalActor(channel int, id string) error {
	return errors.New("no actor channels")
}

// Close releases the compiled worker.
func (ws *WorkerService) Close() {
	if ws.worker != nil {
		ws.worker.Close()
	}
}

// workerEntrypoint is the per-request handle onto a WorkerService with the
// entrypoint name pinned.
type workerEntrypoint struct {
	service    *WorkerService
	entrypoint string
	cfBlobJSON string
	used       bool
}

var _ WorkerInterface = (*workerEntrypoint)(nil)

func (w *workerEntrypoint) Request(ctx context.Context, method, urlStr string, headers http.Header, body io.Reader, resp Responder) error {
	if w.used {
		return errors.New("object should only receive one request")
	}
	w.used = true

	reqBody, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	flat := make(map[string]string, len(headers))
	for name, vals := range headers {
		flat[strings.ToLower(name)] = strings.Join(vals, ", ")
	}

	ws := w.service
	result := ws.worker.Execute(w.entrypoint, &script.Request{
		Method:     method,
		URL:        urlStr,
		Headers:    flat,
		Body:       reqBody,
		CfBlobJSON: w.cfBlobJSON,
	}, ws)

	for _, entry := range result.Logs {
		ws.log.Log(ctx, logLevel(entry.Level), entry.Message, "worker", ws.name)
	}
	if result.Error != nil {
		return result.Error
	}

	r := result.Response
	respHeaders := make(http.Header, len(r.Headers))
	for name, value := range r.Headers {
		respHeaders.Set(name, value)
	}
	text := r.StatusText
	if text == "" {
		text = http.StatusText(r.StatusCode)
	}
	writer, err := resp.Send(r.StatusCode, text, respHeaders, int64(len(r.Body)))
	if err != nil {
		return err
	}
	_, err = writer.Write(r.Body)
	return err
}

func (w *workerEntrypoint) Prewarm(url string) {}

func (w *workerEntrypoint) SendTraces(traces []TraceEvent) error {
	return errors.New("trace delivery is not implemented")
}

func (w *workerEntrypoint) RunScheduled(scheduledTime time.Time, cron string) error {
	return errors.New("the script engine in this build does not support scheduled events")
}

func (w *workerEntrypoint) RunAlarm(scheduledTime time.Time) error {
	return errors.New("the script engine in this build does not support alarm events")
}

func (w *workerEntrypoint) CustomEvent(eventType string) error {
	return errors.New("the script engine in this build does not support custom events")
}

// logLevel maps console levels onto slog levels.
func logLevel(level string) slog.Level {
	switch level {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// workerEntrypointService is a thin wrapper pinning a named entrypoint into
// every StartRequest.
type workerEntrypointService struct {
	worker     *WorkerService
	entrypoint string
}

var _ Service = (*workerEntrypointService)(nil)

func (s *workerEntrypointService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	return s.worker.startRequest(metadata, s.entrypoint)
}

// workerErrorReporter prefixes and forwards script validation errors as
// configuration errors.
type workerErrorReporter struct {
	s    *Server
	name string
}

func (r *workerErrorReporter) addError(msg string) {
	r.s.reportConfigError(fmt.Sprintf("service %s: %s", r.name, msg))
}

// makeWorker materializes a worker service: compatibility validation, module
// bundling, binding materialization, and script compilation. Configuration
// problems are reported and never fail startup. A missing script source, a
// failed bundle or a failed compile degrades the service to invalid-config;
// a bad compatibility date, a rejected binding or a missing handler is
// reported and the worker is still built from the rest.
func (s *Server) makeWorker(ctx context.Context, name string, conf *WorkerConfig) Service {
	// Let the registry finish populating before any lookups resolve.
	<-s.registryReady

	errs := &workerErrorReporter{s: s, name: name}

	if conf.CompatibilityDate == "" {
		errs.addError("Worker must specify compatibilityDate.")
	} else if _, err := time.Parse("2006-01-02", conf.CompatibilityDate); err != nil {
		errs.addError(fmt.Sprintf("Invalid compatibilityDate %q.", conf.CompatibilityDate))
	}

	modulesBased := len(conf.Modules) > 0
	var source string
	switch {
	case conf.ServiceWorkerScript != "":
		source = conf.ServiceWorkerScript
	case modulesBased:
		bundled, err := bundleModules(conf.Modules)
		if err != nil {
			errs.addError(fmt.Sprintf("bundling modules: %v", err))
			return s.invalidConfig
		}
		source = bundled
	default:
		errs.addError("Worker has no script source.")
		return s.invalidConfig
	}

	globalOutbound := ServiceDesignator{Name: "internet"}
	if conf.GlobalOutbound != nil {
		globalOutbound = *conf.GlobalOutbound
	}
	outbound := s.lookupService(ctx, globalOutbound, fmt.Sprintf("Worker %q's globalOutbound", name))

	// Channels 0 and 1 both alias the global outbound.
	channels := []Service{outbound, outbound}

	var globals []script.Global
	for _, binding := range conf.Bindings {
		errorContext := fmt.Sprintf("Worker %q's binding %q", name, binding.Name)
		global, channelService, ok := s.makeBinding(ctx, binding, modulesBased, len(channels), errorContext, errs)
		if !ok {
			continue
		}
		if channelService != nil {
			channels = append(channels, channelService)
		}
		globals = append(globals, global)
	}

	worker, err := s.backend().Compile(name, source, globals)
	if err != nil {
		errs.addError(err.Error())
		return s.invalidConfig
	}

	entrypoints := make(map[string]struct{})
	for _, e := range worker.Entrypoints() {
		entrypoints[e] = struct{}{}
	}
	if !worker.HasDefaultEntrypoint() && len(entrypoints) == 0 {
		errs.addError("Worker has no event handlers.")
	}

	return &WorkerService{
		name:        name,
		worker:      worker,
		channels:    channels,
		entrypoints: entrypoints,
		hasDefault:  worker.HasDefaultEntrypoint(),
		log:         s.logger(),
	}
}

// makeBinding materializes one binding. channelService is non-nil for
// channel-backed kinds; the caller appends it at the channel number the
// global already carries.
func (s *Server) makeBinding(ctx context.Context, binding BindingConfig, modulesBased bool, nextChannel int, errorContext string, errs *workerErrorReporter) (script.Global, Service, bool) {
	none := script.Global{}
	global := script.Global{Name: binding.Name}

	switch {
	case binding.Text != nil:
		global.Kind = script.GlobalText
		global.Text = *binding.Text
		return global, nil, true

	case binding.Data != nil:
		data, err := base64.StdEncoding.DecodeString(*binding.Data)
		if err != nil {
			errs.addError(fmt.Sprintf("%s contained invalid base64.", errorContext))
			return none, nil, false
		}
		global.Kind = script.GlobalData
		global.Data = data
		return global, nil, true

	case binding.JSON != nil:
		if !json.Valid([]byte(*binding.JSON)) {
			errs.addError(fmt.Sprintf("%s contained invalid JSON.", errorContext))
			return none, nil, false
		}
		global.Kind = script.GlobalJSON
		global.JSON = *binding.JSON
		return global, nil, true

	case binding.WasmModule != nil:
		if modulesBased {
			errs.addError(fmt.Sprintf(
				"%s is a Wasm binding, but Wasm bindings are not allowed in modules-based scripts. Use Wasm modules instead.", errorContext))
			return none, nil, false
		}
		data, err := base64.StdEncoding.DecodeString(*binding.WasmModule)
		if err != nil {
			errs.addError(fmt.Sprintf("%s contained invalid base64.", errorContext))
			return none, nil, false
		}
		global.Kind = script.GlobalWasmModule
		global.Data = data
		return global, nil, true

	case binding.CryptoKey != nil:
		key, ok := makeCryptoKey(binding.Name, binding.CryptoKey, errs)
		if !ok {
			return none, nil, false
		}
		global.Kind = script.GlobalCryptoKey
		global.CryptoKey = key
		return global, nil, true

	case binding.Service != nil:
		global.Kind = script.GlobalFetcher
		global.Channel = nextChannel
		return global, s.lookupService(ctx, *binding.Service, errorContext), true

	case binding.KVNamespace != nil:
		global.Kind = script.GlobalKVNamespace
		global.Channel = nextChannel
		return global, s.lookupService(ctx, *binding.KVNamespace, errorContext), true

	case binding.R2Bucket != nil:
		global.Kind = script.GlobalR2Bucket
		global.Channel = nextChannel
		return global, s.lookupService(ctx, *binding.R2Bucket, errorContext), true

	case binding.R2Admin != nil:
		global.Kind = script.GlobalR2Admin
		global.Channel = nextChannel
		return global, s.lookupService(ctx, *binding.R2Admin, errorContext), true

	case binding.Parameter != nil:
		errs.addError(fmt.Sprintf("%s: TODO: parameter bindings are not implemented.", errorContext))
		return none, nil, false

	case binding.DurableObjectNamespace != nil:
		errs.addError(fmt.Sprintf("%s: TODO: durable object namespaces are not implemented.", errorContext))
		return none, nil, false

	default:
		errs.addError(fmt.Sprintf("%s does not specify any binding value.", errorContext))
		return none, nil, false
	}
}

// makeCryptoKey materializes a crypto-key binding, checking the key material
// encoding and PEM types.
func makeCryptoKey(bindingName string, conf *CryptoKeyConfig, errs *workerErrorReporter) (*script.CryptoKey, bool) {
	key := &script.CryptoKey{
		Extractable: conf.Extractable,
		Usages:      conf.Usages,
	}

	switch {
	case conf.Raw != nil:
		key.Format = "raw"
		data, err := base64.StdEncoding.DecodeString(*conf.Raw)
		if err != nil {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid base64.", bindingName))
			return nil, false
		}
		key.KeyData = data

	case conf.Hex != nil:
		key.Format = "raw"
		data, err := hex.DecodeString(*conf.Hex)
		if err != nil {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid hex.", bindingName))
			return nil, false
		}
		key.KeyData = data

	case conf.Base64 != nil:
		key.Format = "raw"
		data, err := base64.StdEncoding.DecodeString(*conf.Base64)
		if err != nil {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid base64.", bindingName))
			return nil, false
		}
		key.KeyData = data

	case conf.PKCS8 != nil:
		key.Format = "pkcs8"
		pem := decodePEM(*conf.PKCS8)
		if pem == nil {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid PEM format.", bindingName))
			return nil, false
		}
		if pem.Type != "PRIVATE KEY" {
			errs.addError(fmt.Sprintf(
				"CryptoKey binding %q contained wrong PEM type, expected \"PRIVATE KEY\" but got %q.", bindingName, pem.Type))
			return nil, false
		}
		key.KeyData = pem.Data

	case conf.SPKI != nil:
		key.Format = "spki"
		pem := decodePEM(*conf.SPKI)
		if pem == nil {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid PEM format.", bindingName))
			return nil, false
		}
		if pem.Type != "PUBLIC KEY" {
			errs.addError(fmt.Sprintf(
				"CryptoKey binding %q contained wrong PEM type, expected \"PUBLIC KEY\" but got %q.", bindingName, pem.Type))
			return nil, false
		}
		key.KeyData = pem.Data

	case conf.JWK != nil:
		key.Format = "jwk"
		if !json.Valid([]byte(*conf.JWK)) {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid JWK JSON.", bindingName))
			return nil, false
		}
		key.KeyJSON = *conf.JWK

	default:
		errs.addError(fmt.Sprintf("Encountered unknown CryptoKey type for binding %q.", bindingName))
		return nil, false
	}

	switch {
	case conf.Algorithm.Name != "":
		key.AlgorithmJSON = `"` + escapeJSONString(conf.Algorithm.Name) + `"`
	case conf.Algorithm.JSON != "":
		if !json.Valid([]byte(conf.Algorithm.JSON)) {
			errs.addError(fmt.Sprintf("CryptoKey binding %q contained invalid algorithm JSON.", bindingName))
			return nil, false
		}
		key.AlgorithmJSON = conf.Algorithm.JSON
	default:
		errs.addError(fmt.Sprintf("Encountered unknown CryptoKey algorithm type for binding %q.", bindingName))
		return nil, false
	}

	return key, true
}

// bundleModules bundles a modules-based worker into a single IIFE script
// whose exports land on globalThis.__worker_module__. Modules are written to
// a scratch directory so imports resolve between them.
func bundleModules(modules []ModuleConfig) (string, error) {
	dir, err := os.MkdirTemp("", "edgehost-worker-*")
	if err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, m := range modules {
		if m.Name == "" || strings.Contains(m.Name, "..") {
			return "", fmt.Errorf("invalid module name %q", m.Name)
		}
		var content string
		switch {
		case m.ESModule != "":
			content = m.ESModule
		case m.CommonJS != "":
			content = m.CommonJS
		case m.Text != "":
			content = m.Text
		case m.JSON != "":
			content = m.JSON
		default:
			return "", fmt.Errorf("module %q has no content", m.Name)
		}
		path := filepath.Join(dir, filepath.FromSlash(m.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("creating module directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("writing module %q: %w", m.Name, err)
		}
	}

	entry := filepath.Join(dir, filepath.FromSlash(modules[0].Name))
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Format:      esbuild.FormatIIFE,
		GlobalName:  "__worker_module__",
		Platform:    esbuild.PlatformNeutral,
		LogLevel:    esbuild.LogLevelSilent,
		Loader: map[string]esbuild.Loader{
			".txt":  esbuild.LoaderText,
			".json": esbuild.LoaderJSON,
			".wasm": esbuild.LoaderBinary,
		},
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("esbuild: %s", strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", errors.New("esbuild produced no output")
	}
	return string(result.OutputFiles[0].Contents), nil
}
