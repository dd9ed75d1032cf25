package edgehost

import (
	"context"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/cryguy/edgehost/internal/script"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodePEMBlock(typ string, data []byte) string {
	var b strings.Builder
	pem.Encode(&b, &pem.Block{Type: typ, Bytes: data})
	return b.String()
}

// fakeBackend is a script.Backend for host-level tests; it skips real script
// evaluation and lets the test supply the fetch behavior.
type fakeBackend struct {
	mu         sync.Mutex
	compiled   []string
	hasDefault bool
	named      []string
	fn         func(entrypoint string, req *script.Request, channels script.ChannelDispatcher) *script.Result
}

func (b *fakeBackend) Compile(name, source string, globals []script.Global) (script.CompiledWorker, error) {
	b.mu.Lock()
	b.compiled = append(b.compiled, name)
	b.mu.Unlock()
	return &fakeWorker{backend: b}, nil
}

func (b *fakeBackend) Shutdown() {}

type fakeWorker struct {
	backend *fakeBackend
	closed  bool
}

func (w *fakeWorker) Entrypoints() []string      { return w.backend.named }
func (w *fakeWorker) HasDefaultEntrypoint() bool { return w.backend.hasDefault }
func (w *fakeWorker) Close()                     { w.closed = true }

func (w *fakeWorker) Execute(entrypoint string, req *script.Request, channels script.ChannelDispatcher) *script.Result {
	if w.backend.fn != nil {
		return w.backend.fn(entrypoint, req, channels)
	}
	return &script.Result{Response: &script.Response{StatusCode: 200, Headers: map[string]string{}, Body: []byte("ok")}}
}

// echoBackend returns a backend whose worker echoes request details.
func echoBackend() *fakeBackend {
	b := &fakeBackend{hasDefault: true}
	b.fn = func(entrypoint string, req *script.Request, channels script.ChannelDispatcher) *script.Result {
		body := fmt.Sprintf("entrypoint=%s url=%s cf=%s", entrypoint, req.URL, req.CfBlobJSON)
		return &script.Result{Response: &script.Response{
			StatusCode: 200,
			Headers:    map[string]string{"content-type": "text/plain"},
			Body:       []byte(body),
		}}
	}
	return b
}

// captureService records the last request it received.
type captureService struct {
	mu       sync.Mutex
	metadata SubrequestMetadata
	method   string
	url      string
	status   int
	body     string
}

func (c *captureService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	c.mu.Lock()
	c.metadata = metadata
	c.mu.Unlock()
	return &captureInterface{service: c}
}

type captureInterface struct {
	unsupportedEvents
	service *captureService
}

func (c *captureInterface) Request(ctx context.Context, method, url string, headers http.Header, body io.Reader, resp Responder) error {
	c.service.mu.Lock()
	c.service.method = method
	c.service.url = url
	c.service.mu.Unlock()
	status := c.service.status
	if status == 0 {
		status = 200
	}
	w, err := resp.Send(status, http.StatusText(status), http.Header{}, int64(len(c.service.body)))
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(c.service.body))
	return err
}

func newWorkerServiceForTest(backend *fakeBackend, channels []Service) *WorkerService {
	worker, _ := backend.Compile("test", "", nil)
	entrypoints := make(map[string]struct{})
	for _, e := range worker.Entrypoints() {
		entrypoints[e] = struct{}{}
	}
	return &WorkerService{
		name:        "test",
		worker:      worker,
		channels:    channels,
		entrypoints: entrypoints,
		hasDefault:  worker.HasDefaultEntrypoint(),
		log:         discardLogger(),
	}
}

func TestWorkerServiceRequest(t *testing.T) {
	ws := newWorkerServiceForTest(echoBackend(), nil)

	rec := newResponseRecorder()
	wi := ws.StartRequest(SubrequestMetadata{CfBlobJSON: `{"clientIp": "1.1.1.1"}`})
	err := wi.Request(context.Background(), "GET", "http://w/x", http.Header{}, strings.NewReader(""), rec)
	if err != nil {
		t.Fatal(err)
	}
	if rec.status != 200 {
		t.Errorf("status = %d", rec.status)
	}
	want := `entrypoint= url=http://w/x cf={"clientIp": "1.1.1.1"}`
	if rec.body.String() != want {
		t.Errorf("body = %q, want %q", rec.body.String(), want)
	}
}

func TestWorkerEntrypointPinning(t *testing.T) {
	backend := echoBackend()
	backend.named = []string{"admin"}
	ws := newWorkerServiceForTest(backend, nil)

	eps := &workerEntrypointService{worker: ws, entrypoint: "admin"}
	rec := newResponseRecorder()
	wi := eps.StartRequest(SubrequestMetadata{})
	if err := wi.Request(context.Background(), "GET", "http://w/", http.Header{}, strings.NewReader(""), rec); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rec.body.String(), "entrypoint=admin ") {
		t.Errorf("body = %q, entrypoint should be pinned", rec.body.String())
	}
	if !ws.HasEntrypoint("admin") {
		t.Error("HasEntrypoint(admin) should be true")
	}
	if ws.HasEntrypoint("other") {
		t.Error("HasEntrypoint(other) should be false")
	}
}

func TestWorkerInterfaceSingleUse(t *testing.T) {
	ws := newWorkerServiceForTest(echoBackend(), nil)
	wi := ws.StartRequest(SubrequestMetadata{})

	if err := wi.Request(context.Background(), "GET", "http://w/", http.Header{}, strings.NewReader(""), newResponseRecorder()); err != nil {
		t.Fatal(err)
	}
	err := wi.Request(context.Background(), "GET", "http://w/", http.Header{}, strings.NewReader(""), newResponseRecorder())
	if err == nil || !strings.Contains(err.Error(), "one request") {
		t.Errorf("second request should fail: %v", err)
	}
}

func TestDispatchChannel(t *testing.T) {
	outbound := &captureService{body: "from-channel"}
	// Channels 0 and 1 both alias the global outbound.
	ws := newWorkerServiceForTest(echoBackend(), []Service{outbound, outbound})

	for _, channel := range []int{0, 1} {
		resp, err := ws.DispatchChannel(channel, &script.Request{
			Method:     "GET",
			URL:        "http://upstream/thing",
			Headers:    map[string]string{"x-test": "1"},
			CfBlobJSON: `{"clientIp": "2.2.2.2"}`,
		})
		if err != nil {
			t.Fatalf("channel %d: %v", channel, err)
		}
		if resp.StatusCode != 200 || string(resp.Body) != "from-channel" {
			t.Errorf("channel %d response = %d %q", channel, resp.StatusCode, resp.Body)
		}
	}
	if outbound.metadata.CfBlobJSON != `{"clientIp": "2.2.2.2"}` {
		t.Errorf("channel metadata blob = %q", outbound.metadata.CfBlobJSON)
	}
}

func TestDispatchChannelOutOfRangePanics(t *testing.T) {
	ws := newWorkerServiceForTest(echoBackend(), []Service{&captureService{}, &captureService{}})
	defer func() {
		if recover() == nil {
			t.Error("out-of-range channel should panic")
		}
	}()
	ws.DispatchChannel(5, &script.Request{Method: "GET", URL: "http://x/"})
}

func TestUnimplementedChannelClasses(t *testing.T) {
	ws := newWorkerServiceForTest(echoBackend(), nil)

	if err := ws.GetCache(); err == nil || !strings.Contains(err.Error(), "cache API") {
		t.Errorf("GetCache = %v", err)
	}
	if err := ws.GetCapability(0); err == nil || !strings.Contains(err.Error(), "no capability channels") {
		t.Errorf("GetCapability = %v", err)
	}
	if err := ws.WriteLogChannel(0); err == nil || !strings.Contains(err.Error(), "no logging channels") {
		t.Errorf("WriteLogChannel = %v", err)
	}
	if err := ws.GetGlobalActor(0, "id"); err == nil || !strings.Contains(err.Error(), "no actor channels") {
		t.Errorf("GetGlobalActor = %v", err)
	}
	if err := ws.GetColoLocalActor(0, "id"); err == nil || !strings.Contains(err.Error(), "no actor channels") {
		t.Errorf("GetColoLocalActor = %v", err)
	}
}

func TestMakeCryptoKey(t *testing.T) {
	tests := []struct {
		name       string
		conf       CryptoKeyConfig
		wantFormat string
		wantOK     bool
		wantErrSub string
	}{
		{
			name:       "raw base64",
			conf:       CryptoKeyConfig{Raw: strptr("AQID"), Algorithm: CryptoKeyAlgorithm{Name: "HMAC"}},
			wantFormat: "raw",
			wantOK:     true,
		},
		{
			name:       "hex",
			conf:       CryptoKeyConfig{Hex: strptr("010203"), Algorithm: CryptoKeyAlgorithm{Name: "HMAC"}},
			wantFormat: "raw",
			wantOK:     true,
		},
		{
			name:       "invalid hex",
			conf:       CryptoKeyConfig{Hex: strptr("zz"), Algorithm: CryptoKeyAlgorithm{Name: "HMAC"}},
			wantOK:     false,
			wantErrSub: "invalid hex",
		},
		{
			name:       "jwk",
			conf:       CryptoKeyConfig{JWK: strptr(`{"kty":"oct"}`), Algorithm: CryptoKeyAlgorithm{JSON: `{"name":"HMAC"}`}},
			wantFormat: "jwk",
			wantOK:     true,
		},
		{
			name:       "no key material",
			conf:       CryptoKeyConfig{Algorithm: CryptoKeyAlgorithm{Name: "HMAC"}},
			wantOK:     false,
			wantErrSub: "unknown CryptoKey type",
		},
		{
			name:       "no algorithm",
			conf:       CryptoKeyConfig{Raw: strptr("AQID")},
			wantOK:     false,
			wantErrSub: "unknown CryptoKey algorithm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reported []string
			s := NewServer()
			s.OnConfigError = func(msg string) { reported = append(reported, msg) }
			errs := &workerErrorReporter{s: s, name: "w"}

			key, ok := makeCryptoKey("KEY", &tt.conf, errs)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (reported: %v)", ok, tt.wantOK, reported)
			}
			if ok && key.Format != tt.wantFormat {
				t.Errorf("format = %q, want %q", key.Format, tt.wantFormat)
			}
			if !ok {
				if len(reported) == 0 || !strings.Contains(reported[0], tt.wantErrSub) {
					t.Errorf("reported = %v, want substring %q", reported, tt.wantErrSub)
				}
			}
		})
	}
}

func TestMakeCryptoKeyPEMTypes(t *testing.T) {
	goodPriv := encodePEMBlock("PRIVATE KEY", []byte{1, 2, 3})
	goodPub := encodePEMBlock("PUBLIC KEY", []byte{4, 5, 6})

	var reported []string
	s := NewServer()
	s.OnConfigError = func(msg string) { reported = append(reported, msg) }
	errs := &workerErrorReporter{s: s, name: "w"}

	key, ok := makeCryptoKey("K", &CryptoKeyConfig{
		PKCS8: &goodPriv, Algorithm: CryptoKeyAlgorithm{Name: "RSA-PSS"},
	}, errs)
	if !ok || key.Format != "pkcs8" {
		t.Fatalf("pkcs8 decode failed: %v %v", ok, reported)
	}
	if key.AlgorithmJSON != `"RSA-PSS"` {
		t.Errorf("algorithm = %q", key.AlgorithmJSON)
	}

	_, ok = makeCryptoKey("K", &CryptoKeyConfig{
		SPKI: &goodPriv, Algorithm: CryptoKeyAlgorithm{Name: "RSA-PSS"},
	}, errs)
	if ok {
		t.Error("spki with PRIVATE KEY PEM should be rejected")
	}
	if !strings.Contains(reported[len(reported)-1], "wrong PEM type") {
		t.Errorf("reported = %v", reported)
	}

	key, ok = makeCryptoKey("K", &CryptoKeyConfig{
		SPKI: &goodPub, Algorithm: CryptoKeyAlgorithm{Name: "Ed25519"},
	}, errs)
	if !ok || key.Format != "spki" {
		t.Fatalf("spki decode failed: %v %v", ok, reported)
	}
}

func TestBundleModules(t *testing.T) {
	source, err := bundleModules([]ModuleConfig{
		{Name: "main.js", ESModule: `import {msg} from "./lib.js"; export default {fetch() { return msg; }};`},
		{Name: "lib.js", ESModule: `export const msg = "bundled";`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(source, "__worker_module__") {
		t.Error("bundle should assign the module global")
	}
	if !strings.Contains(source, "bundled") {
		t.Error("bundle should include imported module content")
	}
}

func TestBundleModulesBadImport(t *testing.T) {
	_, err := bundleModules([]ModuleConfig{
		{Name: "main.js", ESModule: `import {x} from "./missing.js";`},
	})
	if err == nil {
		t.Error("unresolvable import should fail the bundle")
	}
}
