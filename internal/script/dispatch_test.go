package script

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

type fakeDispatcher struct {
	lastChannel int
	lastReq     *Request
	resp        *Response
	err         error
}

func (d *fakeDispatcher) DispatchChannel(channel int, req *Request) (*Response, error) {
	d.lastChannel = channel
	d.lastReq = req
	return d.resp, d.err
}

func TestDispatchChannelJSON(t *testing.T) {
	d := &fakeDispatcher{resp: &Response{
		StatusCode: 200,
		StatusText: "OK",
		Headers:    map[string]string{"content-type": "text/plain"},
		Body:       []byte("response body"),
	}}

	reqJSON := fmt.Sprintf(`{"method":"POST","url":"http://svc/x","headers":{"a":"b"},"bodyB64":%q}`,
		base64.StdEncoding.EncodeToString([]byte("hello")))

	out, err := DispatchChannelJSON(d, 3, 0, reqJSON)
	if err != nil {
		t.Fatal(err)
	}

	if d.lastChannel != 3 {
		t.Errorf("channel = %d", d.lastChannel)
	}
	if d.lastReq.Method != "POST" || d.lastReq.URL != "http://svc/x" {
		t.Errorf("request = %+v", d.lastReq)
	}
	if string(d.lastReq.Body) != "hello" {
		t.Errorf("body = %q", d.lastReq.Body)
	}

	var wire struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		BodyB64 string            `json:"bodyB64"`
	}
	if err := json.Unmarshal([]byte(out), &wire); err != nil {
		t.Fatal(err)
	}
	if wire.Status != 200 {
		t.Errorf("status = %d", wire.Status)
	}
	body, _ := base64.StdEncoding.DecodeString(wire.BodyB64)
	if string(body) != "response body" {
		t.Errorf("body = %q", body)
	}
}

func TestDispatchChannelJSONCapsBody(t *testing.T) {
	d := &fakeDispatcher{resp: &Response{StatusCode: 200, Body: []byte(strings.Repeat("x", 100))}}

	out, err := DispatchChannelJSON(d, 0, 10, `{"method":"GET","url":"http://s/","headers":{},"bodyB64":""}`)
	if err != nil {
		t.Fatal(err)
	}
	var wire struct {
		BodyB64 string `json:"bodyB64"`
	}
	json.Unmarshal([]byte(out), &wire)
	body, _ := base64.StdEncoding.DecodeString(wire.BodyB64)
	if len(body) != 10 {
		t.Errorf("capped body length = %d, want 10", len(body))
	}
}

func TestDispatchChannelJSONErrors(t *testing.T) {
	d := &fakeDispatcher{err: fmt.Errorf("boom")}
	if _, err := DispatchChannelJSON(d, 0, 0, `{"method":"GET","url":"u","headers":{},"bodyB64":""}`); err == nil {
		t.Error("dispatcher error should propagate")
	}
	if _, err := DispatchChannelJSON(d, 0, 0, "not json"); err == nil {
		t.Error("bad JSON should error")
	}
	if _, err := DispatchChannelJSON(d, 0, 0, `{"bodyB64":"!!!"}`); err == nil {
		t.Error("bad base64 should error")
	}
}

// captureRuntime is a JSRuntime that records what the shared setup code
// evaluates and sets, without a real engine behind it.
type captureRuntime struct {
	evals   []string
	globals map[string]string
}

func newCaptureRuntime() *captureRuntime {
	return &captureRuntime{globals: make(map[string]string)}
}

func (r *captureRuntime) Eval(js string) error { r.evals = append(r.evals, js); return nil }
func (r *captureRuntime) EvalString(js string) (string, error) {
	return "", nil
}
func (r *captureRuntime) RegisterFunc(name string, fn func(string, string) (string, error)) error {
	return nil
}
func (r *captureRuntime) SetGlobal(name, value string) error {
	r.globals[name] = value
	return nil
}
func (r *captureRuntime) RunMicrotasks() {}

func TestInstallGlobalsSpec(t *testing.T) {
	rt := newCaptureRuntime()
	err := InstallGlobals(rt, []Global{
		{Name: "GREETING", Kind: GlobalText, Text: "hi"},
		{Name: "CONF", Kind: GlobalJSON, JSON: `{"a":1}`},
		{Name: "BLOB", Kind: GlobalData, Data: []byte{1, 2}},
		{Name: "API", Kind: GlobalFetcher, Channel: 2},
		{Name: "KEY", Kind: GlobalCryptoKey, CryptoKey: &CryptoKey{
			Format: "raw", KeyData: []byte{9}, AlgorithmJSON: `"HMAC"`, Extractable: true, Usages: []string{"sign"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	spec, ok := rt.globals["__env_spec"]
	if !ok {
		t.Fatal("spec global not set")
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(spec), &entries); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0]["kind"] != "text" || entries[0]["text"] != "hi" {
		t.Errorf("text entry = %v", entries[0])
	}
	if entries[3]["kind"] != "fetcher" || entries[3]["channel"] != float64(2) {
		t.Errorf("fetcher entry = %v", entries[3])
	}
	key, _ := entries[4]["cryptoKey"].(map[string]any)
	if key["format"] != "raw" || key["algorithm"] != "HMAC" {
		t.Errorf("cryptoKey entry = %v", key)
	}
}
