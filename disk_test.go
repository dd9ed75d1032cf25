package edgehost

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestDisk(t *testing.T, conf DiskDirectoryConfig) (*DiskDirectoryService, string) {
	t.Helper()
	dir := t.TempDir()
	b := NewHeaderTableBuilder()
	svc := newDiskDirectoryService(conf, dir, b)
	b.Build()
	return svc, dir
}

func diskRequest(t *testing.T, svc *DiskDirectoryService, method, url string, headers http.Header, body string) *responseRecorder {
	t.Helper()
	if headers == nil {
		headers = http.Header{}
	}
	rec := newResponseRecorder()
	wi := svc.StartRequest(SubrequestMetadata{})
	err := wi.Request(context.Background(), method, url, headers, strings.NewReader(body), rec)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return rec
}

func TestDiskGetFile(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{})

	path := filepath.Join(dir, "foo.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2015, time.October, 21, 7, 28, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	rec := diskRequest(t, svc, "GET", "http://disk/foo.txt", nil, "")
	if rec.status != 200 {
		t.Fatalf("status = %d, want 200", rec.status)
	}
	if ct := rec.headers.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := rec.headers.Get("Content-Length"); cl != "5" {
		t.Errorf("Content-Length = %q, want 5", cl)
	}
	if lm := rec.headers.Get("Last-Modified"); lm != "Wed, 21 Oct 2015 07:28:00 GMT" {
		t.Errorf("Last-Modified = %q", lm)
	}
	if rec.body.String() != "hello" {
		t.Errorf("body = %q, want hello", rec.body.String())
	}
}

func TestDiskHeadFile(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{})
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := diskRequest(t, svc, "HEAD", "http://disk/f", nil, "")
	if rec.status != 200 {
		t.Fatalf("status = %d", rec.status)
	}
	if rec.headers.Get("Content-Length") != "3" {
		t.Errorf("Content-Length = %q", rec.headers.Get("Content-Length"))
	}
	if rec.body.Len() != 0 {
		t.Errorf("HEAD should send no body, got %q", rec.body.String())
	}
}

func TestDiskListing(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{})
	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "d"), 0o755); err != nil {
		t.Fatal(err)
	}

	rec := diskRequest(t, svc, "GET", "http://disk/", nil, "")
	if rec.status != 200 {
		t.Fatalf("status = %d", rec.status)
	}
	if ct := rec.headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := `[{"name":"a","type":"file"},{"name":"d","type":"directory"}]`
	if rec.body.String() != want {
		t.Errorf("listing = %s, want %s", rec.body.String(), want)
	}
}

func TestDiskListingDotfilesAllowed(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{AllowDotfiles: true})
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	rec := diskRequest(t, svc, "GET", "http://disk/", nil, "")
	if !strings.Contains(rec.body.String(), `".hidden"`) {
		t.Errorf("listing should include dotfiles when allowed: %s", rec.body.String())
	}

	rec = diskRequest(t, svc, "GET", "http://disk/.hidden", nil, "")
	if rec.status != 200 {
		t.Errorf("dotfile GET = %d, want 200", rec.status)
	}
}

func TestDiskTraversalRejected(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{})
	// Place a real file outside the root to make the rejection meaningful.
	outside := filepath.Join(filepath.Dir(dir), "secret")
	if err := os.WriteFile(outside, []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, url := range []string{
		"http://disk/../secret",
		"http://disk/../../etc/passwd",
		"http://disk/a/../../secret",
	} {
		rec := diskRequest(t, svc, "GET", url, nil, "")
		if rec.status != 404 {
			t.Errorf("GET %s = %d, want 404", url, rec.status)
		}
	}
}

func TestDiskDotfileBlocked(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{})
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := diskRequest(t, svc, "GET", "http://disk/.env", nil, "")
	if rec.status != 404 {
		t.Errorf("dotfile GET = %d, want 404", rec.status)
	}
}

func TestDiskNotFound(t *testing.T) {
	svc, _ := newTestDisk(t, DiskDirectoryConfig{})
	rec := diskRequest(t, svc, "GET", "http://disk/missing", nil, "")
	if rec.status != 404 {
		t.Errorf("status = %d, want 404", rec.status)
	}
}

func TestDiskPut(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{Writable: true})

	rec := diskRequest(t, svc, "PUT", "http://disk/sub/new.txt", nil, "content")
	if rec.status != 204 {
		t.Fatalf("status = %d, want 204", rec.status)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("file contents = %q", data)
	}

	// Replacement is atomic: overwriting works.
	rec = diskRequest(t, svc, "PUT", "http://disk/sub/new.txt", nil, "v2")
	if rec.status != 204 {
		t.Fatalf("overwrite status = %d", rec.status)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	if string(data) != "v2" {
		t.Errorf("overwritten contents = %q", data)
	}
}

func TestDiskPutReadOnly(t *testing.T) {
	svc, _ := newTestDisk(t, DiskDirectoryConfig{})
	rec := diskRequest(t, svc, "PUT", "http://disk/x", nil, "data")
	if rec.status != 405 {
		t.Errorf("status = %d, want 405", rec.status)
	}
}

func TestDiskPutBlockedPath(t *testing.T) {
	svc, _ := newTestDisk(t, DiskDirectoryConfig{Writable: true})
	rec := diskRequest(t, svc, "PUT", "http://disk/../escape", nil, "data")
	if rec.status != 403 {
		t.Errorf("status = %d, want 403", rec.status)
	}
}

func TestDiskOtherMethods(t *testing.T) {
	svc, _ := newTestDisk(t, DiskDirectoryConfig{})
	for _, method := range []string{"POST", "DELETE", "PATCH", "OPTIONS"} {
		rec := diskRequest(t, svc, method, "http://disk/x", nil, "")
		if rec.status != 501 {
			t.Errorf("%s = %d, want 501", method, rec.status)
		}
	}
}

func TestDiskSpecialNodeType(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{})

	ln, err := net.Listen("unix", filepath.Join(dir, "sock"))
	if err != nil {
		t.Skipf("cannot create unix socket: %v", err)
	}
	defer ln.Close()

	rec := diskRequest(t, svc, "GET", "http://disk/sock", nil, "")
	if rec.status != 406 {
		t.Errorf("status = %d, want 406", rec.status)
	}
}

func TestDiskCompression(t *testing.T) {
	svc, dir := newTestDisk(t, DiskDirectoryConfig{Compression: true})
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("abc", 100)), 0o644); err != nil {
		t.Fatal(err)
	}

	headers := http.Header{}
	headers.Set("Accept-Encoding", "gzip, br")
	rec := diskRequest(t, svc, "GET", "http://disk/big.txt", headers, "")
	if rec.status != 200 {
		t.Fatalf("status = %d", rec.status)
	}
	if enc := rec.headers.Get("Content-Encoding"); enc != "br" {
		t.Errorf("Content-Encoding = %q, want br", enc)
	}

	// Without Accept-Encoding the response is identity, with Content-Length.
	rec = diskRequest(t, svc, "GET", "http://disk/big.txt", nil, "")
	if rec.headers.Get("Content-Encoding") != "" {
		t.Error("identity response should have no Content-Encoding")
	}
	if rec.headers.Get("Content-Length") != "300" {
		t.Errorf("Content-Length = %q", rec.headers.Get("Content-Length"))
	}
}

func TestNodeTypeNames(t *testing.T) {
	got := nodeType(os.ModeSymlink)
	if got != "symlink" {
		t.Errorf("symlink mode = %q", got)
	}
	if nodeType(os.ModeNamedPipe) != "namedPipe" {
		t.Error("named pipe mapping")
	}
	if nodeType(os.ModeSocket) != "socket" {
		t.Error("socket mapping")
	}
	if nodeType(os.ModeDevice) != "blockDevice" {
		t.Error("block device mapping")
	}
	if nodeType(os.ModeDevice|os.ModeCharDevice) != "characterDevice" {
		t.Error("character device mapping")
	}
	if nodeType(0) != "file" {
		t.Error("regular file mapping")
	}
	if nodeType(os.ModeDir) != "directory" {
		t.Error("directory mapping")
	}
	if nodeType(os.ModeIrregular) != "other" {
		t.Error("irregular mapping")
	}
}
