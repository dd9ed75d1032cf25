package edgehost

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// DiskDirectoryService serves and optionally accepts files under a
// configured directory. It keeps no per-request state; StartRequest hands
// out the service itself.
type DiskDirectoryService struct {
	unsupportedEvents
	root          string
	writable      bool
	allowDotfiles bool
	compression   bool
	hLastModified HeaderID
	table         *HeaderTable
}

var _ Service = (*DiskDirectoryService)(nil)
var _ WorkerInterface = (*DiskDirectoryService)(nil)

func newDiskDirectoryService(conf DiskDirectoryConfig, root string, b *HeaderTableBuilder) *DiskDirectoryService {
	return &DiskDirectoryService{
		unsupportedEvents: unsupportedEvents{message: "Disk directory services don't support this event type."},
		root:              root,
		writable:          conf.Writable,
		allowDotfiles:     conf.AllowDotfiles,
		compression:       conf.Compression,
		hLastModified:     b.Add("Last-Modified"),
		table:             b.FutureTable(),
	}
}

// StartRequest returns the service itself; there is no per-request state.
func (d *DiskDirectoryService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	return d
}

// resolvePath extracts the filesystem path from the request URL. blocked is
// set for unparseable URLs, traversal attempts, and (when dotfiles are
// disallowed) any segment starting with a dot.
func (d *DiskDirectoryService) resolvePath(urlStr string) (segments []string, blocked bool) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, true
	}
	for _, part := range strings.Split(u.Path, "/") {
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			return nil, true
		}
		segments = append(segments, part)
	}
	if !d.allowDotfiles {
		for _, part := range segments {
			if strings.HasPrefix(part, ".") {
				return nil, true
			}
		}
	}
	return segments, false
}

// Request implements the method-by-node-type matrix for static directory
// service.
func (d *DiskDirectoryService) Request(ctx context.Context, method, urlStr string, headers http.Header, body io.Reader, resp Responder) error {
	segments, blocked := d.resolvePath(urlStr)

	switch method {
	case http.MethodGet, http.MethodHead:
		if blocked {
			return resp.SendError(404, "Not Found")
		}
		return d.serveGet(method, segments, headers, resp)

	case http.MethodPut:
		if !d.writable {
			return resp.SendError(405, "Method Not Allowed")
		}
		if blocked {
			return resp.SendError(403, "Unauthorized")
		}
		return d.servePut(segments, body, resp)

	default:
		return resp.SendError(501, "Not Implemented")
	}
}

func (d *DiskDirectoryService) serveGet(method string, segments []string, reqHeaders http.Header, resp Responder) error {
	full := filepath.Join(append([]string{d.root}, segments...)...)

	info, err := os.Stat(full)
	if err != nil {
		return resp.SendError(404, "Not Found")
	}

	switch {
	case info.Mode().IsRegular():
		headers := make(http.Header)
		headers.Set("Content-Type", "application/octet-stream")
		headers.Set(d.table.Name(d.hLastModified), httpTime(info.ModTime()))

		// Content-Length is set explicitly so that callers reached without a
		// real HTTP connection in between still see the size, especially on
		// HEAD requests.
		encoding := ""
		if d.compression && method == http.MethodGet {
			encoding = chooseEncoding(reqHeaders)
		}
		if encoding != "" {
			headers.Set("Content-Encoding", encoding)
			headers.Set("Vary", "Accept-Encoding")
		} else {
			headers.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		}

		size := info.Size()
		if encoding != "" {
			size = -1
		}
		w, err := resp.Send(200, "OK", headers, size)
		if err != nil {
			return err
		}
		if method == http.MethodHead {
			return nil
		}

		file, err := os.Open(full)
		if err != nil {
			return fmt.Errorf("opening %s: %w", full, err)
		}
		defer file.Close()

		switch encoding {
		case "br":
			bw := brotli.NewWriter(w)
			if _, err := io.Copy(bw, file); err != nil {
				return err
			}
			return bw.Close()
		case "gzip":
			gw := gzip.NewWriter(w)
			if _, err := io.Copy(gw, file); err != nil {
				return err
			}
			return gw.Close()
		default:
			_, err := io.Copy(w, file)
			return err
		}

	case info.IsDir():
		headers := make(http.Header)
		headers.Set("Content-Type", "application/json")
		headers.Set(d.table.Name(d.hLastModified), httpTime(info.ModTime()))

		// No expected size: reserves the right to switch to a streaming
		// listing later.
		w, err := resp.Send(200, "OK", headers, -1)
		if err != nil {
			return err
		}
		if method == http.MethodHead {
			return nil
		}

		entries, err := os.ReadDir(full)
		if err != nil {
			return fmt.Errorf("listing %s: %w", full, err)
		}

		var jsonEntries []string
		for _, entry := range entries {
			if !d.allowDotfiles && strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			jsonEntries = append(jsonEntries, fmt.Sprintf(
				`{"name":"%s","type":"%s"}`, escapeJSONString(entry.Name()), nodeType(entry.Type())))
		}

		_, err = io.WriteString(w, "["+strings.Join(jsonEntries, ",")+"]")
		return err

	default:
		return resp.SendError(406, "Not Acceptable")
	}
}

func (d *DiskDirectoryService) servePut(segments []string, body io.Reader, resp Responder) error {
	if len(segments) == 0 {
		return fmt.Errorf("cannot PUT the directory root")
	}
	full := filepath.Join(append([]string{d.root}, segments...)...)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}

	// Write to a temporary file in the same directory, then rename over the
	// target so replacement is atomic.
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", full, err)
	}

	_, err = resp.Send(204, "No Content", make(http.Header), 0)
	return err
}

// nodeType maps a file mode onto the listing type vocabulary.
func nodeType(mode fs.FileMode) string {
	switch {
	case mode.IsRegular():
		return "file"
	case mode.IsDir():
		return "directory"
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	case mode&fs.ModeCharDevice != 0:
		return "characterDevice"
	case mode&fs.ModeDevice != 0:
		return "blockDevice"
	case mode&fs.ModeNamedPipe != 0:
		return "namedPipe"
	case mode&fs.ModeSocket != 0:
		return "socket"
	default:
		return "other"
	}
}

// chooseEncoding picks the response encoding from the Accept-Encoding
// header, preferring brotli.
func chooseEncoding(headers http.Header) string {
	accept := headers.Get("Accept-Encoding")
	if accept == "" {
		return ""
	}
	hasBr, hasGzip := false, false
	for _, part := range strings.Split(accept, ",") {
		name := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch name {
		case "br":
			hasBr = true
		case "gzip":
			hasGzip = true
		}
	}
	if hasBr {
		return "br"
	}
	if hasGzip {
		return "gzip"
	}
	return ""
}
