package edgehost

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// HTTPListener serves one socket: it owns the bound service reference, the
// rewriter, and the physical protocol tag, and handles every request
// accepted on its listener.
type HTTPListener struct {
	service          Service
	rewriter         *HTTPRewriter
	physicalProtocol string
	headerTable      *HeaderTable
	log              *slog.Logger
}

// listenHTTP serves HTTP on ln, dispatching every request to svc through
// rewriter. It returns when the listener closes.
func (s *Server) listenHTTP(ctx context.Context, ln net.Listener, svc Service, physicalProtocol string, rewriter *HTTPRewriter) error {
	l := &HTTPListener{
		service:          svc,
		rewriter:         rewriter,
		physicalProtocol: physicalProtocol,
		headerTable:      s.headerTable,
		log:              s.logger(),
	}
	server := &http.Server{
		Handler:     l,
		ConnContext: l.connContext,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	return server.Serve(ln)
}

// connInfo carries the per-connection client blob. The blob is synthesized
// once per connection and copied into each request's metadata.
type connInfo struct {
	cfBlobJSON string
}

type connInfoKey struct{}

// connContext synthesizes the client blob for an accepted connection, unless
// the rewriter transports its own blob header.
func (l *HTTPListener) connContext(ctx context.Context, c net.Conn) context.Context {
	if l.rewriter.HasCfBlobHeader() {
		return ctx
	}
	return context.WithValue(ctx, connInfoKey{}, &connInfo{cfBlobJSON: synthesizeCfBlob(c)})
}

// synthesizeCfBlob describes the connection's peer as a small JSON document.
// TLS connections unwrap to the underlying network identity (client-cert
// detail is not currently propagated). Network peers report clientIp; Unix
// peers report whichever of clientPid/clientUid the platform supplies;
// anything else gets no blob.
func synthesizeCfBlob(c net.Conn) string {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}

	switch addr := c.RemoteAddr().(type) {
	case *net.TCPAddr:
		return fmt.Sprintf(`{"clientIp": "%s"}`, escapeJSONString(addr.IP.String()))
	case *net.UnixAddr:
		creds := peerCredentials(c)
		var parts []string
		if creds.pid != nil {
			parts = append(parts, `"clientPid":`+strconv.Itoa(*creds.pid))
		}
		if creds.uid != nil {
			parts = append(parts, `"clientUid":`+strconv.Itoa(*creds.uid))
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return ""
	}
}

// ServeHTTP handles one request: copy the connection blob into fresh
// metadata, rewrite the incoming request (400 on failure), start exactly one
// worker interface on the bound service, and delegate. Uncaught failures map
// to 500 if nothing has been sent yet.
func (l *HTTPListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	responder := &httpResponder{w: w, r: r}
	reqID := uuid.NewString()

	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("uncaught exception", "error", fmt.Sprint(rec), "url", r.RequestURI, "request", reqID)
			if !responder.sent {
				responder.SendError(500, "Internal Server Error")
			}
		}
	}()

	var metadata SubrequestMetadata
	if info, ok := r.Context().Value(connInfoKey{}).(*connInfo); ok {
		// A fresh copy per request; the connection keeps its own.
		metadata.CfBlobJSON = info.cfBlobJSON
	}

	urlStr := r.RequestURI
	headers := r.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if r.Host != "" {
		headers.Set("Host", r.Host)
	}

	var resp Responder = responder
	if l.rewriter.NeedsRewriteResponse() {
		resp = &responseWrapper{inner: responder, rewriter: l.rewriter}
	}

	if l.rewriter.NeedsRewriteRequest() || metadata.CfBlobJSON != "" {
		rewritten, newURL, blob, ok := l.rewriter.RewriteIncomingRequest(urlStr, l.physicalProtocol, headers)
		if !ok {
			responder.SendError(400, "Bad Request")
			return
		}
		if blob != "" {
			metadata.CfBlobJSON = blob
		}
		headers = rewritten
		urlStr = newURL
	}

	worker := l.service.StartRequest(metadata)
	if err := worker.Request(r.Context(), r.Method, urlStr, headers, r.Body, resp); err != nil {
		l.log.Error("uncaught exception", "error", err, "url", urlStr, "request", reqID)
		if !responder.sent {
			responder.SendError(500, "Internal Server Error")
		}
	}
}

// httpResponder adapts an http.ResponseWriter to the Responder interface.
type httpResponder struct {
	w    http.ResponseWriter
	r    *http.Request
	sent bool
}

var _ Responder = (*httpResponder)(nil)

func (h *httpResponder) Send(status int, statusText string, headers http.Header, expectedSize int64) (io.Writer, error) {
	dst := h.w.Header()
	for name, vals := range headers {
		if name == "Host" {
			continue
		}
		dst[name] = vals
	}
	if expectedSize >= 0 && dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.FormatInt(expectedSize, 10))
	}
	h.sent = true
	h.w.WriteHeader(status)
	return h.w, nil
}

func (h *httpResponder) AcceptWebSocket(headers http.Header) (*websocket.Conn, error) {
	dst := h.w.Header()
	for name, vals := range headers {
		switch name {
		case "Host", "Connection", "Upgrade", "Sec-Websocket-Accept", "Content-Length", "Content-Type":
			continue
		}
		dst[name] = vals
	}
	h.sent = true
	return websocket.Accept(h.w, h.r, nil)
}

func (h *httpResponder) SendError(status int, statusText string) error {
	if h.sent {
		return nil
	}
	h.sent = true
	h.w.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	h.w.Header().Set("Content-Length", strconv.Itoa(len(statusText)))
	h.w.WriteHeader(status)
	_, err := io.WriteString(h.w, statusText)
	return err
}

// responseWrapper applies the response rewrite on send and on WebSocket
// accept. Error responses bypass the wrapper, as they do at the connection
// level.
type responseWrapper struct {
	inner    Responder
	rewriter *HTTPRewriter
}

var _ Responder = (*responseWrapper)(nil)

func (rw *responseWrapper) Send(status int, statusText string, headers http.Header, expectedSize int64) (io.Writer, error) {
	rewritten := headers.Clone()
	if rewritten == nil {
		rewritten = make(http.Header)
	}
	rw.rewriter.RewriteResponse(rewritten)
	return rw.inner.Send(status, statusText, rewritten, expectedSize)
}

func (rw *responseWrapper) AcceptWebSocket(headers http.Header) (*websocket.Conn, error) {
	rewritten := headers.Clone()
	if rewritten == nil {
		rewritten = make(http.Header)
	}
	rw.rewriter.RewriteResponse(rewritten)
	return rw.inner.AcceptWebSocket(rewritten)
}

func (rw *responseWrapper) SendError(status int, statusText string) error {
	return rw.inner.SendError(status, statusText)
}
