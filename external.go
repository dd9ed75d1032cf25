package edgehost

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// ExternalHTTPService forwards requests to a single configured upstream. The
// upstream address is pinned: whatever host a request URL names, the
// connection goes to the configured address.
type ExternalHTTPService struct {
	addr     string
	scheme   string // "http" or "https", per the configured protocol
	client   *http.Client
	rewriter *HTTPRewriter
}

var _ Service = (*ExternalHTTPService)(nil)

func newExternalHTTPService(addr, scheme string, tlsCfg *tls.Config, certificateHost string, rewriter *HTTPRewriter) *ExternalHTTPService {
	return &ExternalHTTPService{
		addr:     addr,
		scheme:   scheme,
		client:   &http.Client{Transport: pinnedTransport(addr, tlsCfg, certificateHost), CheckRedirect: noRedirect},
		rewriter: rewriter,
	}
}

// StartRequest returns a handle that serves exactly one request.
func (e *ExternalHTTPService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	return &externalWorkerInterface{
		unsupportedEvents: unsupportedEvents{message: "External HTTP servers don't support this event type."},
		parent:            e,
		metadata:          metadata,
	}
}

type externalWorkerInterface struct {
	unsupportedEvents
	parent   *ExternalHTTPService
	metadata SubrequestMetadata
	used     bool
}

var _ WorkerInterface = (*externalWorkerInterface)(nil)

// Request forwards one request through the rewriter's outgoing path.
func (w *externalWorkerInterface) Request(ctx context.Context, method, urlStr string, headers http.Header, body io.Reader, resp Responder) error {
	if w.used {
		return fmt.Errorf("object should only receive one request")
	}
	w.used = true

	e := w.parent
	if e.rewriter.NeedsRewriteRequest() {
		rewritten, newURL, ok := e.rewriter.RewriteOutgoingRequest(urlStr, headers, w.metadata.CfBlobJSON)
		if !ok {
			return fmt.Errorf("invalid request URL %q", urlStr)
		}
		headers = rewritten
		urlStr = newURL
	}

	target, err := e.resolveTarget(urlStr)
	if err != nil {
		return err
	}

	if isWebSocketUpgrade(headers) {
		return e.bridgeWebSocket(ctx, target, headers, resp)
	}

	out, err := buildOutboundRequest(ctx, method, target, headers, body)
	if err != nil {
		return err
	}
	upstream, err := e.client.Do(out)
	if err != nil {
		return fmt.Errorf("external request: %w", err)
	}
	defer upstream.Body.Close()
	return relayResponse(upstream, e.rewriter, resp)
}

// resolveTarget turns the possibly request-form URL the rewriter produced
// into an absolute URL the HTTP client accepts. The connection goes to the
// pinned address either way; the URL only contributes path and Host.
func (e *ExternalHTTPService) resolveTarget(urlStr string) (string, error) {
	if strings.HasPrefix(urlStr, "/") {
		return e.scheme + "://" + e.addr + urlStr, nil
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid request URL %q", urlStr)
	}
	u.Scheme = e.scheme
	return u.String(), nil
}

// isWebSocketUpgrade reports whether the request asks for a WebSocket.
func isWebSocketUpgrade(headers http.Header) bool {
	return strings.EqualFold(headers.Get("Upgrade"), "websocket")
}

// bridgeWebSocket dials the upstream WebSocket and pumps frames between it
// and the accepted client connection until either side closes.
func (e *ExternalHTTPService) bridgeWebSocket(ctx context.Context, target string, headers http.Header, resp Responder) error {
	wsURL := "ws://" + strings.TrimPrefix(target, e.scheme+"://")
	if e.scheme == "https" {
		wsURL = "wss://" + strings.TrimPrefix(target, "https://")
	}

	dialHeaders := make(http.Header)
	for name, vals := range headers {
		switch name {
		case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Host":
			continue
		}
		dialHeaders[name] = vals
	}

	upstream, upResp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: e.client,
		HTTPHeader: dialHeaders,
	})
	if err != nil {
		return fmt.Errorf("dialing upstream websocket: %w", err)
	}
	defer upstream.CloseNow()

	respHeaders := make(http.Header)
	if upResp != nil {
		respHeaders = upResp.Header.Clone()
	}
	if e.rewriter.NeedsRewriteResponse() {
		e.rewriter.RewriteResponse(respHeaders)
	}

	client, err := resp.AcceptWebSocket(respHeaders)
	if err != nil {
		return fmt.Errorf("accepting client websocket: %w", err)
	}
	defer client.CloseNow()

	errc := make(chan error, 2)
	go pumpWebSocket(ctx, client, upstream, errc)
	go pumpWebSocket(ctx, upstream, client, errc)
	err = <-errc

	status := websocket.CloseStatus(err)
	if status == -1 {
		status = websocket.StatusNormalClosure
	}
	client.Close(status, "")
	upstream.Close(status, "")
	if status == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

// pumpWebSocket copies messages from src to dst until read fails.
func pumpWebSocket(ctx context.Context, src, dst *websocket.Conn, errc chan<- error) {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			errc <- err
			return
		}
	}
}
