package edgehost

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Service is a named request handler inside the server. Implementations are
// owned by the Server for its full lifetime; references handed to listeners
// and other services stay valid until the server shuts down.
type Service interface {
	// StartRequest begins an incoming request. The returned WorkerInterface
	// is used for exactly one request and then discarded.
	StartRequest(metadata SubrequestMetadata) WorkerInterface
}

// SubrequestMetadata carries per-request context into a service. The cf blob
// is a short JSON document describing the client; an empty string means no
// blob. Each StartRequest call consumes its own copy.
type SubrequestMetadata struct {
	CfBlobJSON string
}

// Responder receives the response of a dispatched request. It mirrors the
// response side of an HTTP server: exactly one of Send or AcceptWebSocket is
// called per request.
type Responder interface {
	// Send starts the response. expectedSize is the body length, or -1 when
	// unknown. The returned writer receives the body.
	Send(status int, statusText string, headers http.Header, expectedSize int64) (io.Writer, error)

	// AcceptWebSocket completes a WebSocket upgrade and returns the accepted
	// client connection.
	AcceptWebSocket(headers http.Header) (*websocket.Conn, error)

	// SendError sends a minimal error response with a plain-text body.
	SendError(status int, statusText string) error
}

// WorkerInterface is the per-request handle returned by Service.StartRequest.
// Request services the one HTTP request; the event methods exist so all
// service kinds share one shape, and non-worker services reject them with a
// fixed error.
type WorkerInterface interface {
	Request(ctx context.Context, method, url string, headers http.Header, body io.Reader, resp Responder) error

	// Prewarm hints that a request to url is imminent. No-op for services
	// that have nothing to warm.
	Prewarm(url string)

	SendTraces(traces []TraceEvent) error
	RunScheduled(scheduledTime time.Time, cron string) error
	RunAlarm(scheduledTime time.Time) error
	CustomEvent(eventType string) error
}

// TraceEvent is a placeholder for trace delivery to tail workers. Tracing is
// not implemented in this host; the type exists so the WorkerInterface shape
// is stable.
type TraceEvent struct {
	ScriptName string
	Timestamp  time.Time
}
