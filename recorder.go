package edgehost

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// responseRecorder is a Responder that buffers the response in memory. It
// backs subrequest channel dispatch, where the script engine consumes whole
// responses.
type responseRecorder struct {
	status     int
	statusText string
	headers    http.Header
	body       bytes.Buffer
	sent       bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{headers: make(http.Header)}
}

func (r *responseRecorder) Send(status int, statusText string, headers http.Header, expectedSize int64) (io.Writer, error) {
	r.status = status
	r.statusText = statusText
	r.headers = headers.Clone()
	r.sent = true
	return &r.body, nil
}

func (r *responseRecorder) AcceptWebSocket(headers http.Header) (*websocket.Conn, error) {
	return nil, errors.New("WebSockets are not supported on buffered subrequest channels")
}

func (r *responseRecorder) SendError(status int, statusText string) error {
	r.status = status
	r.statusText = statusText
	r.headers = http.Header{"Content-Type": []string{"text/plain;charset=UTF-8"}}
	r.body.Reset()
	r.body.WriteString(statusText)
	r.sent = true
	return nil
}
