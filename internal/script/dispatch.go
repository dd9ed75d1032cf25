package script

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type wireRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"bodyB64"`
}

// DispatchChannelJSON bridges the JSON form of a subrequest (as produced by
// the __env_fetch runtime JS) through a ChannelDispatcher and re-encodes the
// response. Both engines register this behind their __channel_fetch hook.
// Response bodies are capped at maxResponseBytes.
func DispatchChannelJSON(d ChannelDispatcher, channel, maxResponseBytes int, reqJSON string) (string, error) {
	var wire wireRequest
	if err := json.Unmarshal([]byte(reqJSON), &wire); err != nil {
		return "", fmt.Errorf("invalid subrequest JSON: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(wire.BodyB64)
	if err != nil {
		return "", fmt.Errorf("decoding subrequest body: %w", err)
	}

	resp, err := d.DispatchChannel(channel, &Request{
		Method:  wire.Method,
		URL:     wire.URL,
		Headers: wire.Headers,
		Body:    body,
	})
	if err != nil {
		return "", err
	}

	respBody := resp.Body
	if maxResponseBytes > 0 && len(respBody) > maxResponseBytes {
		respBody = respBody[:maxResponseBytes]
	}
	out, err := json.Marshal(wireResponse{
		Status:     resp.StatusCode,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		BodyB64:    base64.StdEncoding.EncodeToString(respBody),
	})
	if err != nil {
		return "", fmt.Errorf("encoding subrequest response: %w", err)
	}
	return string(out), nil
}
