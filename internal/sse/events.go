package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HelloEventPayload is the JSON payload for the initial "hello" event.
type HelloEventPayload struct {
	AppVersion string `json:"appVersion"`
}

// ChangeEventPayload is the JSON payload for "change" events.
type ChangeEventPayload struct {
	Paths []string `json:"paths"`
}

// formatSSEEvent formats an SSE event with the given type and JSON-encoded data.
func formatSSEEvent(eventType string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal SSE event data: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", eventType, jsonData)
	return buf.Bytes(), nil
}

// formatKeepalive returns a SSE keepalive comment.
func formatKeepalive() []byte {
	return []byte(":keepalive\n\n")
}
