// Package sse implements the framing for the streaming wire format: an event
// name line, a single JSON data line, and a blank terminator line.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Recognized outbound event names.
const (
	EventConnection = "connection"
	EventEvent      = "event"
	EventHeartbeat  = "heartbeat"
	EventError      = "error"
	EventSystem     = "system"
	EventArming     = "arming"
)

// Frame serializes a payload into a wire frame: "event: <name>\ndata: <json>\n\n".
func Frame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	return FrameRaw(event, data), nil
}

// FrameRaw frames pre-serialized JSON. The payload is compacted onto a single
// line so a client parser can always locate the blank-line terminator.
func FrameRaw(event string, data []byte) []byte {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		// Not valid JSON; ship it as a JSON string so the frame stays parseable.
		quoted, _ := json.Marshal(string(data))
		compact.Reset()
		compact.Write(quoted)
	}

	var buf bytes.Buffer
	buf.Grow(len(event) + compact.Len() + 16)
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(compact.Bytes())
	buf.WriteString("\n\n")
	return buf.Bytes()
}
