package sse

import (
	"strings"
	"testing"
)

func TestFrame(t *testing.T) {
	frame, err := Frame(EventSystem, map[string]any{"message": "server_shutdown"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := string(frame)
	if got != "event: system\ndata: {\"message\":\"server_shutdown\"}\n\n" {
		t.Fatalf("unexpected frame: %q", got)
	}
}

func TestFrameMarshalError(t *testing.T) {
	if _, err := Frame(EventEvent, func() {}); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestFrameRawCompactsMultilineJSON(t *testing.T) {
	pretty := []byte("{\n  \"category\": \"security\",\n  \"type\": \"intrusion\"\n}")
	frame := string(FrameRaw(EventEvent, pretty))

	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame missing blank-line terminator: %q", frame)
	}
	body := strings.TrimSuffix(frame, "\n\n")
	if strings.Count(body, "\n") != 1 {
		t.Fatalf("data must be a single line: %q", frame)
	}
	if !strings.Contains(frame, `data: {"category":"security","type":"intrusion"}`) {
		t.Fatalf("unexpected data line: %q", frame)
	}
}

func TestFrameRawNonJSONPayload(t *testing.T) {
	frame := string(FrameRaw(EventError, []byte("not json")))

	if !strings.Contains(frame, `data: "not json"`) {
		t.Fatalf("non-JSON payload should be shipped as a JSON string: %q", frame)
	}
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame missing terminator: %q", frame)
	}
}

func TestFrameHeartbeat(t *testing.T) {
	frame := string(FrameRaw(EventHeartbeat, []byte(`{}`)))
	if frame != "event: heartbeat\ndata: {}\n\n" {
		t.Fatalf("unexpected heartbeat frame: %q", frame)
	}
}
