package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestSlogAdapterLogsLineEvent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(Event{
		Timestamp: time.Now(),
		SessionID: "sess-9",
		Direction: DirectionIn,
		Category:  CategoryLine,
		Phase:     "SETUP",
		Line:      NewLineEvent("* OK ready"),
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["session_id"] != "sess-9" {
		t.Errorf("session_id: got %v", entry["session_id"])
	}
	if entry["direction"] != "IN" {
		t.Errorf("direction: got %v", entry["direction"])
	}
	if entry["line"] != "* OK ready" {
		t.Errorf("line: got %v", entry["line"])
	}
	if entry["phase"] != "SETUP" {
		t.Errorf("phase: got %v", entry["phase"])
	}
}

func TestSlogAdapterRunnerStateOmitsDirection(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(Event{
		Category:    CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityRunner, OldState: "CREATED", NewState: "SETUP"},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if _, ok := entry["direction"]; ok {
		t.Error("runner events should not carry a direction")
	}
	if entry["new_state"] != "SETUP" {
		t.Errorf("new_state: got %v", entry["new_state"])
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	var a, b recordingLogger
	m := NewMultiLogger(&a, nil, &b)
	m.Log(Event{SessionID: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("got %d and %d events, want 1 each", len(a.events), len(b.events))
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
	var r recordingLogger
	if OrNoop(&r) != Logger(&r) {
		t.Error("OrNoop should return a non-nil logger unchanged")
	}
}

type recordingLogger struct{ events []Event }

func (r *recordingLogger) Log(ev Event) { r.events = append(r.events, ev) }
