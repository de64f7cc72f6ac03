package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mash-protocol/mpt/pkg/log"
)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mlog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

// sessionEvents is a short exchange on one session followed by a runner
// state change.
func sessionEvents() []log.Event {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)
	return []log.Event{
		{
			Timestamp: ts,
			SessionID: "abc12345-0000",
			Direction: log.DirectionOut,
			Category:  log.CategoryLine,
			ScriptID:  "IMAP-APPEND-001",
			Phase:     "TEST_BODY",
			Line:      log.NewLineEvent("a001 APPEND INBOX {5}"),
		},
		{
			Timestamp:    ts.Add(time.Millisecond),
			SessionID:    "abc12345-0000",
			Direction:    log.DirectionIn,
			Category:     log.CategoryContinuation,
			ScriptID:     "IMAP-APPEND-001",
			Continuation: &log.ContinuationEvent{Line: "+ Ready"},
		},
		{
			Timestamp: ts.Add(2 * time.Millisecond),
			SessionID: "abc12345-0000",
			Direction: log.DirectionIn,
			Category:  log.CategoryLine,
			ScriptID:  "IMAP-APPEND-001",
			Line:      log.NewLineEvent("a001 OK APPEND completed"),
		},
		{
			Timestamp: ts.Add(3 * time.Millisecond),
			Category:  log.CategoryState,
			ScriptID:  "IMAP-APPEND-001",
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityRunner,
				OldState: "TEARDOWN",
				NewState: "STOPPED",
			},
		},
	}
}

func TestViewFormatsEvents(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	want := []string{
		"2026-01-28T10:15:32.123456Z [sess:abc12345] OUT LINE IMAP-APPEND-001/TEST_BODY",
		"  C: a001 APPEND INBOX {5}",
		"  Line: + Ready",
		"  S: a001 OK APPEND completed",
		"[sess:-]",
		"  Entity: RUNNER",
		"  TEARDOWN -> STOPPED",
	}
	for _, w := range want {
		if !strings.Contains(output, w) {
			t.Errorf("expected %q in output:\n%s", w, output)
		}
	}
}

func TestViewAppliesFilter(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	filter, err := BuildFilter(FilterOptions{Direction: "in", Category: "line"})
	if err != nil {
		t.Fatalf("BuildFilter failed: %v", err)
	}

	var buf bytes.Buffer
	if err := RunView(path, filter, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	if strings.Contains(output, "APPEND INBOX") {
		t.Error("outgoing line should be filtered out")
	}
	if !strings.Contains(output, "a001 OK APPEND completed") {
		t.Error("expected incoming line in output")
	}
}

func TestViewTruncatedLine(t *testing.T) {
	long := strings.Repeat("x", log.MaxLogLineSize+10)
	path := createTestLogFile(t, []log.Event{{
		Timestamp: time.Now(),
		SessionID: "s",
		Direction: log.DirectionIn,
		Line:      log.NewLineEvent(long),
	}})

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(truncated, 4106 bytes)") {
		t.Errorf("expected truncation marker, got:\n%s", buf.String())
	}
}

func TestTranscript(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunTranscript(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunTranscript failed: %v", err)
	}

	want := "[abc12345] C: a001 APPEND INBOX {5}\n[abc12345] S: a001 OK APPEND completed\n"
	if buf.String() != want {
		t.Errorf("transcript mismatch:\ngot:  %q\nwant: %q", buf.String(), want)
	}
}

func TestParseFlags(t *testing.T) {
	if d, err := ParseDirectionFlag("OUT"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(OUT) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("sideways"); err == nil {
		t.Error("expected error for invalid direction")
	}
	if c, err := ParseCategoryFlag("continuation"); err != nil || c != log.CategoryContinuation {
		t.Errorf("ParseCategoryFlag(continuation) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("frame"); err == nil {
		t.Error("expected error for invalid category")
	}
}

func TestBuildFilterRejectsBadTime(t *testing.T) {
	if _, err := BuildFilter(FilterOptions{TimeStart: "yesterday"}); err == nil {
		t.Error("expected error for invalid time-start")
	}
	if _, err := BuildFilter(FilterOptions{TimeEnd: "tomorrow"}); err == nil {
		t.Error("expected error for invalid time-end")
	}
}

func TestExportToJSONL(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunExport(path, "jsonl", "", &buf); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}

	var first log.Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to parse first line: %v", err)
	}
	if first.Line == nil || first.Line.Text != "a001 APPEND INBOX {5}" {
		t.Errorf("unexpected first event: %+v", first)
	}
}

func TestExportToCSV(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", out, nil); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	records := readCSV(t, out)
	if len(records) != 5 {
		t.Fatalf("expected header + 4 rows, got %d", len(records))
	}
	if records[0][1] != "session_id" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if got := records[2][6:]; got[0] != "continuation" || got[1] != "+ Ready" {
		t.Errorf("unexpected continuation row: %v", records[2])
	}
	if got := records[4][7]; got != "RUNNER STOPPED" {
		t.Errorf("unexpected state text: %q", got)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	if err := RunExport(path, "xml", "", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFilterWritesMatchingEvents(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "filtered.mlog")

	n, err := RunFilter(path, out, FilterOptions{SessionID: "abc12345-0000", Category: "line"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}

	r, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer r.Close()
	events, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events in output, got %d", len(events))
	}
}

func TestStats(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	stats, err := CollectStats(path)
	if err != nil {
		t.Fatalf("CollectStats failed: %v", err)
	}
	if stats.TotalEvents != 4 {
		t.Errorf("expected 4 events, got %d", stats.TotalEvents)
	}
	if stats.Continuations != 1 {
		t.Errorf("expected 1 continuation, got %d", stats.Continuations)
	}
	sess := stats.Sessions["abc12345-0000"]
	if sess == nil || sess.LinesIn != 1 || sess.LinesOut != 1 || sess.Events != 3 {
		t.Errorf("unexpected session stats: %+v", sess)
	}
	if len(stats.Sessions) != 1 {
		t.Errorf("runner events should not create sessions, got %d", len(stats.Sessions))
	}

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()
	for _, w := range []string{"Total Events: 4", "CONTINUATION:", "Scripts: 1", "[abc12345] 3 events (1 in, 1 out)", "Continuations: 1"} {
		if !strings.Contains(output, w) {
			t.Errorf("expected %q in output:\n%s", w, output)
		}
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}
	return records
}
