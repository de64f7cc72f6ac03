// Package commands implements the mpt-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/mash-protocol/mpt/pkg/log"
)

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [sess:id] DIRECTION CATEGORY script/phase
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [sess:%s] %-3s %s", ts, shortenSessionID(event.SessionID), event.Direction, event.Category)
	if where := scope(event); where != "" {
		fmt.Fprintf(w, " %s", where)
	}
	fmt.Fprintln(w)

	switch {
	case event.Line != nil:
		formatLineDetails(w, event.Direction, event.Line)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Continuation != nil:
		fmt.Fprintf(w, "  Line: %s\n", event.Continuation.Line)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w) // Blank line between events
}

// scope names the script and phase an event belongs to.
func scope(event log.Event) string {
	switch {
	case event.ScriptID != "" && event.Phase != "":
		return event.ScriptID + "/" + event.Phase
	case event.ScriptID != "":
		return event.ScriptID
	default:
		return event.Phase
	}
}

// shortenSessionID returns the first 8 characters of the session ID.
func shortenSessionID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// linePrefix marks client lines "C:" and server lines "S:".
func linePrefix(d log.Direction) string {
	if d == log.DirectionOut {
		return "C:"
	}
	return "S:"
}

func formatLineDetails(w io.Writer, d log.Direction, line *log.LineEvent) {
	fmt.Fprintf(w, "  %s %s", linePrefix(d), line.Text)
	if line.Truncated {
		fmt.Fprintf(w, " (truncated, %d bytes)", line.Size)
	}
	fmt.Fprintln(w)
}

// formatStateChangeDetails writes state change details.
func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

// formatErrorDetails writes error details.
func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be line, continuation, state or error)", s)
	}
	return c, nil
}

// RunView prints the events matching filter.
func RunView(path string, filter log.Filter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}

	return nil
}

// RunTranscript prints only the protocol lines, one per row, in the
// "C: ..." / "S: ..." form scripts use.
func RunTranscript(path string, filter log.Filter, output io.Writer) error {
	category := log.CategoryLine
	filter.Category = &category

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if event.Line == nil {
			continue
		}
		fmt.Fprintf(output, "[%s] %s %s\n", shortenSessionID(event.SessionID), linePrefix(event.Direction), event.Line.Text)
	}
}
