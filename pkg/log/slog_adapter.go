package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("category", event.Category.String()),
	}
	if event.SessionID != "" {
		attrs = append(attrs,
			slog.String("session_id", event.SessionID),
			slog.String("direction", event.Direction.String()),
		)
	}
	if event.ScriptID != "" {
		attrs = append(attrs, slog.String("script", event.ScriptID))
	}
	if event.Phase != "" {
		attrs = append(attrs, slog.String("phase", event.Phase))
	}

	switch {
	case event.Line != nil:
		attrs = append(attrs,
			slog.String("line", event.Line.Text),
			slog.Int("size", event.Line.Size),
		)
		if event.Line.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Continuation != nil:
		attrs = append(attrs, slog.String("line", event.Continuation.Line))
	case event.Error != nil:
		attrs = append(attrs, slog.String("error", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
