package log

import "time"

// Event is a protocol log event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the session (UUID). Empty for runner events.
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates line flow.
	Direction Direction `cbor:"3,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"4,keyasint"`

	// ScriptID is the script being run, when known.
	ScriptID string `cbor:"5,keyasint,omitempty"`

	// Phase is the script phase active when the event was captured.
	Phase string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Line         *LineEvent         `cbor:"10,keyasint,omitempty"`
	StateChange  *StateChangeEvent  `cbor:"11,keyasint,omitempty"`
	Continuation *ContinuationEvent `cbor:"12,keyasint,omitempty"`
	Error        *ErrorEventData    `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of line flow.
type Direction uint8

const (
	// DirectionIn is a line received from the peer.
	DirectionIn Direction = 0
	// DirectionOut is a line sent to the peer.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryLine is a protocol line.
	CategoryLine Category = 0
	// CategoryContinuation is a continuation request from the peer.
	CategoryContinuation Category = 1
	// CategoryState is a state change.
	CategoryState Category = 2
	// CategoryError is an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryLine:
		return "LINE"
	case CategoryContinuation:
		return "CONTINUATION"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as printed by String.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryLine; c <= CategoryError; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// LineEvent captures one protocol line.
type LineEvent struct {
	// Text is the line without its terminator (may be truncated).
	Text string `cbor:"1,keyasint"`

	// Size is the original line length in bytes.
	Size int `cbor:"2,keyasint"`

	// Truncated indicates Text was shortened.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxLogLineSize is the longest line text stored in an event.
const MaxLogLineSize = 4096

// NewLineEvent builds a LineEvent, truncating long lines.
func NewLineEvent(text string) *LineEvent {
	ev := &LineEvent{Text: text, Size: len(text)}
	if len(text) > MaxLogLineSize {
		ev.Text = text[:MaxLogLineSize]
		ev.Truncated = true
	}
	return ev
}

// StateChangeEvent captures session and runner lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession is a session state change.
	StateEntitySession StateEntity = 0
	// StateEntityRunner is a runner state change.
	StateEntityRunner StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityRunner:
		return "RUNNER"
	default:
		return "UNKNOWN"
	}
}

// ContinuationEvent captures a continuation request forwarded to the script.
type ContinuationEvent struct {
	// Line is the peer line that requested continuation.
	Line string `cbor:"1,keyasint,omitempty"`
}

// ErrorEventData captures errors.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"2,keyasint,omitempty"`
}
