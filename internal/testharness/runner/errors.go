package runner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRunInProgress is returned when RunSessions is called on a runner that
// is already running.
var ErrRunInProgress = errors.New("runner: run already in progress")

// ErrorKind classifies a run failure.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota
	// KindStartup means a session failed to come up before any phase ran.
	KindStartup
	// KindMismatch means a scripted expectation was not met (fail-fast).
	KindMismatch
	// KindAggregate means one or more mismatches were collected in
	// continue-after-failure mode.
	KindAggregate
	// KindTeardown means only session stop failed.
	KindTeardown
	// KindOther is any other failure (I/O, cancellation, bad script).
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStartup:
		return "startup"
	case KindMismatch:
		return "mismatch"
	case KindAggregate:
		return "aggregate"
	case KindTeardown:
		return "teardown"
	default:
		return "other"
	}
}

// Kind classifies err by its primary cause. Stop failures attached to an
// earlier failure do not change its kind.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ce *CleanupError
	if errors.As(err, &ce) {
		if ce.Primary == nil {
			return KindTeardown
		}
		err = ce.Primary
	}
	var se *StartupError
	if errors.As(err, &se) {
		return KindStartup
	}
	var ae *AggregateError
	if errors.As(err, &ae) {
		return KindAggregate
	}
	var me *MismatchError
	if errors.As(err, &me) {
		return KindMismatch
	}
	return KindOther
}

// StartupError reports a session that could not be created or started.
type StartupError struct {
	Index int
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("session %d failed to start: %v", e.Index, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// MismatchError reports a scripted step whose expectation was not met.
type MismatchError struct {
	// Phase names the runner phase, filled in by the runner.
	Phase string
	// Step is the 0-based index of the element within its phase.
	Step int
	// Session is the index of the session the element addressed.
	Session int
	// Element describes the scripted element.
	Element string
	// Expected and Actual describe the mismatch.
	Expected string
	Actual   string
	// Location is the script position (file:line), when known.
	Location string
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	if e.Location != "" {
		b.WriteString(e.Location)
		b.WriteString(": ")
	}
	if e.Phase != "" {
		b.WriteString(e.Phase)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "step %d (session %d, %s): expected %q, got %q",
		e.Step+1, e.Session, e.Element, e.Expected, e.Actual)
	return b.String()
}

// AggregateError carries every mismatch recorded by a phase running in
// continue-after-failure mode. Err is set when something other than a
// mismatch ended the phase early.
type AggregateError struct {
	Failures []*MismatchError
	Err      error
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d scripted step(s) failed", len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.Error())
	}
	if e.Err != nil {
		b.WriteString("\n  aborted: ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the abort cause followed by each mismatch.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// PhaseError wraps a failure returned by a phase.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// StopError reports a session that failed to stop.
type StopError struct {
	Index int
	Err   error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("session %d failed to stop: %v", e.Index, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// CleanupError is returned when sessions failed to stop. Primary is the
// failure that was already propagating, if any; it always comes first so
// errors.As finds the root cause before the stop failures.
type CleanupError struct {
	Primary error
	Stops   []*StopError
}

func (e *CleanupError) Error() string {
	parts := make([]string, len(e.Stops))
	for i, s := range e.Stops {
		parts[i] = s.Error()
	}
	stops := strings.Join(parts, "; ")
	if e.Primary == nil {
		return stops
	}
	return fmt.Sprintf("%v (cleanup: %s)", e.Primary, stops)
}

func (e *CleanupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Stops)+1)
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	for _, s := range e.Stops {
		errs = append(errs, s)
	}
	return errs
}

// Mismatches returns every scripted mismatch carried by err.
func Mismatches(err error) []*MismatchError {
	var ae *AggregateError
	if errors.As(err, &ae) {
		return append([]*MismatchError(nil), ae.Failures...)
	}
	var me *MismatchError
	if errors.As(err, &me) {
		return []*MismatchError{me}
	}
	return nil
}
