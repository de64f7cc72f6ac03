package runner

import "context"

// Session is one live protocol connection driven by a script.
type Session interface {
	// Start brings the session up. It is called once per run.
	Start(ctx context.Context) error

	// Stop tears the session down. It is called exactly once per run,
	// including after a failed Start, so it must tolerate partial starts.
	Stop(ctx context.Context) error
}

// Continuation lets a session tell the runner it is ready for its next
// scripted step. DoContinue may be called from any goroutine, at any time,
// and never blocks on the script.
type Continuation interface {
	DoContinue()
}

// SessionFactory creates sessions bound to a continuation.
type SessionFactory interface {
	NewSession(ctx context.Context, cont Continuation) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(ctx context.Context, cont Continuation) (Session, error)

// NewSession calls f.
func (f SessionFactoryFunc) NewSession(ctx context.Context, cont Continuation) (Session, error) {
	return f(ctx, cont)
}

// ScriptPhase is the script for one phase of a run.
type ScriptPhase interface {
	// SessionCount returns how many distinct sessions the script addresses.
	SessionCount() int

	// SetContinueAfterFailure switches between fail-fast and
	// accumulate-and-report handling of mismatches.
	SetContinueAfterFailure(bool)

	// RunSessions drives the script against sessions. In fail-fast mode the
	// first mismatch is returned as *MismatchError; in accumulate mode all
	// mismatches are returned together as *AggregateError.
	RunSessions(ctx context.Context, sessions []Session) error

	// DoContinue delivers a continuation signal from a session.
	DoContinue()
}

// PhaseSet holds one script per phase, indexed by Phase.
type PhaseSet [phaseCount]ScriptPhase

// emptyPhase stands in for a phase with no script.
type emptyPhase struct{}

func (emptyPhase) SessionCount() int                            { return 0 }
func (emptyPhase) SetContinueAfterFailure(bool)                 {}
func (emptyPhase) RunSessions(context.Context, []Session) error { return nil }
func (emptyPhase) DoContinue()                                  {}
