// Package runner sequences the setup, test-body and teardown scripts of a
// protocol test across a pool of live sessions.
//
// A Runner creates the sessions through a SessionFactory, binds every one of
// them to a single Continuation, runs the three phases strictly in order and
// stops every session on the way out, whatever happened in between.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mptlog "github.com/mash-protocol/mpt/pkg/log"
)

// Config configures a Runner.
type Config struct {
	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives runner state changes. Optional.
	ProtocolLogger mptlog.Logger

	// ScriptID tags protocol log events.
	ScriptID string

	// StopTimeout bounds each Session.Stop call during cleanup.
	StopTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() *Config {
	return &Config{
		Logger:      slog.Default(),
		StopTimeout: 5 * time.Second,
	}
}

// Runner runs protocol scripts.
type Runner struct {
	phases PhaseSet
	config *Config
	logger *slog.Logger
	plog   mptlog.Logger

	running atomic.Bool

	mu                   sync.Mutex
	state                State
	continueAfterFailure bool
}

// New creates a Runner over the given phases. Nil phases are treated as
// empty scripts.
func New(phases PhaseSet, config *Config) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	for i, p := range phases {
		if p == nil {
			phases[i] = emptyPhase{}
		}
	}
	return &Runner{
		phases: phases,
		config: config,
		logger: config.Logger,
		plog:   mptlog.OrNoop(config.ProtocolLogger),
	}
}

// ContinueAfterFailure makes every phase record mismatches and keep going,
// reporting them together at the end of the phase instead of failing fast.
func (r *Runner) ContinueAfterFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.continueAfterFailure = true
	for _, p := range r.phases {
		p.SetContinueAfterFailure(true)
	}
}

// Phase returns the script run for p.
func (r *Runner) Phase(p Phase) ScriptPhase {
	return r.phases[p]
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RunSessions runs setup, test body and teardown against a fresh pool of
// sessions sized by the test body. Sessions are stopped on every exit path.
//
// A failure returned by a phase stops progression: later phase scripts are
// not run. In continue-after-failure mode, mismatches a phase merely
// recorded do not stop progression; they are reported together, under the
// first phase that recorded any, once all phases have run. A
// *CleanupError wraps the result when sessions failed to stop.
func (r *Runner) RunSessions(ctx context.Context, factory SessionFactory) (err error) {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer r.running.Store(false)

	if r.State() != StateCreated {
		r.setState(StateCreated, "rerun")
	}

	n := r.phases[PhaseTestBody].SessionCount()
	cont := newPhaseContinuation(r.logger)
	sessions := make([]Session, 0, n)

	defer func() {
		cont.deactivate()
		if stops := r.stopSessions(ctx, sessions); len(stops) > 0 {
			err = &CleanupError{Primary: err, Stops: stops}
		}
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		r.setState(StateStopped, reason)
	}()

	r.logger.Debug("starting sessions", "count", n)
	for i := 0; i < n; i++ {
		s, serr := factory.NewSession(ctx, cont)
		if serr != nil {
			return &StartupError{Index: i, Err: serr}
		}
		// Tracked before Start so a half-started session is still stopped.
		sessions = append(sessions, s)
		if serr := s.Start(ctx); serr != nil {
			return &StartupError{Index: i, Err: serr}
		}
	}

	r.mu.Lock()
	accumulate := r.continueAfterFailure
	r.mu.Unlock()

	var recorded []*MismatchError
	firstRecorded := PhaseSetup
	withRecorded := func(err error) error {
		if len(recorded) == 0 {
			return err
		}
		return &PhaseError{Phase: firstRecorded, Err: &AggregateError{Failures: recorded, Err: err}}
	}

	for _, p := range Phases() {
		if cerr := ctx.Err(); cerr != nil {
			return withRecorded(&PhaseError{Phase: p, Err: cerr})
		}
		script := r.phases[p]
		r.setState(stateFor(p), "")
		cont.activate(p, script)

		start := time.Now()
		perr := script.RunSessions(ctx, sessions)
		if perr == nil {
			r.logger.Debug("phase complete", "phase", p.String(), "duration", time.Since(start))
			continue
		}
		tagPhase(perr, p)

		var ae *AggregateError
		if accumulate && errors.As(perr, &ae) && ae.Err == nil {
			r.logger.Warn("phase recorded failures", "phase", p.String(), "count", len(ae.Failures))
			if len(recorded) == 0 {
				firstRecorded = p
			}
			recorded = append(recorded, ae.Failures...)
			continue
		}
		r.logger.Warn("phase failed", "phase", p.String(), "error", perr)
		return withRecorded(&PhaseError{Phase: p, Err: perr})
	}
	return withRecorded(nil)
}

// tagPhase labels the mismatches in err with the phase that produced them.
func tagPhase(err error, p Phase) {
	var ae *AggregateError
	if errors.As(err, &ae) {
		for _, f := range ae.Failures {
			if f.Phase == "" {
				f.Phase = p.String()
			}
		}
		return
	}
	var me *MismatchError
	if errors.As(err, &me) && me.Phase == "" {
		me.Phase = p.String()
	}
}

// stopSessions stops sessions in reverse start order and collects failures.
// Cleanup runs even when ctx is already cancelled.
func (r *Runner) stopSessions(ctx context.Context, sessions []Session) []*StopError {
	var stops []*StopError
	for i := len(sessions) - 1; i >= 0; i-- {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.StopTimeout)
		err := sessions[i].Stop(stopCtx)
		cancel()
		if err != nil {
			r.logger.Warn("session failed to stop", "session", i, "error", err)
			stops = append(stops, &StopError{Index: i, Err: err})
		}
	}
	// Report in session order regardless of stop order.
	for i, j := 0, len(stops)-1; i < j; i, j = i+1, j-1 {
		stops[i], stops[j] = stops[j], stops[i]
	}
	return stops
}

func (r *Runner) setState(s State, reason string) {
	r.mu.Lock()
	old := r.state
	r.state = s
	r.mu.Unlock()

	r.logger.Debug("runner state", "from", old.String(), "to", s.String())
	r.plog.Log(mptlog.Event{
		Timestamp: time.Now(),
		Category:  mptlog.CategoryState,
		ScriptID:  r.config.ScriptID,
		StateChange: &mptlog.StateChangeEvent{
			Entity:   mptlog.StateEntityRunner,
			OldState: old.String(),
			NewState: s.String(),
			Reason:   reason,
		},
	})
}
