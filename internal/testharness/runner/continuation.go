package runner

import (
	"log/slog"
	"sync/atomic"
)

// activePhase is the phase a continuation forwards to.
type activePhase struct {
	phase  Phase
	script ScriptPhase
}

// phaseContinuation forwards continuation signals to the active phase.
// The runner goroutine is the only writer; session goroutines only load.
// One instance serves exactly one run.
type phaseContinuation struct {
	active atomic.Pointer[activePhase]
	logger *slog.Logger
}

func newPhaseContinuation(logger *slog.Logger) *phaseContinuation {
	return &phaseContinuation{logger: logger}
}

func (c *phaseContinuation) activate(p Phase, script ScriptPhase) {
	c.active.Store(&activePhase{phase: p, script: script})
}

func (c *phaseContinuation) deactivate() {
	c.active.Store(nil)
}

// DoContinue forwards to the active phase, or does nothing when none is
// active. No lock is held while the phase handles the signal.
func (c *phaseContinuation) DoContinue() {
	ap := c.active.Load()
	if ap == nil {
		c.logger.Debug("continuation outside of a phase ignored")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("continuation handler panicked",
				"phase", ap.phase.String(), "panic", r)
		}
	}()
	ap.script.DoContinue()
}

var _ Continuation = (*phaseContinuation)(nil)
