// Package script implements the scripted phases driven by the runner.
//
// A Phase is an ordered list of elements (send a line, expect a line, wait
// for a continuation request, ...), each addressed to one session of the
// run's pool. Phases fail fast on the first mismatch unless continue-after-
// failure is set, in which case every mismatch is collected and reported
// once the phase has evaluated all of its elements.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/mpt/internal/testharness/runner"
)

// LineSession is a session that exchanges protocol lines.
type LineSession interface {
	runner.Session
	ReadLine(ctx context.Context) (string, error)
	WriteLine(ctx context.Context, line string) error
}

// Restarter is implemented by sessions that can reconnect mid-script.
type Restarter interface {
	Restart(ctx context.Context) error
}

// ErrReadTimeout is returned when a session produced no line in time.
var ErrReadTimeout = errors.New("read timeout")

// Config configures phase execution.
type Config struct {
	// ReadTimeout bounds each line read.
	ReadTimeout time.Duration

	// ContinuationTimeout bounds each wait for a continuation request.
	ContinuationTimeout time.Duration

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default phase configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:         10 * time.Second,
		ContinuationTimeout: 10 * time.Second,
		Logger:              slog.Default(),
	}
}

// StepResult is the outcome of one element in the last run.
type StepResult struct {
	Index    int
	Element  string
	Session  int
	Location string
	Passed   bool
	Err      error
	Duration time.Duration
}

// Phase is an ordered script for one phase of a run.
type Phase struct {
	name     string
	elements []Element
	config   *Config
	logger   *slog.Logger

	continueAfterFailure atomic.Bool

	// Continuation signals: pending counts undelivered signals, notify
	// wakes a waiter. Signals are never dropped.
	pending atomic.Int64
	notify  chan struct{}

	mu      sync.Mutex
	results []*StepResult
}

// New creates a phase named name.
func New(name string, config *Config, elements ...Element) *Phase {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.ContinuationTimeout <= 0 {
		config.ContinuationTimeout = def.ContinuationTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Phase{
		name:     name,
		elements: elements,
		config:   config,
		logger:   config.Logger,
		notify:   make(chan struct{}, 1),
	}
}

// Name returns the phase name.
func (p *Phase) Name() string { return p.name }

// Add appends elements.
func (p *Phase) Add(elements ...Element) {
	p.elements = append(p.elements, elements...)
}

// Elements returns the scripted elements.
func (p *Phase) Elements() []Element { return p.elements }

// SessionCount returns the highest session index addressed plus one.
func (p *Phase) SessionCount() int {
	n := 0
	for _, el := range p.elements {
		if i := el.SessionIndex(); i+1 > n {
			n = i + 1
		}
	}
	return n
}

// SetContinueAfterFailure toggles accumulate-and-report mode.
func (p *Phase) SetContinueAfterFailure(v bool) {
	p.continueAfterFailure.Store(v)
}

// ContinueAfterFailure reports whether accumulate mode is on.
func (p *Phase) ContinueAfterFailure() bool {
	return p.continueAfterFailure.Load()
}

// DoContinue records a continuation signal and wakes a waiting Await. It
// never blocks.
func (p *Phase) DoContinue() {
	p.pending.Add(1)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Phase) takeSignal() bool {
	for {
		n := p.pending.Load()
		if n <= 0 {
			return false
		}
		if p.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *Phase) awaitContinuation(ctx context.Context) error {
	for {
		if p.takeSignal() {
			return nil
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunSessions runs every element in order against sessions.
func (p *Phase) RunSessions(ctx context.Context, sessions []runner.Session) error {
	x := &Exec{
		phase:    p,
		config:   p.config,
		logger:   p.logger,
		sessions: sessions,
	}
	accumulate := p.continueAfterFailure.Load()

	p.mu.Lock()
	p.results = make([]*StepResult, 0, len(p.elements))
	p.mu.Unlock()

	defer p.discardSignals()

	var failures []*runner.MismatchError
	for i, el := range p.elements {
		start := time.Now()
		err := el.Run(ctx, x)

		var me *runner.MismatchError
		if errors.As(err, &me) {
			me.Step = i
			if me.Location == "" {
				me.Location = el.Location().String()
			}
		} else if err != nil {
			err = fmt.Errorf("%s step %d (%s): %w", p.name, i+1, el, err)
		}
		p.record(&StepResult{
			Index:    i,
			Element:  el.String(),
			Session:  el.SessionIndex(),
			Location: el.Location().String(),
			Passed:   err == nil,
			Err:      err,
			Duration: time.Since(start),
		})

		switch {
		case err == nil:
		case me != nil && accumulate:
			p.logger.Debug("step mismatch recorded", "phase", p.name, "step", i+1, "error", me)
			failures = append(failures, me)
		case me != nil:
			return me
		default:
			if len(failures) > 0 {
				return &runner.AggregateError{Failures: failures, Err: err}
			}
			return err
		}
	}

	if len(failures) > 0 {
		return &runner.AggregateError{Failures: failures}
	}
	return nil
}

// Results returns the step results of the most recent run.
func (p *Phase) Results() []*StepResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*StepResult(nil), p.results...)
}

func (p *Phase) record(r *StepResult) {
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
}

func (p *Phase) discardSignals() {
	if n := p.pending.Swap(0); n > 0 {
		p.logger.Debug("unconsumed continuation signals", "phase", p.name, "count", n)
	}
	select {
	case <-p.notify:
	default:
	}
}

// Exec gives elements access to the run's sessions.
type Exec struct {
	phase    *Phase
	config   *Config
	logger   *slog.Logger
	sessions []runner.Session
}

// Session returns session i as a LineSession.
func (x *Exec) Session(i int) (LineSession, error) {
	if i < 0 || i >= len(x.sessions) {
		return nil, fmt.Errorf("session %d out of range (pool has %d)", i, len(x.sessions))
	}
	ls, ok := x.sessions[i].(LineSession)
	if !ok {
		return nil, fmt.Errorf("session %d (%T) does not exchange lines", i, x.sessions[i])
	}
	return ls, nil
}

// ReadLine reads one line from session i within the read timeout.
func (x *Exec) ReadLine(ctx context.Context, i int) (string, error) {
	s, err := x.Session(i)
	if err != nil {
		return "", err
	}
	readCtx, cancel := context.WithTimeout(ctx, x.config.ReadTimeout)
	defer cancel()

	line, err := s.ReadLine(readCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("session %d: %w after %s", i, ErrReadTimeout, x.config.ReadTimeout)
		}
		return "", fmt.Errorf("read from session %d: %w", i, err)
	}
	return line, nil
}

var _ runner.ScriptPhase = (*Phase)(nil)
