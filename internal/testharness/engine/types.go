// Package engine provides test execution orchestration for the protocol
// test harness: one fresh Runner per script, with results collected per
// phase and step.
package engine

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/mash-protocol/mpt/internal/testharness/loader"
	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/internal/testharness/script"
	"github.com/mash-protocol/mpt/pkg/log"
)

// TestResult represents the outcome of a single script.
type TestResult struct {
	// RunID uniquely identifies this execution.
	RunID string

	// Script is the script that was executed.
	Script *loader.Script

	// Passed indicates the run completed without any failure.
	Passed bool

	// Error is the error that caused failure, if any.
	Error error

	// Kind classifies Error.
	Kind runner.ErrorKind

	// Phases holds step results for setup, test body and teardown, in order.
	Phases []*PhaseResult

	// Duration is how long the test took.
	Duration time.Duration

	// StartTime when the test started.
	StartTime time.Time

	// EndTime when the test finished.
	EndTime time.Time

	// Skipped indicates the script was filtered out.
	Skipped bool

	// SkipReason explains why the test was skipped.
	SkipReason string
}

// Failures returns every scripted mismatch contained in Error.
func (r *TestResult) Failures() []*runner.MismatchError {
	return runner.Mismatches(r.Error)
}

// PhaseResult holds the steps one phase evaluated.
type PhaseResult struct {
	// Phase identifies the phase.
	Phase runner.Phase

	// Steps are the evaluated steps in order. A phase that did not run has
	// none.
	Steps []*StepResult
}

// StepResult represents the outcome of a single step.
type StepResult struct {
	// Index is the 0-based position of the step in its phase.
	Index int

	// Element describes the step (e.g., "C: a001 NOOP").
	Element string

	// Session is the addressed session, or -1.
	Session int

	// Location is the file:line of the step, when known.
	Location string

	// Passed indicates if the step passed.
	Passed bool

	// Error is the error that caused failure, if any.
	Error error

	// Duration is how long the step took.
	Duration time.Duration
}

// SuiteResult represents the outcome of running a set of scripts.
type SuiteResult struct {
	// RunID uniquely identifies the suite run.
	RunID string

	// SuiteName identifies the suite.
	SuiteName string

	// Results contains results for each script.
	Results []*TestResult

	// PassCount is the number of passed tests.
	PassCount int

	// FailCount is the number of failed tests.
	FailCount int

	// SkipCount is the number of skipped tests.
	SkipCount int

	// StartTime when the suite started.
	StartTime time.Time

	// Duration is the total time for all tests.
	Duration time.Duration
}

// EngineConfig configures the test engine.
type EngineConfig struct {
	// SuiteName names suite results (default: "Test Suite").
	SuiteName string

	// DefaultTimeout bounds scripts that declare no timeout.
	DefaultTimeout time.Duration

	// SuiteTimeout bounds RunSuite. Zero derives it from the scripts.
	SuiteTimeout time.Duration

	// StopTimeout bounds each session stop.
	StopTimeout time.Duration

	// ContinueAfterFailure records mismatches instead of failing fast.
	ContinueAfterFailure bool

	// StopOnFirstFailure stops the suite after the first failed script.
	StopOnFirstFailure bool

	// Pattern, when set, must match the script ID or name.
	Pattern *regexp.Regexp

	// Tags, when set, selects scripts carrying at least one of them.
	Tags []string

	// Vars override script variables.
	Vars map[string]string

	// Script configures phase execution (read and continuation timeouts).
	Script *script.Config

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives runner and session events. Optional.
	ProtocolLogger log.Logger

	// OnTestComplete is called after each script finishes.
	OnTestComplete func(*TestResult)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		SuiteName:      "Test Suite",
		DefaultTimeout: 30 * time.Second,
		StopTimeout:    5 * time.Second,
		Script:         script.DefaultConfig(),
		Logger:         slog.Default(),
	}
}
