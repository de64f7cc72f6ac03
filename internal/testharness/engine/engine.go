package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/mpt/internal/testharness/loader"
	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/internal/testharness/script"
)

// Engine runs scripts against sessions from a factory.
type Engine struct {
	config  *EngineConfig
	factory runner.SessionFactory
	logger  *slog.Logger
}

// New creates a new test engine with default configuration.
func New(factory runner.SessionFactory) *Engine {
	return NewWithConfig(factory, DefaultConfig())
}

// NewWithConfig creates a new test engine with the given configuration.
func NewWithConfig(factory runner.SessionFactory, config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.SuiteName == "" {
		config.SuiteName = def.SuiteName
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = def.StopTimeout
	}
	if config.Script == nil {
		config.Script = def.Script
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Engine{
		config:  config,
		factory: factory,
		logger:  config.Logger,
	}
}

// Run executes a single script with a fresh runner.
func (e *Engine) Run(ctx context.Context, sc *loader.Script) *TestResult {
	result := &TestResult{
		RunID:     uuid.NewString(),
		Script:    sc,
		StartTime: time.Now(),
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		result.Kind = runner.Kind(result.Error)
	}()

	if ok, reason := e.selected(sc); !ok {
		result.Skipped = true
		result.SkipReason = reason
		return result
	}

	timeout := e.config.DefaultTimeout
	if d, err := sc.TimeoutDuration(); err == nil && d > 0 {
		timeout = d
	}
	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scfg := *e.config.Script
	if scfg.Logger == nil {
		scfg.Logger = e.logger
	}
	phases, err := sc.Build(e.config.Vars, &scfg)
	if err != nil {
		result.Error = fmt.Errorf("build script: %w", err)
		return result
	}

	r := runner.New(phases, &runner.Config{
		Logger:         e.logger,
		ProtocolLogger: e.config.ProtocolLogger,
		ScriptID:       sc.ID,
		StopTimeout:    e.config.StopTimeout,
	})
	if e.config.ContinueAfterFailure {
		r.ContinueAfterFailure()
	}

	e.logger.Info("running script", "id", sc.ID, "run", result.RunID)
	result.Error = r.RunSessions(testCtx, e.factory)
	result.Passed = result.Error == nil
	result.Phases = collectPhases(phases)

	if result.Passed {
		e.logger.Info("script passed", "id", sc.ID)
	} else {
		e.logger.Warn("script failed", "id", sc.ID, "kind", runner.Kind(result.Error).String(), "error", result.Error)
	}
	return result
}

// selected reports whether sc passes the configured pattern and tag filters.
func (e *Engine) selected(sc *loader.Script) (bool, string) {
	if p := e.config.Pattern; p != nil && !p.MatchString(sc.ID) && !p.MatchString(sc.Name) {
		return false, fmt.Sprintf("does not match pattern %q", p.String())
	}
	if len(e.config.Tags) == 0 {
		return true, ""
	}
	for _, tag := range e.config.Tags {
		if sc.HasTag(tag) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("has none of the tags %v", e.config.Tags)
}

func collectPhases(phases runner.PhaseSet) []*PhaseResult {
	out := make([]*PhaseResult, 0, len(phases))
	for _, p := range runner.Phases() {
		pr := &PhaseResult{Phase: p}
		if sp, ok := phases[p].(*script.Phase); ok {
			for _, sr := range sp.Results() {
				pr.Steps = append(pr.Steps, &StepResult{
					Index:    sr.Index,
					Element:  sr.Element,
					Session:  sr.Session,
					Location: sr.Location,
					Passed:   sr.Passed,
					Error:    sr.Err,
					Duration: sr.Duration,
				})
			}
		}
		out = append(out, pr)
	}
	return out
}

// RunSuite executes scripts in order.
func (e *Engine) RunSuite(ctx context.Context, scripts []*loader.Script) *SuiteResult {
	result := &SuiteResult{
		RunID:     uuid.NewString(),
		SuiteName: e.config.SuiteName,
		StartTime: time.Now(),
	}
	defer func() { result.Duration = time.Since(result.StartTime) }()

	// Auto-calculate suite timeout from individual script timeouts if not set.
	suiteTimeout := e.config.SuiteTimeout
	if suiteTimeout == 0 {
		var total time.Duration
		for _, sc := range scripts {
			if d, err := sc.TimeoutDuration(); err == nil && d > 0 {
				total += d
				continue
			}
			total += e.config.DefaultTimeout
		}
		suiteTimeout = total + 2*time.Minute
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > suiteTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, suiteTimeout)
		defer cancel()
	}

	for _, sc := range scripts {
		select {
		case <-ctx.Done():
			e.logger.Warn("suite interrupted", "error", ctx.Err())
			return result
		default:
		}

		testResult := e.Run(ctx, sc)
		result.Results = append(result.Results, testResult)

		if testResult.Skipped {
			result.SkipCount++
		} else if testResult.Passed {
			result.PassCount++
		} else {
			result.FailCount++
		}

		if e.config.OnTestComplete != nil {
			e.config.OnTestComplete(testResult)
		}

		if !testResult.Passed && !testResult.Skipped && e.config.StopOnFirstFailure {
			break
		}
	}

	return result
}
