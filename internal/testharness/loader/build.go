package loader

import (
	"log/slog"
	"time"

	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/internal/testharness/script"
)

// Build compiles the script into one phase per section. vars override the
// script's own defaults. cfg is shared by the three phases.
func (sc *Script) Build(vars map[string]string, cfg *script.Config) (runner.PhaseSet, error) {
	values := MergeVars(sc.Vars, vars)
	sections := []struct {
		phase runner.Phase
		name  string
		steps []Step
	}{
		{runner.PhaseSetup, "setup", sc.Setup},
		{runner.PhaseTestBody, "test", sc.Test},
		{runner.PhaseTeardown, "teardown", sc.Teardown},
	}

	var phases runner.PhaseSet
	for _, sec := range sections {
		ph := script.New(sec.name, cfg)
		for i := range sec.steps {
			el, err := sc.buildStep(&sec.steps[i], values)
			if err != nil {
				return runner.PhaseSet{}, err
			}
			ph.Add(el)
		}
		phases[sec.phase] = ph
	}
	return phases, nil
}

func (sc *Script) buildStep(st *Step, values map[string]string) (script.Element, error) {
	pos := script.Pos{At: script.Location{File: sc.File, Line: st.Line}}
	fail := func(msg string, cause error) error {
		return &LoadError{File: sc.File, Line: st.Line, Message: msg, Cause: cause}
	}

	switch st.Action() {
	case "send":
		return &script.Request{Pos: pos, Session: st.Session, Line: Interpolate(st.Send, values)}, nil

	case "expect":
		r, err := script.NewResponse(st.Session, InterpolatePattern(st.Expect, values))
		if err != nil {
			return nil, fail("invalid expect pattern", err)
		}
		r.Pos = pos
		return r, nil

	case "expect_unordered":
		sources := make([]string, len(st.ExpectUnordered))
		for i, src := range st.ExpectUnordered {
			sources[i] = InterpolatePattern(src, values)
		}
		u, err := script.NewUnordered(st.Session, sources...)
		if err != nil {
			return nil, fail("invalid expect_unordered pattern", err)
		}
		u.Pos = pos
		return u, nil

	case "await":
		return &script.Await{Pos: pos, Session: st.Session}, nil

	case "reinit":
		return &script.Reinit{Pos: pos, Session: st.Session}, nil

	case "log":
		return &script.Log{Pos: pos, Level: slog.LevelInfo, Message: Interpolate(st.Log, values)}, nil

	case "wait":
		d, err := time.ParseDuration(st.Wait)
		if err != nil {
			return nil, fail("invalid wait duration", err)
		}
		return &script.Wait{Pos: pos, Duration: d}, nil

	default:
		return nil, fail("step has no action", nil)
	}
}
