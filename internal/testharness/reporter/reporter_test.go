package reporter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mpt/internal/testharness/engine"
	"github.com/mash-protocol/mpt/internal/testharness/loader"
	"github.com/mash-protocol/mpt/internal/testharness/reporter"
	"github.com/mash-protocol/mpt/internal/testharness/runner"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func step(index int, element, location string, d time.Duration, err error) *engine.StepResult {
	return &engine.StepResult{
		Index:    index,
		Element:  element,
		Session:  0,
		Location: location,
		Passed:   err == nil,
		Error:    err,
		Duration: d,
	}
}

func passingResult() *engine.TestResult {
	return &engine.TestResult{
		RunID:    "run-pass",
		Script:   &loader.Script{ID: "IMAP-NOOP", Name: "Noop"},
		Passed:   true,
		Duration: 120 * time.Millisecond,
		Phases: []*engine.PhaseResult{
			{Phase: runner.PhaseSetup, Steps: []*engine.StepResult{
				step(0, "S: greeting", "noop.yaml:5", 10*time.Millisecond, nil),
			}},
			{Phase: runner.PhaseTestBody, Steps: []*engine.StepResult{
				step(0, "C: a1 NOOP", "noop.yaml:7", time.Millisecond, nil),
				step(1, "S: a1 OK.*", "noop.yaml:8", 20*time.Millisecond, nil),
			}},
			{Phase: runner.PhaseTeardown},
		},
	}
}

func failingResult() *engine.TestResult {
	mismatch := &runner.MismatchError{
		Phase:    "TEST_BODY",
		Step:     1,
		Session:  0,
		Element:  "S: a1 OK",
		Expected: "a1 OK",
		Actual:   "a1 NO",
		Location: "fail.yaml:8",
	}
	return &engine.TestResult{
		RunID:    "run-fail",
		Script:   &loader.Script{ID: "IMAP-FAIL", Name: "Fail"},
		Error:    &runner.PhaseError{Phase: runner.PhaseTestBody, Err: mismatch},
		Kind:     runner.KindMismatch,
		Duration: 80 * time.Millisecond,
		Phases: []*engine.PhaseResult{
			{Phase: runner.PhaseSetup},
			{Phase: runner.PhaseTestBody, Steps: []*engine.StepResult{
				step(0, "C: a1 FAIL", "fail.yaml:7", time.Millisecond, nil),
				step(1, "S: a1 OK", "fail.yaml:8", 30*time.Millisecond, mismatch),
			}},
			{Phase: runner.PhaseTeardown},
		},
	}
}

func skippedResult() *engine.TestResult {
	return &engine.TestResult{
		RunID:      "run-skip",
		Script:     &loader.Script{ID: "IMAP-SKIP", Name: "Skip"},
		Skipped:    true,
		SkipReason: "has none of the tags [smoke]",
	}
}

func createSuiteResult() *engine.SuiteResult {
	return &engine.SuiteResult{
		RunID:     "run-1",
		SuiteName: "IMAP",
		Results:   []*engine.TestResult{passingResult(), failingResult(), skippedResult()},
		PassCount: 1,
		FailCount: 1,
		SkipCount: 1,
		Duration:  1500 * time.Millisecond,
	}
}

func TestTextReporterGolden(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
	}{
		{"text_suite", false},
		{"text_suite_verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			reporter.NewTextReporter(&buf, tt.verbose).ReportSuite(createSuiteResult())
			newGoldie(t).Assert(t, tt.name, buf.Bytes())
		})
	}
}

func TestJSONReporterGolden(t *testing.T) {
	var buf bytes.Buffer
	reporter.NewJSONReporter(&buf, true).ReportSuite(createSuiteResult())
	newGoldie(t).Assert(t, "json_suite", buf.Bytes())
}

func TestJUnitReporterGolden(t *testing.T) {
	var buf bytes.Buffer
	reporter.NewJUnitReporter(&buf).ReportSuite(createSuiteResult())
	newGoldie(t).Assert(t, "junit_suite", buf.Bytes())
}

func TestTextReporterAggregateErrorIsIndented(t *testing.T) {
	result := failingResult()
	mismatch := result.Error.(*runner.PhaseError).Err.(*runner.MismatchError)
	result.Error = &runner.PhaseError{
		Phase: runner.PhaseTestBody,
		Err:   &runner.AggregateError{Failures: []*runner.MismatchError{mismatch, mismatch}},
	}
	result.Kind = runner.KindAggregate

	var buf bytes.Buffer
	reporter.NewTextReporter(&buf, false).ReportTest(result)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "       Error (aggregate): TEST_BODY: 2 scripted step(s) failed", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "         fail.yaml:8: TEST_BODY step 2"))
}

func TestTextReporterOmitsPassRateWithoutRuns(t *testing.T) {
	suite := &engine.SuiteResult{
		SuiteName: "Empty",
		Results:   []*engine.TestResult{skippedResult()},
		SkipCount: 1,
	}

	var buf bytes.Buffer
	reporter.NewTextReporter(&buf, false).ReportSuite(suite)

	assert.NotContains(t, buf.String(), "Pass Rate")
	assert.NotContains(t, buf.String(), "Run:")
}

func TestJSONReporterReportTest(t *testing.T) {
	var buf bytes.Buffer
	reporter.NewJSONReporter(&buf, false).ReportTest(failingResult())

	var got reporter.JSONTestResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "mismatch", got.Kind)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "a1 NO", got.Failures[0].Actual)
	require.Len(t, got.Phases, 3)
	assert.Empty(t, got.Phases[0].Steps)
}

func TestJUnitReporterReportTest(t *testing.T) {
	var buf bytes.Buffer
	reporter.NewJUnitReporter(&buf).ReportTest(passingResult())

	out := buf.String()
	assert.Contains(t, out, `<testsuite name="Single Test" tests="1" failures="0" skipped="0" time="0.120">`)
	assert.NotContains(t, out, "<failure")
}

func TestJUnitReporterEscapesCDATATerminator(t *testing.T) {
	result := failingResult()
	result.Phases[1].Steps[1].Error = errors.New("got ]]> back")

	var buf bytes.Buffer
	reporter.NewJUnitReporter(&buf).ReportTest(result)

	out := buf.String()
	assert.Contains(t, out, "got ]]]]><![CDATA[> back")
	assert.Equal(t, 1, strings.Count(out, "<![CDATA[TEST_BODY"))
}
