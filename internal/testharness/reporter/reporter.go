// Package reporter provides test result formatting and output.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mash-protocol/mpt/internal/testharness/engine"
)

// Reporter formats and outputs test results.
type Reporter interface {
	// ReportSuite reports results for a test suite.
	ReportSuite(result *engine.SuiteResult)

	// ReportTest reports results for a single test.
	ReportTest(result *engine.TestResult)
}

// TextReporter outputs human-readable text reports.
type TextReporter struct {
	writer  io.Writer
	verbose bool
}

// NewTextReporter creates a new text reporter.
func NewTextReporter(w io.Writer, verbose bool) *TextReporter {
	return &TextReporter{
		writer:  w,
		verbose: verbose,
	}
}

// ReportSuite reports suite results in text format.
func (r *TextReporter) ReportSuite(result *engine.SuiteResult) {
	fmt.Fprintf(r.writer, "\n=== Suite: %s ===\n", result.SuiteName)
	if result.RunID != "" {
		fmt.Fprintf(r.writer, "Run: %s\n", result.RunID)
	}
	fmt.Fprintf(r.writer, "Duration: %s\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(r.writer, "\n")

	for _, tr := range result.Results {
		r.ReportTest(tr)
	}

	// Summary
	fmt.Fprintf(r.writer, "\n--- Summary ---\n")
	fmt.Fprintf(r.writer, "Total:   %d\n", len(result.Results))
	fmt.Fprintf(r.writer, "Passed:  %d\n", result.PassCount)
	fmt.Fprintf(r.writer, "Failed:  %d\n", result.FailCount)
	fmt.Fprintf(r.writer, "Skipped: %d\n", result.SkipCount)

	if rate, ok := passRate(result); ok {
		fmt.Fprintf(r.writer, "Pass Rate: %.1f%%\n", rate)
	}
}

// ReportTest reports a single test result in text format.
func (r *TextReporter) ReportTest(result *engine.TestResult) {
	var label string
	switch {
	case result.Skipped:
		label = "SKIP"
	case result.Passed:
		label = "PASS"
	default:
		label = "FAIL"
	}

	fmt.Fprintf(r.writer, "[%s] %s - %s (%s)\n",
		label, result.Script.ID, result.Script.Name, result.Duration.Round(time.Millisecond))

	if result.Skipped && result.SkipReason != "" {
		fmt.Fprintf(r.writer, "       Skip reason: %s\n", result.SkipReason)
	}

	if !result.Passed && result.Error != nil {
		lines := strings.Split(result.Error.Error(), "\n")
		fmt.Fprintf(r.writer, "       Error (%s): %s\n", result.Kind, lines[0])
		for _, l := range lines[1:] {
			fmt.Fprintf(r.writer, "       %s\n", l)
		}
	}

	if !r.verbose {
		return
	}
	for _, pr := range result.Phases {
		if len(pr.Steps) == 0 {
			continue
		}
		fmt.Fprintf(r.writer, "    %s\n", pr.Phase)
		for _, sr := range pr.Steps {
			stepStatus := "PASS"
			if !sr.Passed {
				stepStatus = "FAIL"
			}
			fmt.Fprintf(r.writer, "      [%s] Step %d: %s (%s)\n",
				stepStatus, sr.Index+1, sr.Element, stepDetail(sr))

			if !sr.Passed && sr.Error != nil {
				fmt.Fprintf(r.writer, "             Error: %v\n", sr.Error)
			}
		}
	}
}

func stepDetail(sr *engine.StepResult) string {
	d := sr.Duration.Round(time.Millisecond).String()
	if sr.Location == "" {
		return d
	}
	return sr.Location + ", " + d
}

// JSONReporter outputs JSON-formatted reports.
type JSONReporter struct {
	writer io.Writer
	pretty bool
}

// NewJSONReporter creates a new JSON reporter.
func NewJSONReporter(w io.Writer, pretty bool) *JSONReporter {
	return &JSONReporter{
		writer: w,
		pretty: pretty,
	}
}

// JSONSuiteResult is the JSON representation of suite results.
type JSONSuiteResult struct {
	RunID     string           `json:"run_id,omitempty"`
	SuiteName string           `json:"suite_name"`
	Duration  string           `json:"duration"`
	Total     int              `json:"total"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	PassRate  float64          `json:"pass_rate"`
	Tests     []JSONTestResult `json:"tests"`
}

// JSONTestResult is the JSON representation of a test result.
type JSONTestResult struct {
	RunID      string            `json:"run_id,omitempty"`
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Duration   string            `json:"duration"`
	Kind       string            `json:"kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Failures   []JSONFailure     `json:"failures,omitempty"`
	Phases     []JSONPhaseResult `json:"phases,omitempty"`
}

// JSONFailure is the JSON representation of a scripted mismatch.
type JSONFailure struct {
	Phase    string `json:"phase"`
	Step     int    `json:"step"`
	Session  int    `json:"session"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Location string `json:"location,omitempty"`
}

// JSONPhaseResult is the JSON representation of one phase.
type JSONPhaseResult struct {
	Phase string           `json:"phase"`
	Steps []JSONStepResult `json:"steps"`
}

// JSONStepResult is the JSON representation of a step result.
type JSONStepResult struct {
	Index    int    `json:"index"`
	Element  string `json:"element"`
	Session  int    `json:"session"`
	Location string `json:"location,omitempty"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// ReportSuite reports suite results in JSON format.
func (r *JSONReporter) ReportSuite(result *engine.SuiteResult) {
	rate, _ := passRate(result)

	jr := JSONSuiteResult{
		RunID:     result.RunID,
		SuiteName: result.SuiteName,
		Duration:  result.Duration.Round(time.Millisecond).String(),
		Total:     len(result.Results),
		Passed:    result.PassCount,
		Failed:    result.FailCount,
		Skipped:   result.SkipCount,
		PassRate:  rate,
		Tests:     make([]JSONTestResult, 0, len(result.Results)),
	}

	for _, tr := range result.Results {
		jr.Tests = append(jr.Tests, r.testToJSON(tr))
	}

	r.writeJSON(jr)
}

// ReportTest reports a single test result in JSON format.
func (r *JSONReporter) ReportTest(result *engine.TestResult) {
	r.writeJSON(r.testToJSON(result))
}

func (r *JSONReporter) testToJSON(result *engine.TestResult) JSONTestResult {
	jr := JSONTestResult{
		RunID:      result.RunID,
		ID:         result.Script.ID,
		Name:       result.Script.Name,
		Status:     status(result),
		Duration:   result.Duration.Round(time.Millisecond).String(),
		SkipReason: result.SkipReason,
	}

	if result.Error != nil {
		jr.Kind = result.Kind.String()
		jr.Error = result.Error.Error()
	}

	for _, f := range result.Failures() {
		jr.Failures = append(jr.Failures, JSONFailure{
			Phase:    f.Phase,
			Step:     f.Step,
			Session:  f.Session,
			Expected: f.Expected,
			Actual:   f.Actual,
			Location: f.Location,
		})
	}

	for _, pr := range result.Phases {
		jp := JSONPhaseResult{
			Phase: pr.Phase.String(),
			Steps: make([]JSONStepResult, 0, len(pr.Steps)),
		}
		for _, sr := range pr.Steps {
			stepStatus := "passed"
			if !sr.Passed {
				stepStatus = "failed"
			}
			jsr := JSONStepResult{
				Index:    sr.Index,
				Element:  sr.Element,
				Session:  sr.Session,
				Location: sr.Location,
				Status:   stepStatus,
				Duration: sr.Duration.Round(time.Millisecond).String(),
			}
			if sr.Error != nil {
				jsr.Error = sr.Error.Error()
			}
			jp.Steps = append(jp.Steps, jsr)
		}
		jr.Phases = append(jr.Phases, jp)
	}

	return jr
}

func (r *JSONReporter) writeJSON(v any) {
	var data []byte
	var err error

	if r.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}

	if err != nil {
		fmt.Fprintf(r.writer, `{"error": "failed to marshal: %s"}`, err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
}

// JUnitReporter outputs JUnit XML format for CI integration.
type JUnitReporter struct {
	writer io.Writer
}

// NewJUnitReporter creates a new JUnit reporter.
func NewJUnitReporter(w io.Writer) *JUnitReporter {
	return &JUnitReporter{writer: w}
}

// ReportSuite reports suite results in JUnit XML format.
func (r *JUnitReporter) ReportSuite(result *engine.SuiteResult) {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString("\n")

	fmt.Fprintf(&b, `<testsuite name="%s" tests="%d" failures="%d" skipped="%d" time="%.3f">`,
		escapeXML(result.SuiteName),
		len(result.Results),
		result.FailCount,
		result.SkipCount,
		result.Duration.Seconds())
	b.WriteString("\n")

	for _, tr := range result.Results {
		fmt.Fprintf(&b, `  <testcase name="%s" classname="%s" time="%.3f">`,
			escapeXML(tr.Script.Name),
			escapeXML(tr.Script.ID),
			tr.Duration.Seconds())
		b.WriteString("\n")

		if tr.Skipped {
			fmt.Fprintf(&b, `    <skipped message="%s"/>`, escapeXML(tr.SkipReason))
			b.WriteString("\n")
		} else if !tr.Passed && tr.Error != nil {
			fmt.Fprintf(&b, `    <failure message="%s" type="%s">`,
				escapeXML(firstLine(tr.Error.Error())), tr.Kind)
			b.WriteString("\n")

			// Failed steps in CDATA
			var detail strings.Builder
			for _, pr := range tr.Phases {
				for _, sr := range pr.Steps {
					if !sr.Passed {
						fmt.Fprintf(&detail, "%s step %d (%s): %v\n", pr.Phase, sr.Index+1, sr.Element, sr.Error)
					}
				}
			}
			b.WriteString("      <![CDATA[")
			b.WriteString(strings.ReplaceAll(detail.String(), "]]>", "]]]]><![CDATA[>"))
			b.WriteString("]]>\n")
			b.WriteString("    </failure>\n")
		}

		b.WriteString("  </testcase>\n")
	}

	b.WriteString("</testsuite>\n")

	fmt.Fprint(r.writer, b.String())
}

// ReportTest reports a single test in JUnit format (wraps in minimal testsuite).
func (r *JUnitReporter) ReportTest(result *engine.TestResult) {
	suite := &engine.SuiteResult{
		SuiteName: "Single Test",
		Results:   []*engine.TestResult{result},
		Duration:  result.Duration,
	}
	if result.Passed {
		suite.PassCount = 1
	} else if result.Skipped {
		suite.SkipCount = 1
	} else {
		suite.FailCount = 1
	}
	r.ReportSuite(suite)
}

func status(result *engine.TestResult) string {
	switch {
	case result.Skipped:
		return "skipped"
	case result.Passed:
		return "passed"
	default:
		return "failed"
	}
}

func passRate(result *engine.SuiteResult) (float64, bool) {
	total := result.PassCount + result.FailCount
	if total == 0 {
		return 0, false
	}
	return float64(result.PassCount) / float64(total) * 100, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
