// Package loader provides YAML script loading for the protocol test harness.
package loader

import (
	"strconv"
	"time"
)

// Script is a protocol test loaded from YAML.
type Script struct {
	// ID is the unique script identifier (e.g., "IMAP-LOGIN-001").
	ID string `yaml:"id"`

	// Name is a human-readable name for the script.
	Name string `yaml:"name"`

	// Description explains what the script validates.
	Description string `yaml:"description"`

	// Tags for categorizing scripts.
	Tags []string `yaml:"tags,omitempty"`

	// Timeout is the maximum duration for the whole run (e.g., "30s").
	Timeout string `yaml:"timeout,omitempty"`

	// Vars are default values for {{ name }} placeholders.
	Vars map[string]interface{} `yaml:"vars,omitempty"`

	// Setup runs before the test body.
	Setup []Step `yaml:"setup,omitempty"`

	// Test is the test body. Its steps decide how many sessions are opened.
	Test []Step `yaml:"test"`

	// Teardown runs after a successful test body.
	Teardown []Step `yaml:"teardown,omitempty"`

	// File is the path the script was loaded from, if any.
	File string `yaml:"-"`
}

// TimeoutDuration parses Timeout. It returns 0 when no timeout is set.
func (sc *Script) TimeoutDuration() (time.Duration, error) {
	if sc.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(sc.Timeout)
}

// HasTag reports whether the script carries tag.
func (sc *Script) HasTag(tag string) bool {
	for _, t := range sc.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Step is a single scripted interaction. Exactly one action field is set.
type Step struct {
	// Session is the 0-based index of the addressed session.
	Session int `yaml:"session,omitempty"`

	// Send writes a line to the session.
	Send string `yaml:"send,omitempty"`

	// Expect reads one line that must fully match this regular expression.
	Expect string `yaml:"expect,omitempty"`

	// ExpectUnordered reads one line per pattern, matched in any order.
	ExpectUnordered []string `yaml:"expect_unordered,omitempty"`

	// Await waits for the session to request continuation.
	Await bool `yaml:"await,omitempty"`

	// Reinit restarts the session.
	Reinit bool `yaml:"reinit,omitempty"`

	// Log writes a message to the operational log.
	Log string `yaml:"log,omitempty"`

	// Wait pauses the script (e.g., "100ms").
	Wait string `yaml:"wait,omitempty"`

	// Description explains what this step does.
	Description string `yaml:"description,omitempty"`

	// Line is the line the step starts on in its file.
	Line int `yaml:"-"`
}

// Action returns the name of the action the step performs, or "" if none.
func (s *Step) Action() string {
	if a := s.actions(); len(a) > 0 {
		return a[0]
	}
	return ""
}

func (s *Step) actions() []string {
	var set []string
	if s.Send != "" {
		set = append(set, "send")
	}
	if s.Expect != "" {
		set = append(set, "expect")
	}
	if len(s.ExpectUnordered) > 0 {
		set = append(set, "expect_unordered")
	}
	if s.Await {
		set = append(set, "await")
	}
	if s.Reinit {
		set = append(set, "reinit")
	}
	if s.Log != "" {
		set = append(set, "log")
	}
	if s.Wait != "" {
		set = append(set, "wait")
	}
	return set
}

// LoadError provides details about a script loading error.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Line is the line number where the error occurred (0 if unknown).
	Line int

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	where := e.File
	if where == "" {
		where = "<input>"
	}
	if e.Line > 0 {
		where += ":" + strconv.Itoa(e.Line)
	}
	msg := where + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}
