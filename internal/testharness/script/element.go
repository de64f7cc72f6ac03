package script

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mash-protocol/mpt/internal/testharness/runner"
)

// NoSession is returned by SessionIndex for elements that address no session.
const NoSession = -1

// Element is one scripted interaction.
type Element interface {
	// SessionIndex returns the addressed session, or NoSession.
	SessionIndex() int

	// Run executes the element. A failed expectation is returned as
	// *runner.MismatchError; anything else aborts the phase.
	Run(ctx context.Context, x *Exec) error

	// Location returns where the element was defined.
	Location() Location

	String() string
}

// Location is a position in a script file.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	switch {
	case l.File == "" && l.Line == 0:
		return ""
	case l.Line == 0:
		return l.File
	default:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
}

// Pos is embedded by elements to carry their Location.
type Pos struct {
	At Location
}

// Location returns the element position.
func (p Pos) Location() Location { return p.At }

// Request writes a line to a session.
type Request struct {
	Pos
	Session int
	Line    string
}

func (r *Request) SessionIndex() int { return r.Session }

func (r *Request) Run(ctx context.Context, x *Exec) error {
	s, err := x.Session(r.Session)
	if err != nil {
		return err
	}
	if err := s.WriteLine(ctx, r.Line); err != nil {
		return fmt.Errorf("write to session %d: %w", r.Session, err)
	}
	return nil
}

func (r *Request) String() string { return "C: " + r.Line }

// Response reads one line from a session; it must match Pattern entirely.
type Response struct {
	Pos
	Session int
	Source  string
	pattern *regexp.Regexp
}

// NewResponse compiles source as an anchored regular expression.
func NewResponse(session int, source string) (*Response, error) {
	re, err := compileLine(source)
	if err != nil {
		return nil, err
	}
	return &Response{Session: session, Source: source, pattern: re}, nil
}

// MustResponse is like NewResponse but panics on a bad pattern.
func MustResponse(session int, source string) *Response {
	r, err := NewResponse(session, source)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Response) SessionIndex() int { return r.Session }

func (r *Response) Run(ctx context.Context, x *Exec) error {
	line, err := x.ReadLine(ctx, r.Session)
	if err != nil {
		return err
	}
	if !r.pattern.MatchString(line) {
		return &runner.MismatchError{
			Session:  r.Session,
			Element:  r.String(),
			Expected: r.Source,
			Actual:   line,
		}
	}
	return nil
}

func (r *Response) String() string { return "S: " + r.Source }

// Unordered reads one line per pattern; every pattern must match exactly one
// of the lines, in any order. All lines are read before matching so the
// session stays in step with the script even when the set does not match.
type Unordered struct {
	Pos
	Session  int
	Sources  []string
	patterns []*regexp.Regexp
}

// NewUnordered compiles each source as an anchored regular expression.
func NewUnordered(session int, sources ...string) (*Unordered, error) {
	u := &Unordered{Session: session, Sources: sources}
	for _, src := range sources {
		re, err := compileLine(src)
		if err != nil {
			return nil, err
		}
		u.patterns = append(u.patterns, re)
	}
	return u, nil
}

func (u *Unordered) SessionIndex() int { return u.Session }

func (u *Unordered) Run(ctx context.Context, x *Exec) error {
	lines := make([]string, 0, len(u.patterns))
	for range u.patterns {
		line, err := x.ReadLine(ctx, u.Session)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}

	lineOf, unmatched := u.assign(lines)
	if unmatched < 0 {
		return nil
	}
	var remaining []string
	for i, src := range u.Sources {
		if lineOf[i] < 0 {
			remaining = append(remaining, src)
		}
	}
	return &runner.MismatchError{
		Session:  u.Session,
		Element:  u.String(),
		Expected: "one of [" + strings.Join(remaining, " | ") + "]",
		Actual:   lines[unmatched],
	}
}

// assign pairs lines with distinct matching patterns, moving earlier
// choices along augmenting paths when a later line needs their pattern.
// lineOf[i] is the line held by pattern i, or -1. unmatched is the first
// line left without a pattern, or -1 when every line has one.
func (u *Unordered) assign(lines []string) (lineOf []int, unmatched int) {
	matches := make([][]bool, len(lines))
	for l, line := range lines {
		matches[l] = make([]bool, len(u.patterns))
		for i, re := range u.patterns {
			matches[l][i] = re.MatchString(line)
		}
	}

	lineOf = make([]int, len(u.patterns))
	for i := range lineOf {
		lineOf[i] = -1
	}
	var augment func(l int, visited []bool) bool
	augment = func(l int, visited []bool) bool {
		for i := range u.patterns {
			if !matches[l][i] || visited[i] {
				continue
			}
			visited[i] = true
			if lineOf[i] < 0 || augment(lineOf[i], visited) {
				lineOf[i] = l
				return true
			}
		}
		return false
	}

	unmatched = -1
	for l := range lines {
		if !augment(l, make([]bool, len(u.patterns))) && unmatched < 0 {
			unmatched = l
		}
	}
	return lineOf, unmatched
}

func (u *Unordered) String() string {
	return fmt.Sprintf("SUB {%d lines}", len(u.Sources))
}

// Await blocks until a session signals continuation.
type Await struct {
	Pos
	Session int
}

func (a *Await) SessionIndex() int { return a.Session }

func (a *Await) Run(ctx context.Context, x *Exec) error {
	if _, err := x.Session(a.Session); err != nil {
		return err
	}
	timeout := x.config.ContinuationTimeout
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := x.phase.awaitContinuation(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &runner.MismatchError{
			Session:  a.Session,
			Element:  a.String(),
			Expected: "continuation request",
			Actual:   fmt.Sprintf("none within %s", timeout),
		}
	}
	return nil
}

func (a *Await) String() string { return "CONT" }

// Reinit restarts a session that implements Restarter.
type Reinit struct {
	Pos
	Session int
}

func (r *Reinit) SessionIndex() int { return r.Session }

func (r *Reinit) Run(ctx context.Context, x *Exec) error {
	s, err := x.Session(r.Session)
	if err != nil {
		return err
	}
	rs, ok := s.(Restarter)
	if !ok {
		return fmt.Errorf("session %d cannot be restarted", r.Session)
	}
	if err := rs.Restart(ctx); err != nil {
		return fmt.Errorf("restart session %d: %w", r.Session, err)
	}
	return nil
}

func (r *Reinit) String() string { return "REINIT" }

// Log writes a message to the operational log.
type Log struct {
	Pos
	Level   slog.Level
	Message string
}

func (l *Log) SessionIndex() int { return NoSession }

func (l *Log) Run(ctx context.Context, x *Exec) error {
	x.logger.Log(ctx, l.Level, l.Message, "phase", x.phase.name)
	return nil
}

func (l *Log) String() string { return "LOG " + l.Message }

// Wait pauses the script.
type Wait struct {
	Pos
	Duration time.Duration
}

func (w *Wait) SessionIndex() int { return NoSession }

func (w *Wait) Run(ctx context.Context, _ *Exec) error {
	t := time.NewTimer(w.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Wait) String() string { return "WAIT " + w.Duration.String() }

func compileLine(source string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + source + `)$`)
	if err != nil {
		return nil, fmt.Errorf("bad response pattern %q: %w", source, err)
	}
	return re, nil
}
