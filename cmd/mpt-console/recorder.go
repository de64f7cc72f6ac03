package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/mpt/internal/testharness/loader"
)

// ErrNothingRecorded is returned when a script is requested before any line
// was sent.
var ErrNothingRecorded = errors.New("nothing recorded: send at least one line first")

// Recorder turns a console exchange into a replayable script. Lines received
// before the first send become the setup section.
type Recorder struct {
	mu    sync.Mutex
	setup []loader.Step
	test  []loader.Step
	sent  bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Sent records a line written to the server.
func (r *Recorder) Sent(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = true
	r.test = append(r.test, loader.Step{Send: line})
}

// Unsent drops the latest recorded send of line, for a write that failed.
func (r *Recorder) Unsent(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.test) - 1; i >= 0; i-- {
		if r.test[i].Send == line {
			r.test = append(r.test[:i], r.test[i+1:]...)
			return
		}
	}
}

// Received records a line read from the server as an exact expectation.
func (r *Recorder) Received(line string) {
	r.add(loader.Step{Expect: regexp.QuoteMeta(line)})
}

// Continued records a continuation request.
func (r *Recorder) Continued() {
	r.add(loader.Step{Await: true})
}

// Reinit records a session restart.
func (r *Recorder) Reinit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = true
	r.test = append(r.test, loader.Step{Reinit: true})
}

func (r *Recorder) add(step loader.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		r.test = append(r.test, step)
	} else {
		r.setup = append(r.setup, step)
	}
}

// Len returns the number of recorded steps.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.setup) + len(r.test)
}

// Reset drops everything recorded so far. The next received lines are
// treated as setup again.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setup = nil
	r.test = nil
	r.sent = false
}

// Script returns the recording as a script.
func (r *Recorder) Script(id, name string) (*loader.Script, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.test) == 0 {
		return nil, ErrNothingRecorded
	}
	return &loader.Script{
		ID:          id,
		Name:        name,
		Description: "Recorded with mpt-console",
		Tags:        []string{"recorded"},
		Setup:       append([]loader.Step(nil), r.setup...),
		Test:        append([]loader.Step(nil), r.test...),
	}, nil
}

// Marshal renders the recording as script YAML. The result is checked by
// parsing it back.
func (r *Recorder) Marshal(id, name string) ([]byte, error) {
	sc, err := r.Script(id, name)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal script: %w", err)
	}
	if _, err := loader.ParseScript(data); err != nil {
		return nil, fmt.Errorf("recorded script does not load: %w", err)
	}
	return data, nil
}

// Save writes the recording to path.
func (r *Recorder) Save(path, id, name string) error {
	data, err := r.Marshal(id, name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
