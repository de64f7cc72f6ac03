package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseScript parses a script from YAML bytes.
func ParseScript(data []byte) (*Script, error) {
	var sc Script
	if err := yaml.Unmarshal(data, &sc); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, le
		}
		return nil, &LoadError{
			Message: "failed to parse YAML",
			Cause:   err,
		}
	}

	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScript loads a script from a file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{
			File:    path,
			Message: "failed to read file",
			Cause:   err,
		}
	}

	sc, err := ParseScript(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{
			File:    path,
			Message: err.Error(),
		}
	}
	sc.File = path

	return sc, nil
}

// LoadDirectory loads all scripts from a directory.
// Only files with .yaml or .yml extensions are loaded.
func LoadDirectory(dir string) ([]*Script, error) {
	var scripts []*Script

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LoadError{
			File:    dir,
			Message: "failed to read directory",
			Cause:   err,
		}
	}

	for _, entry := range entries {
		if entry.IsDir() || !isScriptFile(entry.Name()) {
			continue
		}

		sc, err := LoadScript(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sc)
	}

	return scripts, nil
}

// LoadDirectoryRecursive loads all scripts from a directory and subdirectories.
func LoadDirectoryRecursive(dir string) ([]*Script, error) {
	var scripts []*Script

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isScriptFile(path) {
			return nil
		}

		sc, err := LoadScript(path)
		if err != nil {
			return err
		}
		scripts = append(scripts, sc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return scripts, nil
}

// LoadPath loads a single script file or, for a directory, every script
// beneath it.
func LoadPath(path string) ([]*Script, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to stat path", Cause: err}
	}
	if info.IsDir() {
		return LoadDirectoryRecursive(path)
	}
	sc, err := LoadScript(path)
	if err != nil {
		return nil, err
	}
	return []*Script{sc}, nil
}

func isScriptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

var knownStepKeys = map[string]bool{
	"session":          true,
	"send":             true,
	"expect":           true,
	"expect_unordered": true,
	"await":            true,
	"reinit":           true,
	"log":              true,
	"wait":             true,
	"description":      true,
}

// UnmarshalYAML decodes a step, recording its line and rejecting unknown keys.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return &LoadError{Line: node.Line, Message: "step must be a mapping"}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !knownStepKeys[key.Value] {
			return &LoadError{Line: key.Line, Message: fmt.Sprintf("unknown step key %q", key.Value)}
		}
	}

	type plain Step
	var p plain
	if err := node.Decode(&p); err != nil {
		return &LoadError{Line: node.Line, Message: "invalid step", Cause: err}
	}
	*s = Step(p)
	s.Line = node.Line
	return nil
}

func (sc *Script) validate() error {
	if sc.ID == "" {
		return &LoadError{Message: "script ID is required"}
	}
	if len(sc.Test) == 0 {
		return &LoadError{Message: "script must have at least one test step"}
	}
	if _, err := sc.TimeoutDuration(); err != nil {
		return &LoadError{Message: "invalid timeout", Cause: err}
	}

	for _, section := range [][]Step{sc.Setup, sc.Test, sc.Teardown} {
		for i := range section {
			if err := section[i].validate(); err != nil {
				return err
			}
		}
	}

	// The test steps decide the pool; setup and teardown must stay inside it.
	sessions := 0
	for i := range sc.Test {
		if st := &sc.Test[i]; st.addressesSession() && st.Session+1 > sessions {
			sessions = st.Session + 1
		}
	}
	for _, section := range [][]Step{sc.Setup, sc.Teardown} {
		for i := range section {
			st := &section[i]
			if st.addressesSession() && st.Session >= sessions {
				return &LoadError{
					Line:    st.Line,
					Message: fmt.Sprintf("session %d is not opened by the test steps (pool of %d)", st.Session, sessions),
				}
			}
		}
	}
	return nil
}

// addressesSession reports whether the step talks to a session.
func (s *Step) addressesSession() bool {
	return s.Log == "" && s.Wait == ""
}

func (s *Step) validate() error {
	switch actions := s.actions(); len(actions) {
	case 0:
		return &LoadError{Line: s.Line, Message: "step has no action"}
	case 1:
	default:
		return &LoadError{
			Line:    s.Line,
			Message: "step has more than one action: " + strings.Join(actions, ", "),
		}
	}
	if s.Session < 0 {
		return &LoadError{Line: s.Line, Message: fmt.Sprintf("negative session index %d", s.Session)}
	}
	if s.Wait != "" {
		if _, err := time.ParseDuration(s.Wait); err != nil {
			return &LoadError{Line: s.Line, Message: "invalid wait duration", Cause: err}
		}
	}
	return nil
}
