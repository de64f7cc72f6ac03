package loader_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mpt/internal/testharness/loader"
	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/internal/testharness/script"
)

// TestLoaderParseBasic tests basic YAML script parsing.
func TestLoaderParseBasic(t *testing.T) {
	yaml := `
id: IMAP-NOOP-001
name: Noop
description: Sends NOOP
test:
  - send: a001 NOOP
  - expect: a001 OK .*
`
	sc, err := loader.ParseScript([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to parse script: %v", err)
	}

	if sc.ID != "IMAP-NOOP-001" {
		t.Errorf("ID mismatch: expected IMAP-NOOP-001, got %s", sc.ID)
	}
	if sc.Name != "Noop" {
		t.Errorf("Name mismatch: expected 'Noop', got %s", sc.Name)
	}
	if len(sc.Test) != 2 {
		t.Fatalf("Expected 2 test steps, got %d", len(sc.Test))
	}
	if sc.Test[0].Action() != "send" || sc.Test[1].Action() != "expect" {
		t.Errorf("Unexpected actions: %s, %s", sc.Test[0].Action(), sc.Test[1].Action())
	}
	if sc.Test[0].Line != 6 || sc.Test[1].Line != 7 {
		t.Errorf("Unexpected step lines: %d, %d", sc.Test[0].Line, sc.Test[1].Line)
	}
}

// TestLoaderValidation tests that invalid scripts are rejected with a line.
func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
		line    int
	}{
		{
			name:    "missing id",
			yaml:    "test:\n  - send: x\n",
			message: "script ID is required",
		},
		{
			name:    "no test steps",
			yaml:    "id: X\nsetup:\n  - send: x\n",
			message: "at least one test step",
		},
		{
			name:    "no action",
			yaml:    "id: X\ntest:\n  - session: 1\n",
			message: "step has no action",
			line:    3,
		},
		{
			name:    "two actions",
			yaml:    "id: X\ntest:\n  - send: a\n  - send: b\n    expect: c\n",
			message: "more than one action: send, expect",
			line:    4,
		},
		{
			name:    "unknown key",
			yaml:    "id: X\ntest:\n  - send: a\n    sned: b\n",
			message: `unknown step key "sned"`,
			line:    4,
		},
		{
			name:    "negative session",
			yaml:    "id: X\ntest:\n  - session: -1\n    send: a\n",
			message: "negative session index",
			line:    3,
		},
		{
			name:    "setup session outside pool",
			yaml:    "id: X\nsetup:\n  - session: 1\n    expect: ok\ntest:\n  - send: a\n",
			message: "session 1 is not opened by the test steps (pool of 1)",
			line:    3,
		},
		{
			name:    "teardown session outside pool",
			yaml:    "id: X\ntest:\n  - log: only logs\nteardown:\n  - send: z LOGOUT\n",
			message: "session 0 is not opened by the test steps (pool of 0)",
			line:    5,
		},
		{
			name:    "bad wait",
			yaml:    "id: X\ntest:\n  - wait: soon\n",
			message: "invalid wait duration",
			line:    3,
		},
		{
			name:    "bad timeout",
			yaml:    "id: X\ntimeout: forever\ntest:\n  - send: a\n",
			message: "invalid timeout",
		},
		{
			name:    "step not a mapping",
			yaml:    "id: X\ntest:\n  - just a string\n",
			message: "step must be a mapping",
			line:    3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.ParseScript([]byte(tt.yaml))
			require.Error(t, err)

			var le *loader.LoadError
			require.ErrorAs(t, err, &le)
			assert.Contains(t, le.Error(), tt.message)
			assert.Equal(t, tt.line, le.Line)
		})
	}
}

func TestLoaderInvalidYAML(t *testing.T) {
	_, err := loader.ParseScript([]byte("id: [unterminated"))

	var le *loader.LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LoadError, got %T", err)
	}
	if le.Cause == nil {
		t.Error("Expected the YAML error as cause")
	}
}

func TestLoadErrorFormat(t *testing.T) {
	err := &loader.LoadError{File: "a.yaml", Line: 12, Message: "bad", Cause: errors.New("why")}
	assert.Equal(t, "a.yaml:12: bad: why", err.Error())
	assert.Equal(t, "<input>: bad", (&loader.LoadError{Message: "bad"}).Error())
}

// TestLoadScriptFromFile tests loading a script from disk.
func TestLoadScriptFromFile(t *testing.T) {
	sc, err := loader.LoadScript(filepath.Join("testdata", "scripts", "login.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "IMAP-LOGIN-001", sc.ID)
	assert.Equal(t, filepath.Join("testdata", "scripts", "login.yaml"), sc.File)
	assert.True(t, sc.HasTag("login"))
	assert.False(t, sc.HasTag("smtp"))

	d, err := sc.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	require.Len(t, sc.Setup, 1)
	require.Len(t, sc.Test, 2)
	require.Len(t, sc.Teardown, 2)
	assert.Equal(t, 11, sc.Setup[0].Line)
	assert.Len(t, sc.Teardown[1].ExpectUnordered, 2)
}

func TestLoadScriptErrorCarriesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: X\ntest:\n  - await: true\n    reinit: true\n"), 0o644))

	_, err := loader.LoadScript(path)

	var le *loader.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, path, le.File)
	assert.Equal(t, 3, le.Line)
	assert.True(t, strings.HasPrefix(le.Error(), path+":3: "))
}

func TestLoadScriptMissingFile(t *testing.T) {
	_, err := loader.LoadScript("testdata/does-not-exist.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestLoadDirectory tests that only top-level script files are loaded.
func TestLoadDirectory(t *testing.T) {
	scripts, err := loader.LoadDirectory(filepath.Join("testdata", "scripts"))
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "IMAP-LOGIN-001", scripts[0].ID)
}

func TestLoadDirectoryRecursive(t *testing.T) {
	scripts, err := loader.LoadDirectoryRecursive(filepath.Join("testdata", "scripts"))
	require.NoError(t, err)

	ids := make([]string, len(scripts))
	for i, sc := range scripts {
		ids[i] = sc.ID
	}
	assert.ElementsMatch(t, []string{"IMAP-LOGIN-001", "IMAP-APPEND-001"}, ids)
}

func TestLoadPath(t *testing.T) {
	scripts, err := loader.LoadPath(filepath.Join("testdata", "scripts", "imap", "append.yml"))
	require.NoError(t, err)
	require.Len(t, scripts, 1)

	scripts, err = loader.LoadPath(filepath.Join("testdata", "scripts"))
	require.NoError(t, err)
	assert.Len(t, scripts, 2)

	_, err = loader.LoadPath("testdata/nowhere")
	assert.Error(t, err)
}

// ===========================================================================
// Build
// ===========================================================================

func TestBuildCompilesEverySection(t *testing.T) {
	sc, err := loader.LoadScript(filepath.Join("testdata", "scripts", "login.yaml"))
	require.NoError(t, err)

	phases, err := sc.Build(map[string]string{"password": "hunter2"}, script.DefaultConfig())
	require.NoError(t, err)

	setup := phases[runner.PhaseSetup].(*script.Phase)
	body := phases[runner.PhaseTestBody].(*script.Phase)
	teardown := phases[runner.PhaseTeardown].(*script.Phase)

	assert.Equal(t, "setup", setup.Name())
	assert.Len(t, setup.Elements(), 1)
	require.Len(t, body.Elements(), 2)
	assert.Len(t, teardown.Elements(), 2)

	send := body.Elements()[0].(*script.Request)
	assert.Equal(t, "a001 LOGIN alice hunter2", send.Line)
	assert.Equal(t, script.Location{File: sc.File, Line: 14}, send.Location())
	assert.Equal(t, 1, body.SessionCount())
}

func TestBuildSessionCountFollowsSteps(t *testing.T) {
	sc, err := loader.LoadScript(filepath.Join("testdata", "scripts", "imap", "append.yml"))
	require.NoError(t, err)

	phases, err := sc.Build(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, phases[runner.PhaseTestBody].SessionCount())
	assert.Equal(t, 0, phases[runner.PhaseSetup].SessionCount())
	_, isAwait := phases[runner.PhaseTestBody].(*script.Phase).Elements()[1].(*script.Await)
	assert.True(t, isAwait)
}

func TestBuildQuotesVariablesInPatterns(t *testing.T) {
	yaml := `
id: X
vars:
  tag: a.1
test:
  - expect: "{{ tag }} OK"
`
	sc, err := loader.ParseScript([]byte(yaml))
	require.NoError(t, err)

	phases, err := sc.Build(nil, nil)
	require.NoError(t, err)
	r := phases[runner.PhaseTestBody].(*script.Phase).Elements()[0].(*script.Response)
	assert.Equal(t, `a\.1 OK`, r.Source)
}

func TestBuildRejectsBadPattern(t *testing.T) {
	sc, err := loader.ParseScript([]byte("id: X\ntest:\n  - send: a\n  - expect: 'a('\n"))
	require.NoError(t, err)

	_, err = sc.Build(nil, nil)

	var le *loader.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 4, le.Line)
}

func TestBuildWaitAndLog(t *testing.T) {
	sc, err := loader.ParseScript([]byte("id: X\ntest:\n  - wait: 1ms\n  - log: hello {{ who }}\n"))
	require.NoError(t, err)

	phases, err := sc.Build(map[string]string{"who": "world"}, nil)
	require.NoError(t, err)

	body := phases[runner.PhaseTestBody].(*script.Phase)
	assert.Equal(t, time.Millisecond, body.Elements()[0].(*script.Wait).Duration)
	assert.Equal(t, "hello world", body.Elements()[1].(*script.Log).Message)
	assert.NoError(t, body.RunSessions(context.Background(), nil))
}
