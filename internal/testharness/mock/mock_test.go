package mock_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mpt/internal/testharness/loader"
	"github.com/mash-protocol/mpt/internal/testharness/mock"
	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/internal/testharness/script"
	"github.com/mash-protocol/mpt/pkg/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIMAPServer(t *testing.T) *mock.Server {
	t.Helper()
	cfg, err := mock.LoadConfig(filepath.Join("testdata", "imap.yaml"))
	require.NoError(t, err)
	cfg.Logger = quietLogger()

	srv, err := mock.NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// exchange writes request on conn and reads n response lines.
func exchange(t *testing.T, r *bufio.Reader, conn net.Conn, request string, n int) []string {
	t.Helper()
	go io.WriteString(conn, request+"\r\n")
	return readLines(t, r, n)
}

func readLines(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		out = append(out, strings.TrimRight(line, "\r\n"))
	}
	return out
}

func TestLoadConfig(t *testing.T) {
	cfg, err := mock.LoadConfig(filepath.Join("testdata", "imap.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"* OK mock IMAP ready"}, cfg.Greeting)
	assert.Len(t, cfg.Rules, 5)
	assert.True(t, cfg.Rules[4].Close)
	assert.Equal(t, "* BAD unknown command: $0", cfg.Unknown)

	_, err = mock.LoadConfig(filepath.Join("testdata", "missing.yaml"))
	assert.Error(t, err)

	_, err = mock.ParseConfig([]byte("rules: [not, a, rule"))
	assert.Error(t, err)
}

func TestNewServerValidation(t *testing.T) {
	_, err := mock.NewServer(mock.ServerConfig{})
	assert.ErrorIs(t, err, mock.ErrNoRules)

	_, err = mock.NewServer(mock.ServerConfig{Rules: []mock.Rule{{Request: "a("}}})
	assert.ErrorContains(t, err, "bad request pattern")
}

func TestServerAnswersByRule(t *testing.T) {
	srv := newIMAPServer(t)
	conn := srv.Pipe()
	defer conn.Close()
	r := bufio.NewReader(conn)

	assert.Equal(t, []string{"* OK mock IMAP ready"}, readLines(t, r, 1))
	assert.Equal(t,
		[]string{"a1 OK LOGIN completed for bob"},
		exchange(t, r, conn, "a1 LOGIN bob pw", 1))
	assert.Equal(t,
		[]string{"* 1 EXISTS", "* 0 RECENT", "a2 OK NOOP completed"},
		exchange(t, r, conn, "a2 NOOP", 3))
	assert.Equal(t,
		[]string{"* BAD unknown command: a3 FROB"},
		exchange(t, r, conn, "a3 FROB", 1))
	assert.Equal(t, int64(3), srv.RequestCount())
}

func TestServerClosingRule(t *testing.T) {
	srv := newIMAPServer(t)
	conn := srv.Pipe()
	defer conn.Close()
	r := bufio.NewReader(conn)

	readLines(t, r, 1)
	assert.Equal(t,
		[]string{"* BYE mock IMAP logging out", "a9 OK LOGOUT completed"},
		exchange(t, r, conn, "a9 LOGOUT", 2))

	_, err := r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, srv.WaitIdle(time.Second))
}

func TestServerOverTCP(t *testing.T) {
	srv := newIMAPServer(t)
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), mock.ErrServerRunning)

	cfg := transport.DefaultConfig()
	cfg.Address = srv.Addr().String()
	cfg.Logger = quietLogger()
	s := transport.NewLineSession(cfg, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "* OK mock IMAP ready", line)

	require.NoError(t, s.WriteLine(ctx, "t1 NOOP"))
	for _, want := range []string{"* 1 EXISTS", "* 0 RECENT", "t1 OK NOOP completed"} {
		line, err := s.ReadLine(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestServerStopClosesConnections(t *testing.T) {
	srv := newIMAPServer(t)
	conn := srv.Pipe()
	r := bufio.NewReader(conn)
	readLines(t, r, 1)

	require.NoError(t, srv.Stop())
	_, err := r.ReadString('\n')
	assert.Error(t, err)
	assert.Zero(t, srv.ConnectionCount())
}

const appendScript = `
id: MOCK-APPEND-001
name: Append through the mock
setup:
  - expect: '\* OK .*'
  - session: 1
    expect: '\* OK .*'
test:
  - send: "a001 LOGIN {{ user }} pw"
  - expect: "a001 OK LOGIN completed for {{ user }}"
  - send: "a001 APPEND INBOX {5}"
  - await: true
  - send: hello
  - expect: "a001 OK APPEND completed"
  - session: 1
    send: b001 NOOP
  - session: 1
    expect_unordered:
      - '\* 0 RECENT'
      - '\* \d+ EXISTS'
  - session: 1
    expect: b001 OK .*
teardown:
  - send: z LOGOUT
  - expect: '\* BYE .*'
  - expect: z OK LOGOUT completed
`

func runScript(t *testing.T, srv *mock.Server, source string, continueAfterFailure bool) error {
	t.Helper()
	sc, err := loader.ParseScript([]byte(source))
	require.NoError(t, err)

	cfg := script.DefaultConfig()
	cfg.ReadTimeout = 2 * time.Second
	cfg.ContinuationTimeout = 2 * time.Second
	cfg.Logger = quietLogger()
	phases, err := sc.Build(map[string]string{"user": "carol"}, cfg)
	require.NoError(t, err)

	tcfg := transport.DefaultConfig()
	tcfg.Logger = quietLogger()

	r := runner.New(phases, &runner.Config{Logger: quietLogger(), ScriptID: sc.ID})
	if continueAfterFailure {
		r.ContinueAfterFailure()
	}
	return r.RunSessions(context.Background(), mock.NewFactory(srv, tcfg))
}

func TestScriptAgainstMock(t *testing.T) {
	srv := newIMAPServer(t)

	require.NoError(t, runScript(t, srv, appendScript, false))
	assert.True(t, srv.WaitIdle(time.Second), "sessions must be closed after the run")
}

func TestScriptMismatchAgainstMock(t *testing.T) {
	srv := newIMAPServer(t)
	broken := strings.Replace(appendScript, "b001 OK .*", "b001 NO .*", 1)

	err := runScript(t, srv, broken, true)

	assert.Equal(t, runner.KindAggregate, runner.Kind(err))
	var ae *runner.AggregateError
	require.ErrorAs(t, err, &ae)
	require.Len(t, ae.Failures, 1)
	assert.Equal(t, 1, ae.Failures[0].Session)
	assert.Equal(t, "b001 OK NOOP completed", ae.Failures[0].Actual)
	assert.True(t, srv.WaitIdle(time.Second))
}
