package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/mpt/pkg/log"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *recordingLogger) Log(ev log.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingLogger) all() []log.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]log.Event(nil), r.events...)
}

type countingContinuation struct{ n atomic.Int32 }

func (c *countingContinuation) DoContinue() { c.n.Add(1) }

// pipePeer dials over net.Pipe and hands the far end to the test.
type pipePeer struct {
	conns chan net.Conn
}

func newPipePeer() *pipePeer {
	return &pipePeer{conns: make(chan net.Conn, 4)}
}

func (p *pipePeer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	p.conns <- server
	return client, nil
}

func (p *pipePeer) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func testSessionConfig(dial DialFunc, plog log.Logger) Config {
	cfg := DefaultConfig()
	cfg.Address = "pipe"
	cfg.Dial = dial
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.ProtocolLogger = plog
	return cfg
}

func TestLineSession_ExchangesLines(t *testing.T) {
	peer := newPipePeer()
	s := NewLineSession(testSessionConfig(peer.dial, nil), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	conn := peer.next(t)
	assert.Equal(t, StateConnected, s.State())
	assert.NotEmpty(t, s.ID())

	go io.WriteString(conn, "* OK ready\r\n")
	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "* OK ready", line)

	got := make(chan string, 1)
	go func() {
		l, _ := bufio.NewReader(conn).ReadString('\n')
		got <- l
	}()
	require.NoError(t, s.WriteLine(ctx, "a001 NOOP"))
	assert.Equal(t, "a001 NOOP\r\n", <-got)
}

func TestLineSession_ContinuationLinesSignalInsteadOfQueue(t *testing.T) {
	peer := newPipePeer()
	cont := &countingContinuation{}
	rec := &recordingLogger{}
	s := NewLineSession(testSessionConfig(peer.dial, rec), cont)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	conn := peer.next(t)

	go io.WriteString(conn, "+ go ahead\r\na001 OK done\r\n")

	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a001 OK done", line)
	assert.Equal(t, int32(1), cont.n.Load())

	var continuations int
	for _, ev := range rec.all() {
		switch ev.Category {
		case log.CategoryContinuation:
			continuations++
			assert.Equal(t, "+ go ahead", ev.Continuation.Line)
			assert.Equal(t, s.ID(), ev.SessionID)
		case log.CategoryLine:
			assert.NotEqual(t, "+ go ahead", ev.Line.Text, "continuation line logged as a plain line")
		}
	}
	assert.Equal(t, 1, continuations)
}

func TestLineSession_EmptyPrefixDisablesContinuation(t *testing.T) {
	peer := newPipePeer()
	cont := &countingContinuation{}
	cfg := testSessionConfig(peer.dial, nil)
	cfg.ContinuationPrefix = ""
	s := NewLineSession(cfg, cont)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	go io.WriteString(peer.next(t), "+ literal\r\n")

	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+ literal", line)
	assert.Zero(t, cont.n.Load())
}

func TestLineSession_ReadLineHonoursContext(t *testing.T) {
	peer := newPipePeer()
	s := NewLineSession(testSessionConfig(peer.dial, nil), nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	peer.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.ReadLine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLineSession_PeerCloseDrainsThenFails(t *testing.T) {
	peer := newPipePeer()
	s := NewLineSession(testSessionConfig(peer.dial, nil), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	conn := peer.next(t)

	go func() {
		io.WriteString(conn, "* BYE\r\n")
		conn.Close()
	}()

	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "* BYE", line)

	_, err = s.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestLineSession_StopIsIdempotent(t *testing.T) {
	peer := newPipePeer()
	rec := &recordingLogger{}
	s := NewLineSession(testSessionConfig(peer.dial, rec), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	peer.next(t)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.WriteLine(ctx, "x"), ErrNotConnected)
	_, err := s.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	var states []string
	for _, ev := range rec.all() {
		if ev.StateChange != nil {
			states = append(states, ev.StateChange.NewState)
		}
	}
	assert.Equal(t, []string{"CONNECTING", "CONNECTED", "CLOSING", "DISCONNECTED"}, states)
}

func TestLineSession_StopAfterFailedStart(t *testing.T) {
	dialErr := errors.New("connection refused")
	cfg := testSessionConfig(func(context.Context, string, string) (net.Conn, error) {
		return nil, dialErr
	}, nil)
	s := NewLineSession(cfg, nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, StateDisconnected, s.State())
	assert.NoError(t, s.Stop(context.Background()))

	_, err = s.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLineSession_StartTwice(t *testing.T) {
	peer := newPipePeer()
	s := NewLineSession(testSessionConfig(peer.dial, nil), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	peer.next(t)
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyConnected)
}

func TestLineSession_RestartUsesFreshConnection(t *testing.T) {
	peer := newPipePeer()
	s := NewLineSession(testSessionConfig(peer.dial, nil), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	first := peer.next(t)
	firstID := s.ID()

	require.NoError(t, s.Restart(ctx))
	second := peer.next(t)
	assert.NotEqual(t, firstID, s.ID())
	assert.Equal(t, StateConnected, s.State())

	// The old pipe is closed; the new one carries lines.
	_, err := first.Write([]byte("stale\r\n"))
	assert.Error(t, err)
	go io.WriteString(second, "* OK again\r\n")
	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "* OK again", line)
}

func TestLineSession_OverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "* OK tcp\r\n")
		bufio.NewReader(conn).ReadString('\n')
	}()

	cfg := testSessionConfig(nil, nil)
	cfg.Address = l.Addr().String()
	s := NewLineSession(cfg, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	assert.Equal(t, l.Addr().String(), s.RemoteAddr().String())

	line, err := s.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "* OK tcp", line)
}

func TestFactory(t *testing.T) {
	_, err := NewFactory(Config{}).NewSession(context.Background(), nil)
	assert.Error(t, err)

	peer := newPipePeer()
	cont := &countingContinuation{}
	sess, err := NewFactory(testSessionConfig(peer.dial, nil)).NewSession(context.Background(), cont)
	require.NoError(t, err)

	ls, ok := sess.(*LineSession)
	require.True(t, ok)
	assert.Same(t, cont, ls.cont)
	assert.Equal(t, StateDisconnected, ls.State())
}

func TestNewClientTLSConfig(t *testing.T) {
	cfg, err := NewClientTLSConfig(TLSOptions{ServerName: "imap.example", InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.Equal(t, "imap.example", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = NewClientTLSConfig(TLSOptions{CertFile: "only-cert.pem"})
	assert.Error(t, err)

	_, err = NewClientTLSConfig(TLSOptions{CAFile: "testdata/missing.pem"})
	assert.Error(t, err)
}
