package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/pkg/log"
)

// Session states.
type SessionState int32

const (
	// StateDisconnected indicates no connection.
	StateDisconnected SessionState = iota

	// StateConnecting indicates connection in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateClosing indicates close in progress.
	StateClosing
)

// String returns the session state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Session errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectionClosed = errors.New("connection closed")
)

// DialFunc opens the raw connection for a session.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures line sessions.
type Config struct {
	// Address is the host:port of the system under test.
	Address string

	// TLS enables TLS when non-nil.
	TLS *tls.Config

	// ConnectTimeout bounds dialing and the TLS handshake (default: 10s).
	ConnectTimeout time.Duration

	// MaxLineLength is the maximum line length (default: 64KB).
	MaxLineLength int

	// ContinuationPrefix marks peer lines that request continuation.
	// Empty disables continuation handling.
	ContinuationPrefix string

	// QueueSize is the number of received lines buffered for ReadLine
	// (default: 256).
	QueueSize int

	// Dial overrides the network dialer.
	Dial DialFunc

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives every line and state change. Optional.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     10 * time.Second,
		MaxLineLength:      DefaultMaxLineLength,
		ContinuationPrefix: "+",
		QueueSize:          256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = def.MaxLineLength
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
	if c.Dial == nil {
		d := &net.Dialer{}
		c.Dial = d.DialContext
	}
}

// LineSession is one connection to the system under test. It implements
// runner.Session and the line exchange the scripts need.
type LineSession struct {
	config Config
	cont   runner.Continuation

	state atomic.Int32

	mu         sync.Mutex
	id         string
	conn       net.Conn
	framer     *Framer
	lines      chan string
	done       chan struct{}
	readerDone chan struct{}
	readErr    error
}

// NewLineSession creates a session (not yet connected). cont may be nil.
func NewLineSession(config Config, cont runner.Continuation) *LineSession {
	config.applyDefaults()
	s := &LineSession{
		config: config,
		cont:   cont,
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the current session state.
func (s *LineSession) State() SessionState {
	return SessionState(s.state.Load())
}

// ID returns the identifier of the current connection.
func (s *LineSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// RemoteAddr returns the remote network address, or nil when disconnected.
func (s *LineSession) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.RemoteAddr()
	}
	return nil
}

// Start connects to the configured address.
func (s *LineSession) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	s.notifyStateChange(StateDisconnected, StateConnecting, "")

	conn, err := s.dial(ctx)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		s.notifyStateChange(StateConnecting, StateDisconnected, err.Error())
		return err
	}

	framer := NewFramerWithMax(conn, s.config.MaxLineLength)
	framer.SetLogger(s.config.ProtocolLogger, id)
	framer.SetUnloggedPrefix(s.config.ContinuationPrefix)
	lines := make(chan string, s.config.QueueSize)
	done := make(chan struct{})
	readerDone := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.framer = framer
	s.lines = lines
	s.done = done
	s.readerDone = readerDone
	s.readErr = nil
	s.mu.Unlock()

	go s.readLoop(framer, lines, done, readerDone)

	s.state.Store(int32(StateConnected))
	s.notifyStateChange(StateConnecting, StateConnected, "")
	s.config.Logger.Debug("session connected", "session", id, "address", s.config.Address)
	return nil
}

func (s *LineSession) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	conn, err := s.config.Dial(dialCtx, "tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if s.config.TLS == nil {
		return conn, nil
	}

	tlsConfig := s.config.TLS
	if tlsConfig.ServerName == "" && !tlsConfig.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(s.config.Address); err == nil {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// readLoop queues received lines until the connection fails or the session
// is stopped. Continuation lines are forwarded instead of queued.
func (s *LineSession) readLoop(framer *Framer, lines chan<- string, done <-chan struct{}, readerDone chan<- struct{}) {
	defer close(readerDone)
	defer close(lines)

	id := s.ID()
	prefix := s.config.ContinuationPrefix
	for {
		line, err := framer.ReadLine()
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			select {
			case <-done:
			default:
				s.config.Logger.Debug("session read ended", "session", id, "error", err)
			}
			return
		}

		if prefix != "" && strings.HasPrefix(line, prefix) {
			s.config.ProtocolLogger.Log(log.Event{
				Timestamp:    time.Now(),
				SessionID:    id,
				Direction:    log.DirectionIn,
				Category:     log.CategoryContinuation,
				Continuation: &log.ContinuationEvent{Line: line},
			})
			if s.cont != nil {
				s.cont.DoContinue()
			}
			continue
		}

		select {
		case lines <- line:
		case <-done:
			return
		}
	}
}

// ReadLine returns the next queued line. Once the connection has ended and
// the queue is drained it returns an error wrapping ErrConnectionClosed.
func (s *LineSession) ReadLine(ctx context.Context) (string, error) {
	s.mu.Lock()
	lines := s.lines
	s.mu.Unlock()
	if lines == nil {
		return "", ErrNotConnected
	}

	select {
	case line, ok := <-lines:
		if !ok {
			return "", s.closedError()
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *LineSession) closedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil && !errors.Is(s.readErr, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, s.readErr)
	}
	return ErrConnectionClosed
}

// WriteLine sends line followed by CRLF.
func (s *LineSession) WriteLine(ctx context.Context, line string) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	s.mu.Lock()
	framer := s.framer
	conn := s.conn
	s.mu.Unlock()
	if framer == nil {
		return ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return framer.WriteLine(line)
}

// Stop closes the connection and waits for the reader to exit. It is safe
// to call more than once and after a failed Start.
func (s *LineSession) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) {
		return nil
	}
	s.notifyStateChange(StateConnected, StateClosing, "")

	s.mu.Lock()
	conn := s.conn
	done := s.done
	readerDone := s.readerDone
	s.conn = nil
	s.framer = nil
	s.mu.Unlock()

	close(done)
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	select {
	case <-readerDone:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("waiting for reader: %w", ctx.Err())
		}
	}

	s.state.Store(int32(StateDisconnected))
	s.notifyStateChange(StateClosing, StateDisconnected, "")
	return err
}

// Restart replaces the connection with a fresh one under a new ID.
func (s *LineSession) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return s.Start(ctx)
}

func (s *LineSession) notifyStateChange(from, to SessionState, reason string) {
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: s.ID(),
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
}

// Factory creates line sessions for the runner.
type Factory struct {
	config Config
}

// NewFactory creates a factory that opens sessions with config.
func NewFactory(config Config) *Factory {
	return &Factory{config: config}
}

// NewSession implements runner.SessionFactory.
func (f *Factory) NewSession(_ context.Context, cont runner.Continuation) (runner.Session, error) {
	if f.config.Address == "" && f.config.Dial == nil {
		return nil, errors.New("transport: no address configured")
	}
	return NewLineSession(f.config, cont), nil
}

var _ runner.SessionFactory = (*Factory)(nil)
