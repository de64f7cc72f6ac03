// Package mock provides an in-process scripted peer for exercising the
// harness without a real server.
//
// A Server greets each connection and answers every request line with the
// responses of the first rule whose pattern matches it. Responses may refer
// to capture groups of the request as $1, ${name}, ...
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mash-protocol/mpt/pkg/log"
	"github.com/mash-protocol/mpt/pkg/transport"
)

// Rule answers requests matching Request.
type Rule struct {
	// Request is a regular expression that must match the whole line.
	Request string `yaml:"request"`

	// Responses are written in order. $n and ${name} expand to captures.
	Responses []string `yaml:"responses"`

	// Close ends the connection after the responses are written.
	Close bool `yaml:"close,omitempty"`

	re *regexp.Regexp
}

// ServerConfig configures a mock server.
type ServerConfig struct {
	// Greeting lines are sent as soon as a connection opens.
	Greeting []string `yaml:"greeting"`

	// Rules are tried in order.
	Rules []Rule `yaml:"rules"`

	// Unknown is the response to lines no rule matches. $0 expands to the
	// whole line. Empty sends nothing.
	Unknown string `yaml:"unknown,omitempty"`

	// Address to listen on for Start (e.g., "127.0.0.1:0").
	Address string `yaml:"address,omitempty"`

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// ProtocolLogger receives the server side of every exchange. Optional.
	ProtocolLogger log.Logger `yaml:"-"`
}

// Server is a rule-driven line server.
type Server struct {
	config   ServerConfig
	unknown  *regexp.Regexp
	logger   *slog.Logger
	listener net.Listener

	// Active connections
	conns   map[net.Conn]struct{}
	connsMu sync.Mutex

	// Stats
	requests atomic.Int64

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer compiles the rules of config.
func NewServer(config ServerConfig) (*Server, error) {
	if len(config.Rules) == 0 && config.Unknown == "" {
		return nil, ErrNoRules
	}
	for i := range config.Rules {
		re, err := regexp.Compile(`^(?:` + config.Rules[i].Request + `)$`)
		if err != nil {
			return nil, fmt.Errorf("rule %d: bad request pattern %q: %w", i+1, config.Rules[i].Request, err)
		}
		config.Rules[i].re = re
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.ProtocolLogger = log.OrNoop(config.ProtocolLogger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		unknown: regexp.MustCompile(`^.*$`),
		logger:  config.Logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start listens on config.Address and serves connections until Stop.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	addr := s.config.Address
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("mock server listening", "address", listener.Addr().String())
	return nil
}

// Stop closes the listener and every connection, then waits for them.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// RequestCount returns the number of request lines handled so far.
func (s *Server) RequestCount() int64 {
	return s.requests.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.logger.Warn("mock accept failed", "error", err)
				continue
			}
			return
		}
		s.serve(conn)
	}
}

// Pipe returns the client end of an in-memory connection served by s.
func (s *Server) Pipe() net.Conn {
	client, server := net.Pipe()
	s.serve(server)
	return client
}

// Dial implements transport.DialFunc over Pipe.
func (s *Server) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Pipe(), nil
}

func (s *Server) serve(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.connsMu.Lock()
			delete(s.conns, conn)
			s.connsMu.Unlock()
			conn.Close()
		}()
		if err := s.handle(conn); err != nil && !isClosed(err) {
			s.logger.Debug("mock connection ended", "error", err)
		}
	}()
}

// handle runs one connection: greeting, then request/response until the
// peer goes away or a closing rule fires.
func (s *Server) handle(conn net.Conn) error {
	id := uuid.NewString()
	framer := transport.NewFramer(conn)
	framer.SetLogger(s.config.ProtocolLogger, id)

	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	for _, g := range s.config.Greeting {
		if err := framer.WriteLine(g); err != nil {
			return err
		}
	}

	for {
		line, err := framer.ReadLine()
		if err != nil {
			return err
		}
		s.requests.Add(1)

		responses, closing := s.respond(line)
		for _, r := range responses {
			if err := framer.WriteLine(r); err != nil {
				return err
			}
		}
		if closing {
			return nil
		}
	}
}

// respond returns the lines answering line and whether to hang up after.
func (s *Server) respond(line string) ([]string, bool) {
	for _, rule := range s.config.Rules {
		m := rule.re.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		out := make([]string, len(rule.Responses))
		for i, tmpl := range rule.Responses {
			out[i] = string(rule.re.ExpandString(nil, tmpl, line, m))
		}
		return out, rule.Close
	}

	if s.config.Unknown == "" {
		return nil, false
	}
	m := s.unknown.FindStringSubmatchIndex(line)
	return []string{string(s.unknown.ExpandString(nil, s.config.Unknown, line, m))}, false
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// NewFactory returns a session factory whose sessions talk to s over
// in-memory pipes. Address and Dial in config are replaced.
func NewFactory(s *Server, config transport.Config) *transport.Factory {
	config.Address = "mock"
	config.Dial = s.Dial
	return transport.NewFactory(config)
}

// WaitIdle blocks until no connection is open or the timeout expires.
func (s *Server) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.ConnectionCount() == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.ConnectionCount() == 0
}
