// Command mpt-console is an interactive line client for exploring a server
// and recording the exchange as a test script.
//
// Every typed line is sent to the server and every line the server sends is
// printed with an "S:" prefix. Lines starting with '.' are console commands
// (.help lists them). With -save, the exchange is written as a script that
// mpt-test can replay: received lines become exact expectations and
// continuation requests become await steps.
//
// Usage:
//
//	mpt-console [flags]
//
// Flags:
//
//	-target string               Target address (host:port) of the server
//	-discover string             Find the target with DNS-SD; instance name or "any"
//	-service string              DNS-SD service type used by -discover (default "_imap._tcp")
//	-tls                         Connect with TLS
//	-insecure                    Skip TLS certificate verification
//	-ca string                   PEM file of trusted CA certificates
//	-protocol-log string         File path for protocol event logging (CBOR format)
//	-save string                 Save the recorded exchange to this script file on exit
//	-id string                   ID of the recorded script (default "RECORDED-001")
//	-name string                 Name of the recorded script (default "Recorded session")
//	-continuation-prefix string  Prefix of server lines requesting continuation (default "+")
//	-verbose                     Enable verbose output
//
// Examples:
//
//	# Talk to a local server
//	mpt-console -target localhost:143
//
//	# Record a login and save it as a script
//	mpt-console -target localhost:143 -save ./scripts/login.yaml -id IMAP-LOGIN-002
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/chzyer/readline"

	"github.com/mash-protocol/mpt/pkg/discovery"
	mptlog "github.com/mash-protocol/mpt/pkg/log"
	"github.com/mash-protocol/mpt/pkg/transport"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], env.ToMap(os.Environ()), os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mpt> ",
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: level}))

	tcfg := transport.DefaultConfig()
	tcfg.Logger = logger
	tcfg.ContinuationPrefix = cfg.ContinuationPrefix

	if cfg.ProtocolLog != "" {
		fl, err := mptlog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return fmt.Errorf("failed to create protocol logger: %w", err)
		}
		defer fl.Close()
		tcfg.ProtocolLogger = fl
	}

	if tcfg.Address, err = resolveTarget(ctx, cfg, logger); err != nil {
		return err
	}

	if cfg.TLS {
		tlsConfig, err := transport.NewClientTLSConfig(transport.TLSOptions{
			CAFile:             cfg.CAFile,
			InsecureSkipVerify: cfg.Insecure,
		})
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		tcfg.TLS = tlsConfig
	}

	console := newConsole(rl.Stdout(), NewRecorder(), cfg)
	session := transport.NewLineSession(tcfg, console)
	console.session = session

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", tcfg.Address, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = session.Stop(stopCtx)
	}()

	fmt.Fprintf(rl.Stdout(), "Connected to %s (type '.help' for commands)\n", tcfg.Address)
	go console.receive(ctx, console.generation.Load())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Readline blocks on the terminal; closing it unblocks the loop.
	stopInput := context.AfterFunc(ctx, func() { rl.Close() })
	defer stopInput()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			console.handle(ctx, ".quit")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if console.handle(ctx, input) {
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			return nil
		}
	}
}

// resolveTarget returns the configured target, discovering it first when
// -discover is set.
func resolveTarget(ctx context.Context, cfg *config, logger *slog.Logger) (string, error) {
	if cfg.Discover == "" {
		return cfg.Target, nil
	}

	q := discovery.Query{Service: cfg.Service}
	if cfg.Discover != "any" {
		q.Instance = cfg.Discover
	}
	svc, err := discovery.NewBrowser(q, logger).Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("discover target: %w", err)
	}
	address, err := svc.Address()
	if err != nil {
		return "", fmt.Errorf("discover target: %w", err)
	}
	logger.Info("discovered target", "instance", svc.Instance, "address", address)
	return address, nil
}
