// Command mpt-test runs protocol test scripts against a line-based server.
//
// Each script has setup, test and teardown sections. mpt-test opens as many
// sessions as the test section addresses, runs the sections in order and
// reports every script as passed, failed or skipped.
//
// Usage:
//
//	mpt-test [flags] [test-pattern]
//
// Flags:
//
//	-target string               Target address (host:port) of the server under test
//	-discover string             Find the target with DNS-SD; instance name or "any"
//	-service string              DNS-SD service type used by -discover (default "_imap._tcp")
//	-mock string                 Run against an in-process mock server loaded from this rules file
//	-scripts string              Script file or directory (default "./testdata/scripts")
//	-timeout duration            Default per-script timeout (default 30s)
//	-read-timeout duration       Timeout for each expected line (default 10s)
//	-continuation-timeout dur    Timeout for each continuation request (default 10s)
//	-tags string                 Comma-separated tags; run scripts carrying any of them
//	-continue-after-failure      Record mismatches and keep going instead of failing fast
//	-stop-on-failure             Stop the suite after the first failed script
//	-tls                         Connect with TLS
//	-insecure                    Skip TLS certificate verification
//	-ca string                   PEM file of trusted CA certificates
//	-var key=value               Script variable (repeatable)
//	-verbose                     Enable verbose output
//	-json                        Output results as JSON
//	-junit                       Output results as JUnit XML
//	-protocol-log string         File path for protocol event logging (CBOR format)
//	-history string              SQLite database recording suite runs
//
// Every flag except -var, -stop-on-failure, -verbose, -json and -junit can
// also be set with an MPT_* environment variable (MPT_TARGET, MPT_SCRIPTS,
// MPT_TIMEOUT, ...). Flags win over the environment.
//
// Examples:
//
//	# Run every script against a local server
//	mpt-test -target localhost:143 -scripts ./scripts
//
//	# Run the login scripts, continuing after failures
//	mpt-test -target mail:993 -tls -continue-after-failure "LOGIN.*"
//
//	# Try the scripts against the bundled mock server
//	mpt-test -mock ./testdata/mock/imap.yaml -verbose
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mash-protocol/mpt/internal/testharness/engine"
	"github.com/mash-protocol/mpt/internal/testharness/history"
	"github.com/mash-protocol/mpt/internal/testharness/loader"
	"github.com/mash-protocol/mpt/internal/testharness/mock"
	"github.com/mash-protocol/mpt/internal/testharness/reporter"
	"github.com/mash-protocol/mpt/internal/testharness/runner"
	"github.com/mash-protocol/mpt/internal/testharness/script"
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

	result, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if result.FailCount > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, out io.Writer) (*engine.SuiteResult, error) {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	text := cfg.Format == "text"
	if text {
		log.SetFlags(log.Ltime)
		if cfg.Verbose {
			log.SetFlags(log.Ltime | log.Lmicroseconds)
		}
		printBanner(out)
	}

	var plog mptlog.Logger
	if cfg.ProtocolLog != "" {
		fl, err := mptlog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, fmt.Errorf("failed to create protocol logger: %w", err)
		}
		defer fl.Close()
		plog = fl
		if text {
			log.Printf("Protocol logging to: %s", cfg.ProtocolLog)
		}
	}

	scripts, err := loader.LoadPath(cfg.Scripts)
	if err != nil {
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("no scripts found in %s", cfg.Scripts)
	}

	factory, cleanup, err := sessionFactory(ctx, cfg, logger, plog)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if text {
		log.Printf("Scripts: %s (%d)", cfg.Scripts, len(scripts))
		if cfg.Pattern != nil {
			log.Printf("Pattern: %s", cfg.Pattern)
		}
		if cfg.ContinueAfterFailure {
			log.Printf("Continue after failure: on")
		}
		log.Println()
	}

	eng := engine.NewWithConfig(factory, &engine.EngineConfig{
		SuiteName:            cfg.Scripts,
		DefaultTimeout:       cfg.Timeout,
		ContinueAfterFailure: cfg.ContinueAfterFailure,
		StopOnFirstFailure:   cfg.StopOnFailure,
		Pattern:              cfg.Pattern,
		Tags:                 cfg.Tags,
		Vars:                 cfg.Vars,
		Script: &script.Config{
			ReadTimeout:         cfg.ReadTimeout,
			ContinuationTimeout: cfg.ContinuationTimeout,
			Logger:              logger,
		},
		Logger:         logger,
		ProtocolLogger: plog,
	})

	result := eng.RunSuite(ctx, scripts)
	newReporter(cfg, out).ReportSuite(result)

	if cfg.History != "" {
		if err := record(ctx, cfg.History, result); err != nil {
			logger.Error("failed to record history", "path", cfg.History, "error", err)
		}
	}
	return result, nil
}

// sessionFactory builds the session factory for the configured target. The
// returned cleanup releases a mock server, if one was started.
func sessionFactory(ctx context.Context, cfg *config, logger *slog.Logger, plog mptlog.Logger) (runner.SessionFactory, func(), error) {
	tcfg := transport.DefaultConfig()
	tcfg.Logger = logger
	tcfg.ProtocolLogger = plog

	if cfg.Mock != "" {
		scfg, err := mock.LoadConfig(cfg.Mock)
		if err != nil {
			return nil, nil, fmt.Errorf("load mock rules: %w", err)
		}
		scfg.Logger = logger
		srv, err := mock.NewServer(scfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Format == "text" {
			log.Printf("Target: in-process mock (%s)", cfg.Mock)
		}
		return mock.NewFactory(srv, tcfg), func() { _ = srv.Stop() }, nil
	}

	address := cfg.Target
	if cfg.Discover != "" {
		q := discovery.Query{Service: cfg.Service}
		if cfg.Discover != "any" {
			q.Instance = cfg.Discover
		}
		resolveCtx, cancel := context.WithTimeout(ctx, discovery.DefaultTimeout)
		defer cancel()
		svc, err := discovery.NewBrowser(q, logger).Resolve(resolveCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("discover target: %w", err)
		}
		if address, err = svc.Address(); err != nil {
			return nil, nil, fmt.Errorf("discover target: %w", err)
		}
		if cfg.Format == "text" {
			log.Printf("Discovered: %s", svc.Instance)
		}
	}
	tcfg.Address = address

	if cfg.TLS {
		tlsConfig, err := transport.NewClientTLSConfig(transport.TLSOptions{
			CAFile:             cfg.CAFile,
			InsecureSkipVerify: cfg.Insecure,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("tls: %w", err)
		}
		tcfg.TLS = tlsConfig
	}

	if cfg.Format == "text" {
		log.Printf("Target: %s", address)
	}
	return transport.NewFactory(tcfg), func() {}, nil
}

func newReporter(cfg *config, out io.Writer) reporter.Reporter {
	switch cfg.Format {
	case "json":
		return reporter.NewJSONReporter(out, true)
	case "junit":
		return reporter.NewJUnitReporter(out)
	default:
		return reporter.NewTextReporter(out, cfg.Verbose)
	}
}

func record(ctx context.Context, path string, result *engine.SuiteResult) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := store.RecordSuite(ctx, result); err != nil {
		return fmt.Errorf("record suite %s: %w", result.RunID, err)
	}
	return nil
}

func printBanner(w io.Writer) {
	fmt.Fprint(w, `
 __  __ ____ _____   _____         _
|  \/  |  _ \_   _| |_   _|__  ___| |_
| |\/| | |_) || |     | |/ _ \/ __| __|
| |  | |  __/ | |     | |  __/\__ \ |_
|_|  |_|_|    |_|     |_|\___||___/\__|

Protocol Script Test Runner
`)
}
