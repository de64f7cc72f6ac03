// Command mpt-mock serves a rule-driven mock server over TCP.
//
// The rules file lists greeting lines, request patterns with their
// responses, and a fallback for unknown requests. It is the same format
// mpt-test -mock loads in process.
//
// Usage:
//
//	mpt-mock [flags] <rules.yaml>
//
// Flags:
//
//	-listen string        Address to listen on (default "127.0.0.1:1143")
//	-advertise string     Advertise the server with DNS-SD under this instance name
//	-service string       DNS-SD service type for -advertise (default "_imap._tcp")
//	-interface string     Network interface for -advertise (default: all)
//	-protocol-log string  File path for protocol event logging (CBOR format)
//	-log-level string     Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Serve the bundled IMAP rules
//	mpt-mock ./testdata/mock/imap.yaml
//
//	# Serve on all interfaces and advertise for mpt-test -discover
//	mpt-mock -listen :1143 -advertise mpt-mock ./testdata/mock/imap.yaml
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mash-protocol/mpt/internal/testharness/mock"
	"github.com/mash-protocol/mpt/pkg/discovery"
	mptlog "github.com/mash-protocol/mpt/pkg/log"
)

var (
	listen      = flag.String("listen", "127.0.0.1:1143", "Address to listen on")
	advertise   = flag.String("advertise", "", "Advertise the server with DNS-SD under this instance name")
	service     = flag.String("service", discovery.DefaultService, "DNS-SD service type for -advertise")
	iface       = flag.String("interface", "", "Network interface for -advertise (default: all)")
	protocolLog = flag.String("protocol-log", "", "File path for protocol event logging (CBOR format)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mpt-mock [flags] <rules.yaml>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		log.Fatalf("Invalid -log-level: %v", err)
	}
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := mock.LoadConfig(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}
	cfg.Address = *listen
	cfg.Logger = logger

	if *protocolLog != "" {
		fl, err := mptlog.NewFileLogger(*protocolLog)
		if err != nil {
			log.Fatalf("Failed to create protocol logger: %v", err)
		}
		defer fl.Close()
		cfg.ProtocolLogger = fl
		log.Printf("Protocol logging to: %s", *protocolLog)
	}

	srv, err := mock.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Serving %s on %s", flag.Arg(0), srv.Addr())

	if *advertise != "" {
		adv, err := discovery.Advertise(discovery.AdvertiserConfig{
			Instance:  *advertise,
			Service:   *service,
			Port:      srv.Addr().(*net.TCPAddr).Port,
			Text:      discovery.TXTRecordMap{"rules": flag.Arg(0)},
			Interface: *iface,
		})
		if err != nil {
			log.Printf("Failed to advertise: %v", err)
		} else {
			defer adv.Shutdown()
			log.Printf("Advertising %q as %s", *advertise, *service)
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	log.Println("Shutting down...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	log.Printf("Served %d requests", srv.RequestCount())
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
