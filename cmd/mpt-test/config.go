package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// envConfig holds the defaults read from the environment. Flags override them.
type envConfig struct {
	Target               string        `env:"MPT_TARGET"`
	Discover             string        `env:"MPT_DISCOVER"`
	Service              string        `env:"MPT_SERVICE"          envDefault:"_imap._tcp"`
	Mock                 string        `env:"MPT_MOCK"`
	Scripts              string        `env:"MPT_SCRIPTS"          envDefault:"./testdata/scripts"`
	Timeout              time.Duration `env:"MPT_TIMEOUT"          envDefault:"30s"`
	ReadTimeout          time.Duration `env:"MPT_READ_TIMEOUT"     envDefault:"10s"`
	ContinuationTimeout  time.Duration `env:"MPT_CONTINUATION_TIMEOUT" envDefault:"10s"`
	Tags                 []string      `env:"MPT_TAGS"             envSeparator:","`
	ContinueAfterFailure bool          `env:"MPT_CONTINUE_AFTER_FAILURE"`
	TLS                  bool          `env:"MPT_TLS"`
	Insecure             bool          `env:"MPT_INSECURE"`
	CAFile               string        `env:"MPT_CA_FILE"`
	ProtocolLog          string        `env:"MPT_PROTOCOL_LOG"`
	History              string        `env:"MPT_HISTORY"`
}

// config is the resolved command configuration.
type config struct {
	envConfig

	Pattern       *regexp.Regexp
	Vars          map[string]string
	StopOnFailure bool
	Verbose       bool
	Format        string
}

// varFlags collects repeatable -var key=value flags.
type varFlags map[string]string

func (v varFlags) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + v[k]
	}
	return strings.Join(parts, ",")
}

func (v varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

// parseConfig reads environment defaults from environ, then applies args.
func parseConfig(args []string, environ map[string]string, output io.Writer) (*config, error) {
	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &config{envConfig: ec, Vars: make(map[string]string)}
	fs := flag.NewFlagSet("mpt-test", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.Target, "target", ec.Target, "Target address (host:port) of the server under test")
	fs.StringVar(&cfg.Discover, "discover", ec.Discover, "Find the target with DNS-SD; instance name or \"any\"")
	fs.StringVar(&cfg.Service, "service", ec.Service, "DNS-SD service type used by -discover")
	fs.StringVar(&cfg.Mock, "mock", ec.Mock, "Run against an in-process mock server loaded from this rules file")
	fs.StringVar(&cfg.Scripts, "scripts", ec.Scripts, "Script file or directory (searched recursively)")
	fs.DurationVar(&cfg.Timeout, "timeout", ec.Timeout, "Default per-script timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", ec.ReadTimeout, "Timeout for each expected line")
	fs.DurationVar(&cfg.ContinuationTimeout, "continuation-timeout", ec.ContinuationTimeout, "Timeout for each continuation request")
	tags := fs.String("tags", strings.Join(ec.Tags, ","), "Comma-separated tags; run scripts carrying any of them")
	fs.BoolVar(&cfg.ContinueAfterFailure, "continue-after-failure", ec.ContinueAfterFailure, "Record mismatches and keep going instead of failing fast")
	fs.BoolVar(&cfg.StopOnFailure, "stop-on-failure", false, "Stop the suite after the first failed script")
	fs.BoolVar(&cfg.TLS, "tls", ec.TLS, "Connect with TLS")
	fs.BoolVar(&cfg.Insecure, "insecure", ec.Insecure, "Skip TLS certificate verification")
	fs.StringVar(&cfg.CAFile, "ca", ec.CAFile, "PEM file of trusted CA certificates")
	fs.StringVar(&cfg.ProtocolLog, "protocol-log", ec.ProtocolLog, "File path for protocol event logging (CBOR format)")
	fs.StringVar(&cfg.History, "history", ec.History, "SQLite database recording suite runs")
	fs.Var(varFlags(cfg.Vars), "var", "Script variable key=value (repeatable)")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose output")
	jsonOut := fs.Bool("json", false, "Output results as JSON")
	junitOut := fs.Bool("junit", false, "Output results as JUnit XML")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Tags = nil
	for _, t := range strings.Split(*tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Tags = append(cfg.Tags, t)
		}
	}

	cfg.Format = "text"
	if *jsonOut {
		cfg.Format = "json"
	} else if *junitOut {
		cfg.Format = "junit"
	}

	if fs.NArg() > 1 {
		return nil, errors.New("at most one test pattern may be given")
	}
	if fs.NArg() == 1 {
		re, err := regexp.Compile(fs.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("bad test pattern: %w", err)
		}
		cfg.Pattern = re
	}

	// A target source given as a flag replaces any the environment set.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	targets := []struct {
		flag  string
		value *string
	}{
		{"target", &cfg.Target},
		{"discover", &cfg.Discover},
		{"mock", &cfg.Mock},
	}
	if set["target"] || set["discover"] || set["mock"] {
		for _, t := range targets {
			if !set[t.flag] {
				*t.value = ""
			}
		}
	}

	sources := 0
	for _, t := range targets {
		if *t.value != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		return nil, errors.New("target address is required (-target, -discover or -mock)")
	case sources > 1:
		return nil, errors.New("-target, -discover and -mock are mutually exclusive")
	}

	return cfg, nil
}
