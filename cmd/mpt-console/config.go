package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/caarlos0/env/v11"
)

// envConfig holds the defaults read from the environment. Flags override them.
type envConfig struct {
	Target      string `env:"MPT_TARGET"`
	Discover    string `env:"MPT_DISCOVER"`
	Service     string `env:"MPT_SERVICE"      envDefault:"_imap._tcp"`
	TLS         bool   `env:"MPT_TLS"`
	Insecure    bool   `env:"MPT_INSECURE"`
	CAFile      string `env:"MPT_CA_FILE"`
	ProtocolLog string `env:"MPT_PROTOCOL_LOG"`
}

// config is the resolved command configuration.
type config struct {
	envConfig

	Save               string
	ScriptID           string
	ScriptName         string
	ContinuationPrefix string
	Verbose            bool
}

// parseConfig reads environment defaults from environ, then applies args.
func parseConfig(args []string, environ map[string]string, output io.Writer) (*config, error) {
	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &config{envConfig: ec}
	fs := flag.NewFlagSet("mpt-console", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.Target, "target", ec.Target, "Target address (host:port) of the server")
	fs.StringVar(&cfg.Discover, "discover", ec.Discover, "Find the target with DNS-SD; instance name or \"any\"")
	fs.StringVar(&cfg.Service, "service", ec.Service, "DNS-SD service type used by -discover")
	fs.BoolVar(&cfg.TLS, "tls", ec.TLS, "Connect with TLS")
	fs.BoolVar(&cfg.Insecure, "insecure", ec.Insecure, "Skip TLS certificate verification")
	fs.StringVar(&cfg.CAFile, "ca", ec.CAFile, "PEM file of trusted CA certificates")
	fs.StringVar(&cfg.ProtocolLog, "protocol-log", ec.ProtocolLog, "File path for protocol event logging (CBOR format)")
	fs.StringVar(&cfg.Save, "save", "", "Save the recorded exchange to this script file on exit")
	fs.StringVar(&cfg.ScriptID, "id", "RECORDED-001", "ID of the recorded script")
	fs.StringVar(&cfg.ScriptName, "name", "Recorded session", "Name of the recorded script")
	fs.StringVar(&cfg.ContinuationPrefix, "continuation-prefix", "+", "Prefix of server lines requesting continuation (empty disables)")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	// A target source given as a flag replaces the one the environment set.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	switch {
	case set["target"] && !set["discover"]:
		cfg.Discover = ""
	case set["discover"] && !set["target"]:
		cfg.Target = ""
	}

	switch {
	case cfg.Target == "" && cfg.Discover == "":
		return nil, errors.New("target address is required (-target or -discover)")
	case cfg.Target != "" && cfg.Discover != "":
		return nil, errors.New("-target and -discover are mutually exclusive")
	}
	if cfg.ScriptID == "" {
		return nil, errors.New("script ID (-id) must not be empty")
	}

	return cfg, nil
}
