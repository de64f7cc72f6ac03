package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSOptions holds client TLS settings for connecting to the system under
// test.
type TLSOptions struct {
	// ServerName is the expected server name. Defaults to the host part of
	// the target address when empty.
	ServerName string

	// CAFile is a PEM bundle of trusted CA certificates. The system pool is
	// used when empty.
	CAFile string

	// CertFile and KeyFile provide a client certificate (both or neither).
	CertFile string
	KeyFile  string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing against self-signed servers.
	InsecureSkipVerify bool
}

// NewClientTLSConfig creates a TLS configuration for a test client.
func NewClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	switch {
	case opts.CertFile == "" && opts.KeyFile == "":
	case opts.CertFile == "" || opts.KeyFile == "":
		return nil, errors.New("client certificate and key must be given together")
	default:
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
