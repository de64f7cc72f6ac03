package discovery

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultService is the service type browsed when a Query names none.
	DefaultService = "_imap._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultTimeout bounds Resolve when the context has no deadline.
	DefaultTimeout = 5 * time.Second

	// MaxInstanceNameLen is the maximum DNS-SD instance name length.
	MaxInstanceNameLen = 63
)

// Errors.
var (
	ErrNotFound            = errors.New("service not found")
	ErrNoAddress           = errors.New("service has no address")
	ErrInvalidPort         = errors.New("invalid port")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
)

// Query selects the instances Browse and Resolve report.
type Query struct {
	// Service is the DNS-SD service type (default: "_imap._tcp").
	Service string

	// Domain is the browse domain (default: "local.").
	Domain string

	// Instance, when set, selects one instance by name (case-insensitive).
	Instance string

	// Interface restricts browsing to one network interface.
	Interface string
}

func (q Query) withDefaults() Query {
	if q.Service == "" {
		q.Service = DefaultService
	}
	if q.Domain == "" {
		q.Domain = DefaultDomain
	}
	return q
}

// Matches reports whether a service instance named instance is selected.
func (q Query) Matches(instance string) bool {
	return q.Instance == "" || strings.EqualFold(q.Instance, instance)
}

// Service is one discovered service instance.
type Service struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Host is the advertised host name.
	Host string

	// Port is the service port.
	Port uint16

	// Addresses are the known IP addresses, IPv4 first.
	Addresses []string

	// Text holds the TXT record.
	Text TXTRecordMap
}

// Address returns the host:port to dial.
func (s *Service) Address() (string, error) {
	if s.Port == 0 {
		return "", ErrInvalidPort
	}
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	if host == "" {
		return "", ErrNoAddress
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port))), nil
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return errors.New("empty instance name")
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
