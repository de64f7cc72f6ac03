package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures an advertised service instance.
type AdvertiserConfig struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Service is the service type (default: "_imap._tcp").
	Service string

	// Domain is the mDNS domain (default: "local.").
	Domain string

	// Port is the advertised port.
	Port int

	// Text is published as the TXT record.
	Text TXTRecordMap

	// Interface restricts advertising to one interface. Empty means all.
	Interface string

	// TTL overrides the record TTL.
	TTL time.Duration
}

// Advertiser publishes one service instance until Shutdown.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the instance described by config.
func Advertise(config AdvertiserConfig) (*Advertiser, error) {
	if err := ValidateInstanceName(config.Instance); err != nil {
		return nil, err
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, config.Port)
	}
	q := Query{Service: config.Service, Domain: config.Domain}.withDefaults()

	var opts []zeroconf.ServerOption
	if config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		config.Instance,
		q.Service,
		q.Domain,
		config.Port,
		TXTRecordsToStrings(config.Text),
		interfaces(config.Interface),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the instance. It is safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// interfaces returns the network interfaces to use. Nil means all.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}
