package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/enbility/zeroconf/v3"
)

type browseFunc func(ctx context.Context, service, domain string,
	entries, removed chan *zeroconf.ServiceEntry, opts []zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, service, domain string,
	entries, removed chan *zeroconf.ServiceEntry, opts []zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
}

// Browser browses DNS-SD for the instances a Query selects.
type Browser struct {
	query  Query
	logger *slog.Logger
	browse browseFunc
}

// NewBrowser creates a browser for q. A nil logger uses slog.Default().
func NewBrowser(q Query, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		query:  q.withDefaults(),
		logger: logger,
		browse: zeroconfBrowse,
	}
}

// Browse reports each matching instance once, as soon as it is first seen.
// The channel is closed when ctx is done or browsing stops.
func (b *Browser) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go b.aggregate(ctx, entries, removed, out)

	go func() {
		if err := b.browse(ctx, b.query.Service, b.query.Domain, entries, removed, b.browserOptions()); err != nil {
			b.logger.Warn("mdns browse failed", "service", b.query.Service, "error", err)
		}
	}()

	return out, nil
}

// Resolve returns the first matching instance that has a dialable address.
// Without a deadline on ctx, it gives up after DefaultTimeout.
func (b *Browser) Resolve(ctx context.Context) (*Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	// Stop browsing once a service is found.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for svc := range services {
		if _, err := svc.Address(); err != nil {
			b.logger.Debug("skipping service without address", "instance", svc.Instance, "error", err)
			continue
		}
		return svc, nil
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, b.describe(), b.query.Domain)
}

func (b *Browser) describe() string {
	if b.query.Instance == "" {
		return b.query.Service
	}
	return fmt.Sprintf("%q (%s)", b.query.Instance, b.query.Service)
}

// Resolve browses for q and returns the host:port of the first match.
func Resolve(ctx context.Context, q Query) (string, error) {
	svc, err := NewBrowser(q, nil).Resolve(ctx)
	if err != nil {
		return "", err
	}
	return svc.Address()
}

// aggregate merges entries by instance name and emits each new instance.
func (b *Browser) aggregate(ctx context.Context, entries, removed <-chan *zeroconf.ServiceEntry, out chan<- *Service) {
	defer close(out)

	services := make(map[string]*Service)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if !b.query.Matches(entry.Instance) {
				continue
			}
			svc := entryToService(entry)
			if existing, found := services[svc.Instance]; found {
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}
			services[svc.Instance] = svc
			b.logger.Debug("service found", "instance", svc.Instance, "host", svc.Host, "port", svc.Port)

			emitted := *svc
			emitted.Addresses = append([]string(nil), svc.Addresses...)
			select {
			case out <- &emitted:
			case <-ctx.Done():
				return
			}

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			if existing, found := services[entry.Instance]; found {
				existing.Addresses = removeAddresses(existing.Addresses, entry)
				if len(existing.Addresses) == 0 {
					delete(services, entry.Instance)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// browserOptions returns zeroconf client options based on the query.
func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption

	if b.query.Interface != "" {
		iface, err := net.InterfaceByName(b.query.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		} else {
			b.logger.Warn("unknown interface, browsing all", "interface", b.query.Interface, "error", err)
		}
	}

	return opts
}

// entryToService converts a zeroconf entry to a Service.
func entryToService(entry *zeroconf.ServiceEntry) *Service {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      uint16(entry.Port),
		Addresses: addrs,
		Text:      StringsToTXTRecords(entry.Text),
	}
}

// mergeAddresses adds addrs to existing, avoiding duplicates.
func mergeAddresses(existing, addrs []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}

	for _, addr := range addrs {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes the addresses of a zeroconf entry from the list.
func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	toRemove := make(map[string]bool)
	for _, ip := range entry.AddrIPv4 {
		toRemove[ip.String()] = true
	}
	for _, ip := range entry.AddrIPv6 {
		toRemove[ip.String()] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
