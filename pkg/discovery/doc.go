// Package discovery finds test targets on the local network with DNS-SD
// (mDNS) and can advertise an in-process peer the same way.
//
// A target is any service instance of the queried type, by default
// "_imap._tcp" in the "local." domain. Instances are aggregated by name:
// addresses reported on several interfaces are merged into one Service,
// and addresses withdrawn by an interface are removed again.
//
// Resolve returns the host:port of the first instance that matches a
// Query, preferring IPv4 addresses over IPv6 ones and the advertised host
// name when no address is known.
//
// # TXT Records
//
// TXT records are exposed as a key/value map. A key without "=" is a
// boolean flag and maps to the empty string.
package discovery
