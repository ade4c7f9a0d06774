package policy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrProxyUnresolved is returned when the proxy endpoint cannot be
	// resolved to a concrete address. Without a reachable proxy the whole
	// egress policy is meaningless, so this is always fatal.
	ErrProxyUnresolved = errors.New("proxy endpoint unresolved")

	// ErrNoResolvers is returned when the policy carries no trusted DNS
	// resolver at all.
	ErrNoResolvers = errors.New("no trusted resolvers configured")
)

// DefaultBlockedPorts lists TCP ports that are never forwarded to the proxy,
// no matter what the user allows. Mostly remote-administration and database
// ports that an agent inside the sandbox has no business reaching directly.
var DefaultBlockedPorts = []uint16{
	22, 23, 25, 111, 135, 139, 445,
	1433, 3306, 3389, 5432, 5900, 6379,
	9200, 11211, 27017,
}

// Endpoint is a resolved address and port pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// IsValid reports whether both address and port are set.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid() && e.Port != 0
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr.String(), strconv.Itoa(int(e.Port)))
}

// PortRange is an inclusive TCP port range. First == Last describes a single
// port. The zero value means "any port".
type PortRange struct {
	First uint16
	Last  uint16
}

// SinglePort returns the range covering exactly p.
func SinglePort(p uint16) PortRange {
	return PortRange{First: p, Last: p}
}

func (r PortRange) IsZero() bool {
	return r.First == 0 && r.Last == 0
}

func (r PortRange) Contains(p uint16) bool {
	return p >= r.First && p <= r.Last
}

func (r PortRange) String() string {
	if r.First == r.Last {
		return strconv.Itoa(int(r.First))
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// TrustPolicy is the in-memory egress policy for one sandbox. It is built
// once by the configuration loader, compiled into packet-filter rules, and
// never mutated afterwards.
type TrustPolicy struct {
	// Resolvers are the trusted DNS servers, in configuration order,
	// deduplicated. DNS traffic to these bypasses proxy redirection.
	Resolvers []netip.Addr

	// RuntimeResolver is the container runtime's embedded stub resolver
	// (127.0.0.11 on Docker). The zero value means none.
	RuntimeResolver netip.Addr

	// Proxy is the filtering proxy all permitted TCP traffic is forced
	// through. Must be resolved before compilation.
	Proxy Endpoint

	// AllowPorts are user-requested destination ports redirected to the
	// proxy in addition to 80 and 443.
	AllowPorts []PortRange

	// BlockedPorts are evaluated before any redirect, so a port listed
	// both here and in AllowPorts stays blocked.
	BlockedPorts []uint16

	// HostBypass holds host names or address literals whose traffic skips
	// both redirection and the default deny, used for host-gateway access.
	// Names are resolved at rule compile time.
	HostBypass []string
}

// ParseResolvers parses a comma-separated list of IP literals, preserving
// order and dropping duplicates.
func ParseResolvers(s string) ([]netip.Addr, error) {
	var out []netip.Addr
	seen := make(map[netip.Addr]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid resolver address %q: %w", part, err)
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

// ParsePortRanges parses a comma-separated list of ports and inclusive
// ranges, e.g. "8080,9000-9010".
func ParsePortRanges(s string) ([]PortRange, error) {
	var out []PortRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		first, last, ok := splitRange(part)
		if !ok {
			return nil, fmt.Errorf("invalid port range %q", part)
		}
		out = append(out, PortRange{First: first, Last: last})
	}
	return out, nil
}

func splitRange(s string) (first, last uint16, ok bool) {
	lo, hi, found := strings.Cut(s, "-")
	first, ok = parsePort(lo)
	if !ok {
		return 0, 0, false
	}
	if !found {
		return first, first, true
	}
	last, ok = parsePort(hi)
	if !ok || last < first {
		return 0, 0, false
	}
	return first, last, true
}

func parsePort(s string) (uint16, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint16(n), true
}
