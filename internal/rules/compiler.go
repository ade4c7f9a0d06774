package rules

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/lonelysadness/sandfence/internal/policy"
)

// Compiler turns a TrustPolicy into ordered rule lists, one per family.
// Compilation touches no kernel state, so it runs unprivileged and is
// testable in isolation from the applier.
type Compiler struct {
	// LookupHost resolves host bypass names at compile time. Defaults to
	// net.LookupHost.
	LookupHost func(host string) ([]string, error)

	Log *slog.Logger
}

// Compile builds the rule set. The emitted order is the enforcement
// layering: loopback, trusted resolvers, the runtime's stub resolver, the
// proxy itself and host bypass targets are let through first; dangerous
// ports are pulled out of redirection next; then HTTP, HTTPS and the
// user's extra ports are rewritten towards the proxy; everything TCP that
// remains is dropped.
//
// IPv6 rules are always compiled. Whether the kernel can take them is the
// applier's problem, so a missing IPv6 stack never fails compilation.
func (c *Compiler) Compile(p *policy.TrustPolicy) (*Set, error) {
	if !p.Proxy.IsValid() {
		return nil, fmt.Errorf("compiling egress policy: %w", policy.ErrProxyUnresolved)
	}
	if len(p.Resolvers) == 0 {
		return nil, fmt.Errorf("compiling egress policy: %w", policy.ErrNoResolvers)
	}

	bypass := c.resolveBypassTargets(p.HostBypass)

	return &Set{
		V4: c.compileFamily(p, bypass, IPv4),
		V6: c.compileFamily(p, bypass, IPv6),
	}, nil
}

func (c *Compiler) compileFamily(p *policy.TrustPolicy, bypass []netip.Addr, f Family) []Rule {
	var rs []Rule

	// Loopback first, unconditionally, in both chains. Redirected traffic
	// re-enters via lo and must not loop through the policy again.
	rs = append(rs,
		Rule{Table: TableNAT, Chain: ChainRedirect, Family: f, OutIface: "lo", Action: Return},
		Rule{Table: TableFilter, Chain: ChainEgress, Family: f, OutIface: "lo", Action: Accept},
	)

	// Trusted resolvers, DNS ports only. A resolver contributes rules only
	// to its own family.
	for _, addr := range p.Resolvers {
		if familyOf(addr) != f {
			continue
		}
		rs = append(rs,
			dnsRule(TableNAT, ChainRedirect, f, addr, "udp", Return),
			dnsRule(TableNAT, ChainRedirect, f, addr, "tcp", Return),
			dnsRule(TableFilter, ChainEgress, f, addr, "udp", Accept),
			dnsRule(TableFilter, ChainEgress, f, addr, "tcp", Accept),
		)
	}

	// The runtime's embedded stub resolver. NAT bypass only: the runtime
	// DNATs this address itself, and delivery happens over loopback which
	// the egress chain already accepts.
	if p.RuntimeResolver.IsValid() && familyOf(p.RuntimeResolver) == f {
		rs = append(rs,
			dnsRule(TableNAT, ChainRedirect, f, p.RuntimeResolver, "udp", Return),
			dnsRule(TableNAT, ChainRedirect, f, p.RuntimeResolver, "tcp", Return),
		)
	}

	// The proxy endpoint itself: NAT bypass so the redirect rules below
	// cannot loop traffic back into the proxy, egress accept so rewritten
	// traffic is deliverable.
	if familyOf(p.Proxy.Addr) == f {
		proxyPorts := policy.SinglePort(p.Proxy.Port)
		rs = append(rs,
			Rule{Table: TableNAT, Chain: ChainRedirect, Family: f, Dst: p.Proxy.Addr, Proto: "tcp", Ports: proxyPorts, Action: Return},
			Rule{Table: TableFilter, Chain: ChainEgress, Family: f, Dst: p.Proxy.Addr, Proto: "tcp", Ports: proxyPorts, Action: Accept},
		)
	}

	// Host gateway bypass, any protocol.
	for _, addr := range bypass {
		if familyOf(addr) != f {
			continue
		}
		rs = append(rs,
			Rule{Table: TableNAT, Chain: ChainRedirect, Family: f, Dst: addr, Action: Return},
			Rule{Table: TableFilter, Chain: ChainEgress, Family: f, Dst: addr, Action: Accept},
		)
	}

	// Dangerous ports leave the redirect chain here, before any redirect
	// can grab them, and fall through to the deny rule below.
	for _, port := range p.BlockedPorts {
		rs = append(rs, Rule{
			Table: TableNAT, Chain: ChainRedirect, Family: f,
			Proto: "tcp", Ports: policy.SinglePort(port), Action: Return,
		})
	}

	// Redirects exist only in the proxy's family. The other family keeps
	// its deny rule with no way through: fail closed, not open.
	if familyOf(p.Proxy.Addr) == f {
		for _, port := range []uint16{80, 443} {
			if portBlocked(port, p.BlockedPorts) {
				continue
			}
			rs = append(rs, redirectRule(f, policy.SinglePort(port), p.Proxy))
		}
		for _, r := range p.AllowPorts {
			for _, split := range subtractPorts(r, p.BlockedPorts) {
				rs = append(rs, redirectRule(f, split, p.Proxy))
			}
		}
	}

	// Whatever still has no verdict is dropped.
	rs = append(rs, Rule{Table: TableFilter, Chain: ChainEgress, Family: f, Proto: "tcp", Action: Drop})

	return rs
}

// resolveBypassTargets resolves names to addresses once, before the
// per-family passes. A target that fails to resolve is omitted with a
// warning rather than failing the compile: host access is a convenience,
// the egress policy is not.
func (c *Compiler) resolveBypassTargets(targets []string) []netip.Addr {
	var out []netip.Addr
	for _, target := range targets {
		if addr, err := netip.ParseAddr(target); err == nil {
			out = append(out, addr.Unmap())
			continue
		}

		lookup := c.LookupHost
		if lookup == nil {
			lookup = net.LookupHost
		}
		addrs, err := lookup(target)
		if err != nil {
			c.log().Warn("host bypass target did not resolve, omitting its rules", "target", target, "err", err)
			continue
		}
		for _, s := range addrs {
			if addr, err := netip.ParseAddr(s); err == nil {
				out = append(out, addr.Unmap())
			}
		}
	}
	return out
}

func (c *Compiler) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func dnsRule(table, chain string, f Family, addr netip.Addr, proto string, action Action) Rule {
	return Rule{
		Table: table, Chain: chain, Family: f,
		Dst: addr, Proto: proto, Ports: policy.SinglePort(53),
		Action: action,
	}
}

func redirectRule(f Family, ports policy.PortRange, proxy policy.Endpoint) Rule {
	return Rule{
		Table: TableNAT, Chain: ChainRedirect, Family: f,
		Proto: "tcp", Ports: ports,
		Action: Redirect, RedirectTo: proxy,
	}
}

func familyOf(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return IPv4
	}
	return IPv6
}

func portBlocked(port uint16, blocked []uint16) bool {
	for _, b := range blocked {
		if b == port {
			return true
		}
	}
	return false
}

// subtractPorts splits a requested range around every blocked port it
// covers, so that no redirect rule ever targets a blocked port.
func subtractPorts(r policy.PortRange, blocked []uint16) []policy.PortRange {
	out := []policy.PortRange{r}
	for _, b := range blocked {
		var next []policy.PortRange
		for _, cur := range out {
			if !cur.Contains(b) {
				next = append(next, cur)
				continue
			}
			if b > cur.First {
				next = append(next, policy.PortRange{First: cur.First, Last: b - 1})
			}
			if b < cur.Last {
				next = append(next, policy.PortRange{First: b + 1, Last: cur.Last})
			}
		}
		out = next
	}
	return out
}
