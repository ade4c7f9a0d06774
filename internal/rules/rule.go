package rules

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/lonelysadness/sandfence/internal/policy"
)

const (
	TableNAT    = "nat"
	TableFilter = "filter"

	// ChainRedirect takes the NAT-time decisions: what skips the proxy and
	// what gets rewritten towards it.
	ChainRedirect = "SANDFENCE-REDIRECT"

	// ChainEgress takes the final accept or drop decision for whatever the
	// redirect chain left alone.
	ChainEgress = "SANDFENCE-EGRESS"
)

// Family selects the protocol family a rule belongs to.
type Family uint8

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Action is a rule verdict.
type Action uint8

const (
	Return Action = iota
	Accept
	Drop
	Redirect
)

// Rule is one packet-filter rule. Rules only mean something as part of an
// ordered list: first match wins, so the position of a rule is as much a
// part of the policy as its content.
type Rule struct {
	Table  string
	Chain  string
	Family Family

	// Matchers. Zero values match anything.
	Proto    string
	Dst      netip.Addr
	Ports    policy.PortRange
	OutIface string

	Action     Action
	RedirectTo policy.Endpoint
}

// Spec renders the rule as an iptables rule specification, the argument
// vector that follows the chain name.
func (r Rule) Spec() []string {
	var args []string
	if r.OutIface != "" {
		args = append(args, "-o", r.OutIface)
	}
	if r.Dst.IsValid() {
		args = append(args, "-d", r.Dst.String())
	}
	if r.Proto != "" {
		args = append(args, "-p", r.Proto)
	}
	if !r.Ports.IsZero() {
		args = append(args, "--dport", dportArg(r.Ports))
	}

	switch r.Action {
	case Return:
		args = append(args, "-j", "RETURN")
	case Accept:
		args = append(args, "-j", "ACCEPT")
	case Drop:
		args = append(args, "-j", "DROP")
	case Redirect:
		// A loopback proxy only needs the port rewritten; anything else is
		// a full destination NAT.
		if r.RedirectTo.Addr.IsLoopback() {
			args = append(args, "-j", "REDIRECT", "--to-ports", strconv.Itoa(int(r.RedirectTo.Port)))
		} else {
			args = append(args, "-j", "DNAT", "--to-destination", r.RedirectTo.String())
		}
	}
	return args
}

// Command renders the full iptables invocation that would install the rule,
// for dry-run previews.
func (r Rule) Command() string {
	bin := "iptables"
	if r.Family == IPv6 {
		bin = "ip6tables"
	}
	parts := append([]string{bin, "-t", r.Table, "-A", r.Chain}, r.Spec()...)
	return strings.Join(parts, " ")
}

func dportArg(r policy.PortRange) string {
	if r.First == r.Last {
		return strconv.Itoa(int(r.First))
	}
	return strconv.Itoa(int(r.First)) + ":" + strconv.Itoa(int(r.Last))
}

// Set is the compiled policy: one ordered rule list per family. Rules for
// the same table and chain must be installed in slice order.
type Set struct {
	V4 []Rule
	V6 []Rule
}

// Rules returns the list for the given family.
func (s *Set) Rules(f Family) []Rule {
	if f == IPv6 {
		return s.V6
	}
	return s.V4
}
