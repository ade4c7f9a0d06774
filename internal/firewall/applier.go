package firewall

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"github.com/hashicorp/go-multierror"

	"github.com/lonelysadness/sandfence/internal/rules"
)

// managedChains are the chains this package owns outright: they are
// flushed and rebuilt on every apply and deleted on teardown.
var managedChains = []struct {
	table, chain string
}{
	{rules.TableNAT, rules.ChainRedirect},
	{rules.TableFilter, rules.ChainEgress},
}

// hookRules jump from the built-in OUTPUT chains into the managed ones.
// They are inserted at position 1 once and left alone afterwards.
var hookRules = []struct {
	table, chain string
	spec         []string
}{
	{rules.TableNAT, "OUTPUT", []string{"-j", rules.ChainRedirect}},
	{rules.TableFilter, "OUTPUT", []string{"-j", rules.ChainEgress}},
}

// Applier owns the kernel side of the egress policy. IPv4 is mandatory;
// the IPv6 backend is nil on runtimes without an IPv6 stack and all IPv6
// work silently narrows to nothing.
type Applier struct {
	log *slog.Logger
	v4  Backend
	v6  Backend
}

// New probes the packet-filter backends. A broken IPv4 backend is fatal, a
// missing IPv6 stack degrades to IPv4-only with a single warning.
func New(log *slog.Logger) (*Applier, error) {
	v4, err := newBackend(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("iptables unavailable: %w", err)
	}

	var v6 Backend
	if !SupportsIPv6("/proc") {
		log.Warn("kernel has no IPv6 stack, managing IPv4 only")
	} else if b, err := newBackend(iptables.ProtocolIPv6); err != nil {
		log.Warn("ip6tables unavailable, managing IPv4 only", "err", err)
	} else {
		v6 = b
	}

	return &Applier{log: log, v4: v4, v6: v6}, nil
}

// NewWithBackends wires explicit backends. v6 may be nil. Used by tests
// and by anything that needs to drive a remote or namespaced filter.
func NewWithBackends(log *slog.Logger, v4, v6 Backend) *Applier {
	return &Applier{log: log, v4: v4, v6: v6}
}

// HasIPv6 reports whether an IPv6 backend is active.
func (a *Applier) HasIPv6() bool {
	return a.v6 != nil
}

// Apply installs the compiled rule set. The managed chains are flushed and
// rebuilt, so applying after a container restart cannot accumulate
// duplicates. The egress chain is rebuilt deny-first and the redirect
// chain only afterwards: at no instant during a rebuild can TCP traffic
// slip past the policy.
func (a *Applier) Apply(set *rules.Set) error {
	if err := a.applyFamily(a.v4, set.V4); err != nil {
		return err
	}
	if a.v6 == nil {
		a.log.Debug("no IPv6 backend, skipping IPv6 rules", "skipped", len(set.V6))
		return nil
	}
	return a.applyFamily(a.v6, set.V6)
}

func (a *Applier) applyFamily(b Backend, rs []rules.Rule) error {
	nat, filter := partition(rs)

	if err := b.ClearChain(rules.TableFilter, rules.ChainEgress); err != nil {
		return fmt.Errorf("clearing chain %s: %w", rules.ChainEgress, err)
	}
	if len(filter) > 0 {
		// The deny rule goes in first and everything else is inserted
		// above it, so the chain is closed from the moment it has any
		// rule at all.
		deny := filter[len(filter)-1]
		if err := b.Append(rules.TableFilter, rules.ChainEgress, deny.Spec()...); err != nil {
			return fmt.Errorf("appending deny rule: %w", err)
		}
		for i, r := range filter[:len(filter)-1] {
			if err := b.Insert(rules.TableFilter, rules.ChainEgress, i+1, r.Spec()...); err != nil {
				return fmt.Errorf("inserting egress rule %d: %w", i+1, err)
			}
		}
	}

	if err := b.ClearChain(rules.TableNAT, rules.ChainRedirect); err != nil {
		return fmt.Errorf("clearing chain %s: %w", rules.ChainRedirect, err)
	}
	for _, r := range nat {
		if err := b.Append(rules.TableNAT, rules.ChainRedirect, r.Spec()...); err != nil {
			return fmt.Errorf("appending redirect rule: %w", err)
		}
	}

	for _, h := range hookRules {
		exists, err := b.Exists(h.table, h.chain, h.spec...)
		if err != nil {
			return fmt.Errorf("checking %s %s hook: %w", h.table, h.chain, err)
		}
		if !exists {
			if err := b.Insert(h.table, h.chain, 1, h.spec...); err != nil {
				return fmt.Errorf("hooking %s %s: %w", h.table, h.chain, err)
			}
		}
	}
	return nil
}

func partition(rs []rules.Rule) (nat, filter []rules.Rule) {
	for _, r := range rs {
		if r.Table == rules.TableNAT {
			nat = append(nat, r)
		} else {
			filter = append(filter, r)
		}
	}
	return nat, filter
}

// Teardown unhooks and deletes the managed chains in every active family.
// It keeps going past individual failures and reports them all at once,
// so a half-removed policy never hides the rest of the damage.
func (a *Applier) Teardown() error {
	var result *multierror.Error
	if err := teardownFamily(a.v4); err != nil {
		result = multierror.Append(result, err)
	}
	if a.v6 != nil {
		if err := teardownFamily(a.v6); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func teardownFamily(b Backend) error {
	var result *multierror.Error

	for _, h := range hookRules {
		exists, err := b.Exists(h.table, h.chain, h.spec...)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if exists {
			if err := b.Delete(h.table, h.chain, h.spec...); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	for _, mc := range managedChains {
		if err := b.ClearChain(mc.table, mc.chain); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := b.DeleteChain(mc.table, mc.chain); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func queueTapSpec(queue uint16) []string {
	return []string{"-p", "tcp", "-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(queue)), "--queue-bypass"}
}

// InsertQueueTap places a diversion rule for the denied-egress watcher
// directly above the deny rule of the egress chain, so the queue sees
// exactly the traffic that is about to die. --queue-bypass keeps the
// kernel dropping on its own whenever nothing is listening on the queue.
func (a *Applier) InsertQueueTap(f rules.Family, queue uint16) error {
	b := a.backend(f)
	if b == nil {
		return fmt.Errorf("no %s backend", f)
	}

	listing, err := b.List(rules.TableFilter, rules.ChainEgress)
	if err != nil {
		return fmt.Errorf("listing chain %s: %w", rules.ChainEgress, err)
	}
	// First listing line declares the chain; the deny rule is the last
	// entry. Inserting at its position lands the tap directly above it.
	n := len(listing) - 1
	if n < 1 {
		return fmt.Errorf("chain %s is empty, apply the policy first", rules.ChainEgress)
	}
	return b.Insert(rules.TableFilter, rules.ChainEgress, n, queueTapSpec(queue)...)
}

// RemoveQueueTap deletes the diversion rule again. Removing a tap that is
// not installed is not an error.
func (a *Applier) RemoveQueueTap(f rules.Family, queue uint16) error {
	b := a.backend(f)
	if b == nil {
		return nil
	}

	spec := queueTapSpec(queue)
	exists, err := b.Exists(rules.TableFilter, rules.ChainEgress, spec...)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return b.Delete(rules.TableFilter, rules.ChainEgress, spec...)
}

func (a *Applier) backend(f rules.Family) Backend {
	if f == rules.IPv6 {
		return a.v6
	}
	return a.v4
}
