package firewall

import (
	"os"
	"path/filepath"

	"github.com/coreos/go-iptables/iptables"
)

// Backend is the slice of iptables the applier needs. *iptables.IPTables
// satisfies it directly; tests substitute an in-memory fake.
type Backend interface {
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	List(table, chain string) ([]string, error)
}

var _ Backend = (*iptables.IPTables)(nil)

func newBackend(proto iptables.Protocol) (Backend, error) {
	return iptables.NewWithProtocol(proto)
}

// SupportsIPv6 probes whether the kernel has an IPv6 stack at all. Without
// it there is nothing for ip6tables to manage.
func SupportsIPv6(procRoot string) bool {
	_, err := os.Stat(filepath.Join(procRoot, "net/if_inet6"))
	return err == nil
}
