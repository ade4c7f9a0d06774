package proc

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// DefaultGateway reads the kernel IPv4 routing table and returns the
// gateway of the default route. Containers get their host-side gateway
// assigned dynamically, so this is how the firewall learns where "the
// host" is when host access is enabled.
func DefaultGateway(root string) (netip.Addr, error) {
	content, err := os.ReadFile(filepath.Join(root, "net/route"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("reading routing table: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Default route has an all-zero destination. The header row fails
		// this comparison and is skipped with everything else malformed.
		if fields[1] != "00000000" {
			continue
		}
		gw, err := parseRouteAddr(fields[2])
		if err != nil || gw.IsUnspecified() {
			continue
		}
		return gw, nil
	}
	return netip.Addr{}, fmt.Errorf("no default route: %w", ErrNotFound)
}

// parseRouteAddr decodes one address column of /proc/net/route, which
// stores IPv4 addresses as little-endian hex words.
func parseRouteAddr(s string) (netip.Addr, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return netip.Addr{}, fmt.Errorf("bad route address %q", s)
	}
	return netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]}), nil
}
