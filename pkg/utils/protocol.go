package utils

import (
    "strconv"

    "golang.org/x/sys/unix"
)

// protocolNames covers the protocols that plausibly show up on an egress
// tap.
var protocolNames = map[uint8]string{
    unix.IPPROTO_ICMP:   "icmp",
    unix.IPPROTO_TCP:    "tcp",
    unix.IPPROTO_UDP:    "udp",
    unix.IPPROTO_GRE:    "gre",
    unix.IPPROTO_ESP:    "esp",
    unix.IPPROTO_ICMPV6: "icmpv6",
    unix.IPPROTO_SCTP:   "sctp",
}

// ProtocolName names an IP protocol number. Unknown numbers come back as
// the number itself so audit events never lose information.
func ProtocolName(protocol uint8) string {
    if name, ok := protocolNames[protocol]; ok {
        return name
    }
    return strconv.Itoa(int(protocol))
}
