package watch

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/lonelysadness/sandfence/internal/rules"
)

const ipv6HeaderLen = 40

// Packet is the decoded slice of a queued datagram the watcher cares
// about: addressing, transport protocol and ports.
type Packet struct {
	Family   rules.Family
	Protocol uint8
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
}

// Decode parses the IP header and, for TCP and UDP, the transport ports.
// IPv6 extension headers are not walked; the taps match plain TCP, so the
// next-header field is the transport protocol in practice.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	pkt := &Packet{}
	var transport []byte

	switch raw[0] >> 4 {
	case 4:
		hdr, err := ipv4.ParseHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing IPv4 header: %w", err)
		}
		if hdr.Len > len(raw) {
			return nil, fmt.Errorf("truncated IPv4 packet")
		}
		pkt.Family = rules.IPv4
		pkt.Protocol = uint8(hdr.Protocol)
		pkt.SrcIP = hdr.Src
		pkt.DstIP = hdr.Dst
		transport = raw[hdr.Len:]
	case 6:
		if len(raw) < ipv6HeaderLen {
			return nil, fmt.Errorf("truncated IPv6 packet")
		}
		pkt.Family = rules.IPv6
		pkt.Protocol = raw[6]
		pkt.SrcIP = net.IP(raw[8:24])
		pkt.DstIP = net.IP(raw[24:40])
		transport = raw[ipv6HeaderLen:]
	default:
		return nil, fmt.Errorf("unknown IP version %d", raw[0]>>4)
	}

	switch pkt.Protocol {
	case unix.IPPROTO_TCP, unix.IPPROTO_UDP:
		if len(transport) < 4 {
			return nil, fmt.Errorf("truncated transport header")
		}
		pkt.SrcPort = binary.BigEndian.Uint16(transport[0:2])
		pkt.DstPort = binary.BigEndian.Uint16(transport[2:4])
	}

	return pkt, nil
}

// Src renders the source address and port.
func (p *Packet) Src() string {
	return joinAddr(p.SrcIP, p.SrcPort)
}

// Dst renders the destination address and port.
func (p *Packet) Dst() string {
	return joinAddr(p.DstIP, p.DstPort)
}

func joinAddr(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
}
