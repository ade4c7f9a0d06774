package watch

import (
	"encoding/binary"
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/lonelysadness/sandfence/internal/rules"
)

func v4Packet(proto uint8, src, dst string, srcPort, dstPort uint16) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	b[8] = 64
	b[9] = proto
	copy(b[12:16], net.ParseIP(src).To4())
	copy(b[16:20], net.ParseIP(dst).To4())
	if proto == unix.IPPROTO_TCP || proto == unix.IPPROTO_UDP {
		tr := make([]byte, 20)
		binary.BigEndian.PutUint16(tr[0:2], srcPort)
		binary.BigEndian.PutUint16(tr[2:4], dstPort)
		b = append(b, tr...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

func v6Packet(proto uint8, src, dst string, srcPort, dstPort uint16) []byte {
	b := make([]byte, 40)
	b[0] = 0x60
	b[6] = proto
	b[7] = 64
	copy(b[8:24], net.ParseIP(src).To16())
	copy(b[24:40], net.ParseIP(dst).To16())
	if proto == unix.IPPROTO_TCP || proto == unix.IPPROTO_UDP {
		tr := make([]byte, 8)
		binary.BigEndian.PutUint16(tr[0:2], srcPort)
		binary.BigEndian.PutUint16(tr[2:4], dstPort)
		b = append(b, tr...)
	}
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)-ipv6HeaderLen))
	return b
}

func TestDecode(t *testing.T) {
	t.Run("IPv4 TCP", func(t *testing.T) {
		pkt, err := Decode(v4Packet(unix.IPPROTO_TCP, "10.0.17.2", "1.2.3.4", 45678, 9999))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pkt.Family != rules.IPv4 || pkt.Protocol != unix.IPPROTO_TCP {
			t.Errorf("family/protocol = %s/%d, want ipv4/tcp", pkt.Family, pkt.Protocol)
		}
		if got := pkt.Src(); got != "10.0.17.2:45678" {
			t.Errorf("src = %q, want 10.0.17.2:45678", got)
		}
		if got := pkt.Dst(); got != "1.2.3.4:9999" {
			t.Errorf("dst = %q, want 1.2.3.4:9999", got)
		}
	})

	t.Run("IPv6 UDP", func(t *testing.T) {
		pkt, err := Decode(v6Packet(unix.IPPROTO_UDP, "2001:db8::2", "2606:4700::1111", 5353, 53))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pkt.Family != rules.IPv6 || pkt.Protocol != unix.IPPROTO_UDP {
			t.Errorf("family/protocol = %s/%d, want ipv6/udp", pkt.Family, pkt.Protocol)
		}
		if got := pkt.Src(); got != "[2001:db8::2]:5353" {
			t.Errorf("src = %q, want [2001:db8::2]:5353", got)
		}
		if got := pkt.Dst(); got != "[2606:4700::1111]:53" {
			t.Errorf("dst = %q, want [2606:4700::1111]:53", got)
		}
	})

	t.Run("ICMP has no ports", func(t *testing.T) {
		pkt, err := Decode(v4Packet(unix.IPPROTO_ICMP, "10.0.17.2", "1.2.3.4", 0, 0))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pkt.SrcPort != 0 || pkt.DstPort != 0 {
			t.Errorf("ports = %d/%d, want 0/0", pkt.SrcPort, pkt.DstPort)
		}
	})

	t.Run("malformed input", func(t *testing.T) {
		full := v4Packet(unix.IPPROTO_TCP, "10.0.17.2", "1.2.3.4", 45678, 9999)
		cases := []struct {
			name string
			raw  []byte
		}{
			{"empty", nil},
			{"unknown version", []byte{0x00, 0x01, 0x02}},
			{"short IPv4 header", full[:10]},
			{"short TCP header", full[:22]},
			{"short IPv6 header", v6Packet(unix.IPPROTO_TCP, "2001:db8::2", "2001:db8::3", 1, 2)[:39]},
			{"short UDP over IPv6", v6Packet(unix.IPPROTO_UDP, "2001:db8::2", "2001:db8::3", 1, 2)[:42]},
		}
		for _, tt := range cases {
			if _, err := Decode(tt.raw); err == nil {
				t.Errorf("%s: Decode succeeded, want error", tt.name)
			}
		}
	})
}
