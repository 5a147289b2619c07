package tcpstate

import "github.com/flowlens/flowlens/packet"

// ones16 folds b into a running 16-bit one's-complement sum, the checksum
// primitive shared by IPv4/TCP/UDP/UDP-Lite/ICMP/IGMP.
func ones16(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// tcpPseudoHeaderSum sums the IPv4/IPv6 pseudo-header used by the TCP and
// UDP checksums (RFC 793 §3.1 / RFC 2460 §8.1).
func tcpPseudoHeaderSum(pkt *packet.Packet, l4Len int) uint32 {
	var sum uint32
	if pkt.IPVersion == 4 {
		src := pkt.SrcIP.As4()
		dst := pkt.DstIP.As4()
		sum = ones16(sum, src[:])
		sum = ones16(sum, dst[:])
	} else {
		src := pkt.SrcIP.As16()
		dst := pkt.DstIP.As16()
		sum = ones16(sum, src[:])
		sum = ones16(sum, dst[:])
	}
	sum += uint32(pkt.Protocol)
	sum += uint32(l4Len)
	return sum
}

// verifyChecksum checksums the TCP segments this dissector sees: a
// one-pass one's-complement sum of the
// pseudo-header plus the full captured TCP header and payload, skipped
// when the capture is truncated (checksum can't be verified over bytes
// that were never captured) or the packet is a non-first fragment
// (accumulated checksums across fragments are out of scope here).
func (d *Dissector) verifyChecksum(s *slot, pkt *packet.Packet) {
	if pkt.Truncated(packet.L4) || pkt.Truncated(packet.L7) {
		return
	}
	if pkt.IsFragment() && !pkt.FirstFragment() {
		return
	}

	l4 := pkt.Bytes(packet.L4)
	l7 := pkt.Bytes(packet.L7)
	if len(l4) < 20 {
		return
	}

	full := append(append([]byte(nil), l4...), l7...)
	// zero the checksum field (offset 16-17 of the TCP header) before
	// recomputing, per RFC 793.
	if len(full) >= 18 {
		full[16], full[17] = 0, 0
	}

	sum := tcpPseudoHeaderSum(pkt, len(full))
	sum = ones16(sum, full)
	got := foldChecksum(sum)

	want := uint16(0)
	if len(l4) >= 18 {
		want = be.Uint16(l4[16:18])
	}
	if got != want {
		s.status |= StatChecksumBad
	}
}
