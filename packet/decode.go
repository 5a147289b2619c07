package packet

import "net/netip"

const (
	ethHdrLen  = 14
	vlanTagLen = 4
)

// Decode walks the Ethernet/IP/L4 headers of p.raw and fills in the layer
// offsets, snap counters and the typed fields dissectors read. It never
// panics on truncated or malformed input: it simply stops at the last
// layer it could safely parse, leaving deeper offsets at -1 so HasLayer
// reports them absent.
func (p *Packet) Decode() {
	raw := p.raw
	if len(raw) < ethHdrLen {
		return
	}

	p.off[L2] = 0
	copy(p.DstMAC[:], raw[0:6])
	copy(p.SrcMAC[:], raw[6:12])
	off := 12 // past dst+src MAC

	et := EtherType(be.Uint16(raw[off:]))
	off += 2
	for et == ETH_VLAN && off+4 <= len(raw) {
		p.VLAN = be.Uint16(raw[off:]) & 0x0FFF
		et = EtherType(be.Uint16(raw[off+2:]))
		off += vlanTagLen
	}
	p.Eth = et
	p.full[L2] = off
	p.snap[L2] = min(off, len(raw))

	switch et {
	case ETH_IPV4:
		p.decodeIPv4(raw, off)
	case ETH_IPV6:
		p.decodeIPv6(raw, off)
	case ETH_ARP, ETH_RARP:
		p.decodeARP(raw, off)
	default:
		if off <= len(raw) {
			p.off[L3] = off
			p.full[L3] = len(raw) - off
			p.snap[L3] = len(raw) - off
		}
	}
}

// decodeARP fills SrcIP/DstIP from the ARP sender/target protocol
// addresses (when IPv4-over-Ethernet, htype=1 ptype=0x0800 hlen=6 plen=4)
// so ARP traffic still demultiplexes into flows keyed by the addresses
// it is actually learning. The dissector re-parses the full ARP payload
// (opcode, hw addresses) from Bytes(L3) itself.
func (p *Packet) decodeARP(raw []byte, off int) {
	if off <= len(raw) {
		p.off[L3] = off
		p.full[L3] = len(raw) - off
		p.snap[L3] = len(raw) - off
	}
	p.Protocol = PROTO_ARP
	if off+28 > len(raw) {
		return
	}
	hlen, plen := raw[off+4], raw[off+5]
	if be.Uint16(raw[off:]) != 1 || be.Uint16(raw[off+2:]) != 0x0800 || hlen != 6 || plen != 4 {
		return
	}
	spa := off + 8 + 6
	tpa := spa + 4 + 6
	src, _ := netip.AddrFromSlice(raw[spa : spa+4])
	dst, _ := netip.AddrFromSlice(raw[tpa : tpa+4])
	p.SrcIP, p.DstIP = src, dst
}

func (p *Packet) decodeIPv4(raw []byte, off int) {
	if off+20 > len(raw) {
		if off <= len(raw) {
			p.off[L3] = off
			p.full[L3] = 20
			p.snap[L3] = len(raw) - off
		}
		return
	}
	p.off[L3] = off
	p.IPVersion = 4

	vihl := raw[off]
	ihl := int(vihl&0x0F) * 4
	p.ToS = raw[off+1]
	totalLen := int(be.Uint16(raw[off+2:]))
	p.IPID = be.Uint16(raw[off+4:])
	flagsFrag := be.Uint16(raw[off+6:])
	p.IPFlags = uint8(flagsFrag >> 13)
	p.FragOff = (flagsFrag & 0x1FFF) * 8
	p.TTL = raw[off+8]
	p.Protocol = raw[off+9]

	if totalLen < ihl {
		totalLen = ihl
	}
	p.full[L3] = ihl
	p.snap[L3] = min(ihl, len(raw)-off)
	if ihl < 20 {
		ihl = 20
	}
	if ihl > 20 {
		p.IPOptLen = ihl - 20
	}

	src, _ := netip.AddrFromSlice(raw[off+12 : off+16])
	dst, _ := netip.AddrFromSlice(raw[off+16 : off+20])
	p.SrcIP, p.DstIP = src, dst

	l4off := off + ihl
	p.full[L4] = totalLen - ihl
	if l4off > len(raw) {
		return
	}
	p.off[L4] = l4off
	p.snap[L4] = min(p.full[L4], len(raw)-l4off)

	// only the first fragment carries L4 headers worth decoding
	if p.FragOff == 0 {
		p.decodeL4(raw, l4off)
	}
}

func (p *Packet) decodeIPv6(raw []byte, off int) {
	if off+40 > len(raw) {
		if off <= len(raw) {
			p.off[L3] = off
			p.full[L3] = 40
			p.snap[L3] = len(raw) - off
		}
		return
	}
	p.off[L3] = off
	p.IPVersion = 6

	vtcfl := be.Uint32(raw[off:])
	p.ToS = uint8(vtcfl >> 20)
	payloadLen := int(be.Uint16(raw[off+4:]))
	p.Protocol = raw[off+6]
	p.TTL = raw[off+7]

	src, _ := netip.AddrFromSlice(raw[off+8 : off+24])
	dst, _ := netip.AddrFromSlice(raw[off+24 : off+40])
	p.SrcIP, p.DstIP = src, dst

	p.full[L3] = 40
	p.snap[L3] = min(40, len(raw)-off)

	l4off := off + 40
	p.full[L4] = payloadLen
	if l4off > len(raw) {
		return
	}
	p.off[L4] = l4off
	p.snap[L4] = min(payloadLen, len(raw)-l4off)
	p.decodeL4(raw, l4off)
}

func (p *Packet) decodeL4(raw []byte, off int) {
	avail := len(raw) - off
	if avail <= 0 {
		return
	}

	var hdrLen int
	switch p.Protocol {
	case PROTO_TCP:
		if avail < 20 {
			return
		}
		p.SrcPort = be.Uint16(raw[off:])
		p.DstPort = be.Uint16(raw[off+2:])
		hdrLen = int(raw[off+12]>>4) * 4
		if hdrLen < 20 {
			hdrLen = 20
		}
	case PROTO_UDP, PROTO_UDPLITE:
		if avail < 8 {
			return
		}
		p.SrcPort = be.Uint16(raw[off:])
		p.DstPort = be.Uint16(raw[off+2:])
		hdrLen = 8
	case PROTO_SCTP:
		if avail < 12 {
			return
		}
		p.SrcPort = be.Uint16(raw[off:])
		p.DstPort = be.Uint16(raw[off+2:])
		p.SCTPVTag = be.Uint32(raw[off+4:])
		hdrLen = 12
		if avail >= 16 {
			p.SCTPStream = be.Uint16(raw[off+12:])
		}
	case PROTO_ICMP:
		hdrLen = 8
	case PROTO_ICMPV6:
		hdrLen = 8
	default:
		hdrLen = 0
	}

	l7off := off + hdrLen
	full4 := p.full[L4]
	p.full[L7] = max(full4-hdrLen, 0)
	if l7off <= len(raw) {
		p.off[L7] = l7off
		p.snap[L7] = min(p.full[L7], len(raw)-l7off)
	}
}

// TCPFlags returns the raw TCP flag byte (offset 13 of the TCP header), or
// 0 if this is not a captured TCP segment.
func (p *Packet) TCPFlags() uint8 {
	b := p.Bytes(L4)
	if len(b) < 14 || p.Protocol != PROTO_TCP {
		return 0
	}
	return b[13]
}

// TCPSeq returns the TCP sequence number.
func (p *Packet) TCPSeq() uint32 {
	b := p.Bytes(L4)
	if len(b) < 8 {
		return 0
	}
	return be.Uint32(b[4:])
}

// TCPAck returns the TCP acknowledgment number.
func (p *Packet) TCPAck() uint32 {
	b := p.Bytes(L4)
	if len(b) < 12 {
		return 0
	}
	return be.Uint32(b[8:])
}

// TCPWindow returns the raw (unscaled) TCP window field.
func (p *Packet) TCPWindow() uint16 {
	b := p.Bytes(L4)
	if len(b) < 16 {
		return 0
	}
	return be.Uint16(b[14:])
}

// TCPDataOffset returns the TCP header length in bytes, including options.
func (p *Packet) TCPDataOffset() int {
	b := p.Bytes(L4)
	if len(b) < 13 {
		return 20
	}
	return int(b[12]>>4) * 4
}

// TCPOptions returns the raw TCP options bytes, if any.
func (p *Packet) TCPOptions() []byte {
	b := p.Bytes(L4)
	hl := p.TCPDataOffset()
	if len(b) <= 20 || hl <= 20 || hl > len(b) {
		return nil
	}
	return b[20:hl]
}
