// Package packet represents a single captured frame as an immutable view
// over its raw bytes: timestamps, lengths and pre-computed layer offsets.
// Packet capture itself (reading a pcap file or a live NIC) is an
// external collaborator and out of scope here; this package only decodes
// the layers needed by the dissectors in this module.
package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"
)

var (
	ErrShort      = errors.New("packet: buffer shorter than declared length")
	ErrNoEthernet = errors.New("packet: not an ethernet frame")
)

// EtherType identifies the layer above Ethernet.
type EtherType uint16

const (
	ETH_IPV4 EtherType = 0x0800
	ETH_ARP  EtherType = 0x0806
	ETH_IPV6 EtherType = 0x86DD
	ETH_VLAN EtherType = 0x8100
	ETH_RARP EtherType = 0x8035
)

// L4 protocol numbers (IANA), used both for IPv4.Protocol and IPv6 NextHeader.
const (
	PROTO_ICMP   uint8 = 1
	PROTO_IGMP   uint8 = 2
	PROTO_TCP    uint8 = 6
	PROTO_UDP    uint8 = 17
	PROTO_OSPF   uint8 = 89
	PROTO_UDPLITE uint8 = 136
	PROTO_SCTP   uint8 = 132
	PROTO_ICMPV6 uint8 = 58

	// PROTO_ARP is not a real IP protocol number; it is the sentinel
	// flow-key "protocol" used for ARP/RARP frames, which have no IP
	// layer to carry a real one.
	PROTO_ARP uint8 = 0xFE
)

// IPv4 header flag bits.
const (
	IP_FLAG_DF = 0b010
	IP_FLAG_MF = 0b001
)

// Layer identifies one of the four hook-relevant layers of a packet.
type Layer int

const (
	L2 Layer = iota
	L3
	L4
	L7
	numLayers
)

// Packet is an immutable view over one captured frame, plus the
// pre-computed offsets/lengths the dispatcher and dissectors need.
//
// Like msg.Msg, a Packet either owns its buffer or references memory owned
// by the capture collaborator (ref == true); Reset() lets a Packet be
// pooled and reused across captures.
type Packet struct {
	ref bool
	raw []byte // the captured bytes, owned or referenced

	Timestamp time.Time
	CapLen    int // bytes actually captured (len(raw))
	WireLen   int // bytes on the wire (>= CapLen if truncated)

	VLAN   uint16 // 802.1Q VLAN id, 0 if untagged
	Eth    EtherType
	SrcMAC [6]byte
	DstMAC [6]byte

	IPVersion uint8
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Protocol  uint8 // L4 protocol number
	TTL       uint8
	ToS       uint8 // DSCP+ECN byte (IPv4) / traffic class (IPv6)
	IPID      uint16
	IPFlags   uint8 // IP_FLAG_DF / IP_FLAG_MF
	FragOff   uint16
	IPOptLen  int

	SrcPort uint16
	DstPort uint16

	// SCTP association context, present only for PROTO_SCTP.
	SCTPVTag   uint32
	SCTPStream uint16

	// offsets into raw for each layer; -1 if the layer is absent or the
	// packet was truncated before it began
	off [numLayers]int
	// snap[l] = bytes of layer l actually captured (<= declared length)
	snap [numLayers]int
	// full[l] = bytes layer l would occupy per the wire-declared length
	full [numLayers]int
}

// New returns a Packet wrapping raw. If ref is true, raw is assumed to be
// owned by the caller (e.g. a capture buffer reused every call) and must
// not be retained past the current dispatch cycle without copying.
func New(ts time.Time, wireLen int, raw []byte, ref bool) *Packet {
	p := &Packet{}
	p.Reset()
	p.absorb(ts, wireLen, raw, ref)
	return p
}

// Reset clears p so it can be returned to a pool.
func (p *Packet) Reset() {
	p.ref = false
	p.raw = p.raw[:0]
	p.Timestamp = time.Time{}
	p.CapLen, p.WireLen = 0, 0
	p.VLAN, p.Eth = 0, 0
	p.SrcMAC, p.DstMAC = [6]byte{}, [6]byte{}
	p.IPVersion, p.Protocol = 0, 0
	p.SrcIP, p.DstIP = netip.Addr{}, netip.Addr{}
	p.TTL, p.ToS = 0, 0
	p.IPID, p.IPFlags, p.FragOff = 0, 0, 0
	p.SrcPort, p.DstPort = 0, 0
	p.SCTPVTag, p.SCTPStream = 0, 0
	for i := range p.off {
		p.off[i], p.snap[i], p.full[i] = -1, 0, 0
	}
}

func (p *Packet) absorb(ts time.Time, wireLen int, raw []byte, ref bool) {
	p.Timestamp = ts
	p.WireLen = wireLen
	p.CapLen = len(raw)
	if ref {
		p.raw = raw
		p.ref = true
	} else {
		p.raw = append(p.raw[:0], raw...)
	}
}

// Raw returns the bytes captured for the whole frame.
func (p *Packet) Raw() []byte { return p.raw }

// Bytes returns the captured bytes of layer l, possibly shorter than its
// wire-declared length (see SnapLen).
func (p *Packet) Bytes(l Layer) []byte {
	o := p.off[l]
	if o < 0 || o > len(p.raw) {
		return nil
	}
	end := o + p.snap[l]
	if end > len(p.raw) {
		end = len(p.raw)
	}
	return p.raw[o:end]
}

// SnapLen returns how many bytes of layer l were actually captured.
func (p *Packet) SnapLen(l Layer) int { return p.snap[l] }

// FullLen returns how many bytes layer l declares on the wire, regardless
// of how much was captured.
func (p *Packet) FullLen(l Layer) int { return p.full[l] }

// Truncated reports whether layer l was cut short by the snap length.
func (p *Packet) Truncated(l Layer) bool {
	return p.off[l] >= 0 && p.snap[l] < p.full[l]
}

// HasLayer reports whether layer l begins within the captured bytes.
func (p *Packet) HasLayer(l Layer) bool { return p.off[l] >= 0 }

// MoreFragments reports whether the IPv4 MF bit is set.
func (p *Packet) MoreFragments() bool { return p.IPFlags&IP_FLAG_MF != 0 }

// DontFragment reports whether the IPv4 DF bit is set.
func (p *Packet) DontFragment() bool { return p.IPFlags&IP_FLAG_DF != 0 }

// FirstFragment reports whether this is the first fragment of a
// fragmented datagram (offset 0, but more fragments follow).
func (p *Packet) FirstFragment() bool { return p.FragOff == 0 && p.MoreFragments() }

// IsFragment reports whether this packet is part of a fragmented datagram.
func (p *Packet) IsFragment() bool { return p.FragOff != 0 || p.MoreFragments() }

var be = binary.BigEndian
