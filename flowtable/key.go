package flowtable

import "net/netip"

// L2Addr is an optional Ethernet address, included in the flow key only
// when L2 flow separation is enabled.
type L2Addr [6]byte

// Key uniquely identifies one direction of a flow. It is immutable once
// computed.
//
// Key is a plain comparable struct so it can be used directly as the key
// type of an xsync.MapOf.
type Key struct {
	VLAN       uint16
	Src        netip.Addr
	Dst        netip.Addr
	SrcPort    uint16
	DstPort    uint16
	Proto      uint8
	SCTPVTag   uint32
	SCTPStream uint16
	SrcMAC     L2Addr
	DstMAC     L2Addr
	L2Enabled  bool
}

// Reverse returns the key of the opposite-direction flow: every
// pairwise-swappable field is swapped.
func (k Key) Reverse() Key {
	r := k
	r.Src, r.Dst = k.Dst, k.Src
	r.SrcPort, r.DstPort = k.DstPort, k.SrcPort
	r.SrcMAC, r.DstMAC = k.DstMAC, k.SrcMAC
	return r
}
