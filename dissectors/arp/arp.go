// Package arp implements the ARP/RARP learner and spoof detector: an
// opcode bitfield, a bounded MAC/IP pair list, gratuitous/probe/announce
// classification, and a process-wide IP->MAC spoof table.
package arp

import (
	"encoding/binary"
	"net/netip"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/puzpuzpuz/xsync/v3"
)

var be = binary.BigEndian

// ARP header layout (RFC 826), read directly from the L3 bytes the packet
// package leaves un-interpreted for ETH_ARP/ETH_RARP frames.
func arpHwType(pkt *packet.Packet) uint16 {
	b := pkt.Bytes(packet.L3)
	if len(b) < 2 {
		return 0
	}
	return be.Uint16(b)
}

func arpOpcode(pkt *packet.Packet) uint16 {
	b := pkt.Bytes(packet.L3)
	if len(b) < 8 {
		return 0
	}
	return be.Uint16(b[6:])
}

func arpSizes(pkt *packet.Packet) (hwSize, protoSize uint8) {
	b := pkt.Bytes(packet.L3)
	if len(b) < 6 {
		return 0, 0
	}
	return b[4], b[5]
}

// srcMACFromARP returns the ARP sender hardware address (the "sha" field).
func srcMACFromARP(pkt *packet.Packet) [6]byte {
	var mac [6]byte
	b := pkt.Bytes(packet.L3)
	hwSize, protoSize := arpSizes(pkt)
	if hwSize != 6 || protoSize != 4 || len(b) < 8+6 {
		return mac
	}
	copy(mac[:], b[8:14])
	return mac
}

// dstMACFromARP returns the ARP target hardware address (the "tha" field),
// present only for hlen=6 proto=IPv4 headers.
func dstMACFromARP(pkt *packet.Packet) [6]byte {
	var mac [6]byte
	b := pkt.Bytes(packet.L3)
	hwSize, protoSize := arpSizes(pkt)
	if hwSize != 6 || protoSize != 4 {
		return mac
	}
	off := 8 + int(hwSize) + int(protoSize)
	if len(b) < off+6 {
		return mac
	}
	copy(mac[:], b[off:off+6])
	return mac
}

const Name = "arp"

// ARPMaxIP bounds the per-flow MAC/IP pair list.
const ARPMaxIP = 10

// ARP/RARP opcodes, IANA "Address Resolution Protocol (ARP) Parameters".
const (
	OpRequest    uint16 = 1
	OpReply      uint16 = 2
	OpRARPReq    uint16 = 3
	OpRARPReply  uint16 = 4
)

// supportedOpcodeMask is the opcode bitfield this dissector learns MAC/IP
// pairs from: ARP request, ARP reply, RARP reply.
const supportedOpcodeMask = 1<<OpRequest | 1<<OpReply | 1<<OpRARPReply

// Status bits, OR-only: once set on a flow, a bit is never cleared.
const (
	StatDetected Status = 1 << iota
	StatGratuitous
	StatProbe
	StatAnnounce
	_ // reserved
	StatListFull
	_
	StatSpoof
)

type Status uint8

type pair struct {
	mac   [6]byte
	ip    packetIP
	count uint16
}

// packetIP is a raw 4-byte IPv4 address, comparable so it can key a map
// without the allocation a netip.Addr comparison would otherwise avoid.
type packetIP [4]byte

type slot struct {
	opCodeMask uint32 // OR of (1<<opcode) seen this flow
	hwType     uint16
	stat       Status
	pairs      []pair
}

// Dissector learns ARP traffic per flow and keeps one process-wide
// IP->MAC table so a spoof can be detected across flows. The table is
// read by nothing outside the dispatcher goroutine today, but it is kept
// in xsync so a future monitoring tick could read it without taking a
// lock.
type Dissector struct {
	slots map[uint64]*slot

	ipToMAC *xsync.MapOf[packetIP, [6]byte]

	globalStat Status // OR of every terminated flow's stat bitfield
	packets    uint64 // ARP/RARP packets observed across all flows
}

func New() *Dissector {
	return &Dissector{
		slots:   make(map[uint64]*slot),
		ipToMAC: xsync.NewMapOf[packetIP, [6]byte](),
	}
}

// StatusBits returns the OR of every terminated flow's ARP status
// bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return uint32(d.globalStat) }

// Packets returns the total count of ARP/RARP packets observed.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("arpStat", schema.Uint8, "ARP status bitfield"),
		schema.F("arpHwType", schema.Uint16, "ARP hardware type"),
		schema.F("arpOpcodeMask", schema.Uint32, "bitfield of opcodes observed"),
		schema.F("arpPairCount", schema.Uint16, "distinct MAC/IP pairs observed"),
		schema.R("arpPairs", "MAC/IP pairs and occurrence counts",
			schema.F("mac", schema.MAC, "pair MAC address"),
			schema.F("ip", schema.IPv4, "pair IPv4 address"),
			schema.F("count", schema.Uint16, "times this pair was observed"),
		),
	}
}

func (d *Dissector) slotFor(findex uint64) *slot {
	s, ok := d.slots[findex]
	if !ok {
		s = &slot{}
		d.slots[findex] = s
	}
	return s
}

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	s := d.slotFor(rec.Findex)
	if pkt.Protocol != packet.PROTO_ARP {
		return
	}
	s.stat |= StatDetected
	s.hwType = arpHwType(pkt)
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	s, ok := d.slots[rec.Findex]
	if !ok || s.stat == 0 {
		return
	}
	if pkt.Protocol != packet.PROTO_ARP {
		return
	}
	d.packets++

	opcode := arpOpcode(pkt)
	if opcode == 0 || opcode > 31 {
		return
	}
	s.opCodeMask |= 1 << opcode

	hwSize, protoSize := arpSizes(pkt)

	srcIP := toPacketIP(pkt.SrcIP)
	dstIP := toPacketIP(pkt.DstIP)
	srcMAC := srcMACFromARP(pkt)
	dstMAC := dstMACFromARP(pkt)

	// gratuitous/probe/announce classification
	if srcIP == dstIP && (opcode == OpRequest || opcode == OpReply) {
		s.stat |= StatGratuitous
		if opcode == OpRequest && (dstMAC == [6]byte{} || dstMAC == broadcastMAC) {
			s.stat |= StatAnnounce
		}
	} else if opcode == OpRequest && dstMAC == [6]byte{} && srcIP == (packetIP{}) {
		s.stat |= StatProbe
	}

	if (uint32(1)<<opcode)&supportedOpcodeMask != 0 && hwSize == 6 && protoSize == 4 {
		d.learn(s, opcode, srcIP, dstIP, srcMAC, dstMAC)
	}
}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
}

// learn folds one ARP packet's sender/target pairs into the flow's pair
// list and the process-wide IP->MAC table, flagging spoofing when an IP
// switches MAC.
func (d *Dissector) learn(s *slot, opcode uint16, srcIP, dstIP packetIP, srcMAC, dstMAC [6]byte) {
	ips := [2]packetIP{srcIP, dstIP}
	macs := [2][6]byte{srcMAC, dstMAC}
	naddr := 1
	if opcode != OpRequest {
		naddr = 2
	}

	for i := 0; i < naddr; i++ {
		ip, mac := ips[i], macs[i]

		prevMAC, existed := d.ipToMAC.Load(ip)
		if !existed {
			d.ipToMAC.Store(ip, mac)
			d.appendPair(s, mac, ip)
			continue
		}

		addPrevMAC := false
		if prevMAC != mac {
			if ip != (packetIP{}) {
				s.stat |= StatSpoof
			}
			addPrevMAC = true
			d.ipToMAC.Store(ip, mac)
		}

		addMAC := true
		for j := range s.pairs {
			if s.pairs[j].ip != ip {
				continue
			}
			if s.pairs[j].mac == mac {
				s.pairs[j].count++
				addMAC = false
			} else if addPrevMAC && s.pairs[j].mac == prevMAC {
				addPrevMAC = false
			}
		}

		if addMAC {
			d.appendPair(s, mac, ip)
		}
		if addPrevMAC {
			d.appendPair(s, prevMAC, ip)
			if n := len(s.pairs); n > 0 {
				s.pairs[n-1].count = 0
			}
		}
	}
}

func (d *Dissector) appendPair(s *slot, mac [6]byte, ip packetIP) {
	if len(s.pairs) >= ARPMaxIP {
		s.stat |= StatListFull
		return
	}
	s.pairs = append(s.pairs, pair{mac: mac, ip: ip, count: 1})
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s := d.slotFor(rec.Findex)
	d.globalStat |= s.stat

	out.AppendUint8(uint8(s.stat)).
		AppendUint16(s.hwType).
		AppendUint32(s.opCodeMask).
		AppendUint16(uint16(len(s.pairs)))

	out.AppendCount(len(s.pairs))
	for _, p := range s.pairs {
		out.AppendMAC(p.mac).AppendBytes(p.ip[:]).AppendUint16(p.count)
	}

	delete(d.slots, rec.Findex)
}

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func toPacketIP(a netip.Addr) packetIP {
	if !a.IsValid() || !a.Is4() {
		return packetIP{}
	}
	return packetIP(a.As4())
}
