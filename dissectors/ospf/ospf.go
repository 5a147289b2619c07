// Package ospf implements the OSPFv2/v3 decoder. OSPF rides directly on
// IP (protocol 89, no UDP/TCP header), so every packet this dissector
// sees arrives through OnLayer4 with L7 == L4.
package ospf

import (
	"encoding/binary"
	"net/netip"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

var be = binary.BigEndian

const Name = "ospf"

// OSPFNeigMax bounds the per-flow neighbor IP list.
const OSPFNeigMax = 10

// OSPFNumTyp bounds the per-flow ordered message-type list.
const OSPFNumTyp = 10

const (
	typeHello    = 1
	typeDBDescr  = 2
	typeLSReq    = 3
	typeLSUpdate = 4
	typeLSAck    = 5
)

const (
	authNull   = 0
	authPasswd = 1
	authCrypto = 2
)

const (
	ospf2HdrLen = 24
	ospf3HdrLen = 16
	lsaHdrLen   = 20
	lsrEntryLen = 12 // sizeof(ospfLSR_t): uint32 + 2 * in_addr
	ospf2DBDLen = 8  // sizeof(ospfDBD_t) minus the optional LSA-header tail
	ospf3DBDLen = 12 // sizeof(ospf3DBD_t) minus the optional LSA-header tail
)

// dbDescValid rejects I/M/MS flag triplet values 4, 5, and 6: only 3 bits
// are defined (I, M, MS), and those three combinations never occur.
func dbDescValid(flags uint8) bool {
	return flags <= 7 && flags != 4 && flags != 5 && flags != 6
}

var mcastAllSPFRouters = netip.MustParseAddr("224.0.0.5")
var mcastAllDRouters = netip.MustParseAddr("224.0.0.6")

// Status bits, OR-only: once set on a flow, a bit is never cleared.
type Status uint32

const (
	StatDetect Status = 1 << iota
	StatBadTTL
	StatBadDst
	StatBadType
	StatWrongVer
	StatMalformed
)

// Per-(version, message-type) and per-(version, LS-type) global counters,
// folded into the final statistics output. Like dissectors/basicstats's
// talker leaderboards, this is a plain map rather than xsync: the
// dispatcher is the sole writer and reader of per-dissector state.
type Globals struct {
	OSPF2ByType   [typeLSAck + 1]uint64
	OSPF3ByType   [typeLSAck + 1]uint64
	OSPF2LSType   map[uint16]uint64
	OSPF3LSType   map[uint16]uint64
	AuthType      [authCrypto + 2]uint64 // last slot: unknown
	InvalidDest   uint64
	InvalidTTL    uint64
	InvalidType   uint64
	MulticastPkts uint64

	StatusBits uint32 // OR of every terminated flow's status bitfield
	Packets    uint64 // OSPF packets observed across all flows
}

func newGlobals() *Globals {
	return &Globals{
		OSPF2LSType: make(map[uint16]uint64),
		OSPF3LSType: make(map[uint16]uint64),
	}
}

type slot struct {
	version  uint8
	types    []uint8 // ordered, deduplicated, bounded by OSPFNumTyp
	areaID   uint32
	routerID netip.Addr
	backupRtr netip.Addr
	neighbors []netip.Addr // bounded, deduplicated, OSPFNeigMax

	authTypeBF uint8
	authPass   string // cleartext password, auth type 1 only

	lsTypeBF uint64 // LS types seen, bit per type 0..63

	routerLSALinks   uint32 // total Router-LSA links walked across all LS Updates
	networkLSARtrs   uint32 // total Network-LSA attached routers walked

	status Status
}

func newSlot() *slot {
	return &slot{routerID: unsetV4(), backupRtr: unsetV4()}
}

func unsetV4() netip.Addr { return netip.IPv4Unspecified() }

// Dissector parses OSPFv2/v3 packets per flow and keeps process-wide
// per-type counters in Globals.
type Dissector struct {
	slots   map[uint64]*slot
	Globals *Globals
}

func New() *Dissector {
	return &Dissector{
		slots:   make(map[uint64]*slot),
		Globals: newGlobals(),
	}
}

// StatusBits returns the OR of every terminated flow's OSPF status
// bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return d.Globals.StatusBits }

// Packets returns the total count of OSPF packets observed.
func (d *Dissector) Packets() uint64 { return d.Globals.Packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("ospfStat", schema.Uint32, "OSPF status bitfield"),
		schema.F("ospfVersion", schema.Uint8, "OSPF version, 2 or 3"),
		schema.R("ospfTypes", "ordered, deduplicated OSPF message types seen",
			schema.F("type", schema.Uint8, "message type")),
		schema.F("ospfAreaID", schema.Uint32, "OSPF area ID"),
		schema.F("ospfRouterID", schema.IPv4, "advertising router ID"),
		schema.F("ospfBackupRtr", schema.IPv4, "HELLO backup designated router"),
		schema.R("ospfNeighbors", "deduplicated HELLO neighbor IPs",
			schema.F("ip", schema.IPv4, "neighbor IP")),
		schema.F("ospfAuthTypeBF", schema.Uint8, "bitfield of auth types seen"),
		schema.F("ospfAuthPass", schema.String, "cleartext auth password, if auth type 1"),
		schema.F("ospfLSTypeBF", schema.Uint64, "bitfield of LS types seen (bit per type 0-63)"),
		schema.F("ospfRouterLSALinks", schema.Uint32, "total Router-LSA links walked"),
		schema.F("ospfNetworkLSARtrs", schema.Uint32, "total Network-LSA attached routers walked"),
	}
}

func (d *Dissector) slotFor(findex uint64) *slot {
	s, ok := d.slots[findex]
	if !ok {
		s = newSlot()
		d.slots[findex] = s
	}
	return s
}

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol == packet.PROTO_OSPF {
		d.slotFor(rec.Findex)
	}
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {}

// OnLayer4 decodes one OSPF packet: common header, then version-specific
// message body.
func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol != packet.PROTO_OSPF {
		return
	}
	s := d.slotFor(rec.Findex)
	s.status |= StatDetect
	d.Globals.Packets++

	b := pkt.Bytes(packet.L4)
	if len(b) <= ospf3HdrLen {
		return
	}

	ver := b[0]
	s.version = ver

	if ver != 2 && ver != 3 {
		s.status |= StatWrongVer
		return
	}

	typ := b[1]
	addType(s, typ)

	if pkt.IPVersion == 4 && (pkt.DstIP == mcastAllSPFRouters || pkt.DstIP == mcastAllDRouters) {
		d.Globals.MulticastPkts++
		if pkt.TTL != 1 {
			s.status |= StatBadTTL
			d.Globals.InvalidTTL++
		}
	}

	// common header layout (both versions): version(1) type(1) len(2)
	// routerID(4) areaID(4) chksum(2) ...
	rtrID, _ := netip.AddrFromSlice(b[4:8])
	s.routerID = rtrID
	s.areaID = be.Uint32(b[8:12])
	pktLen := be.Uint16(b[2:4])

	if ver == 2 {
		d.decode2(rec, tbl, s, pkt, b, typ, pktLen)
	} else {
		d.decode3(rec, tbl, s, pkt, b, typ, pktLen)
	}
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s, ok := d.slots[rec.Findex]
	if !ok {
		s = newSlot()
	}
	d.Globals.StatusBits |= uint32(s.status)

	out.AppendUint32(uint32(s.status)).
		AppendUint8(s.version)

	out.AppendCount(len(s.types))
	for _, t := range s.types {
		out.AppendUint8(t)
	}

	out.AppendUint32(s.areaID).
		AppendIP(s.routerID).
		AppendIP(s.backupRtr)

	out.AppendCount(len(s.neighbors))
	for _, n := range s.neighbors {
		out.AppendIP(n)
	}

	out.AppendUint8(s.authTypeBF).
		AppendString(s.authPass).
		AppendUint64(s.lsTypeBF).
		AppendUint32(s.routerLSALinks).
		AppendUint32(s.networkLSARtrs)

	delete(d.slots, rec.Findex)
}

// addType appends typ to s.types if not already present, bounded by
// OSPFNumTyp.
func addType(s *slot, typ uint8) {
	for _, t := range s.types {
		if t == typ {
			return
		}
	}
	if len(s.types) >= OSPFNumTyp {
		return
	}
	s.types = append(s.types, typ)
}

// addNeighbor appends ip to s.neighbors if not already present, bounded by
// OSPFNeigMax.
func addNeighbor(s *slot, ip netip.Addr) {
	for _, n := range s.neighbors {
		if n == ip {
			return
		}
	}
	if len(s.neighbors) >= OSPFNeigMax {
		return
	}
	s.neighbors = append(s.neighbors, ip)
}

// addLSType folds an observed LS type into the global per-version counter
// and the per-flow bitfield.
func addLSType(s *slot, g map[uint16]uint64, lsType uint16) {
	g[lsType]++
	if lsType < 64 {
		s.lsTypeBF |= 1 << lsType
	}
}
