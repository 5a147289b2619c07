// Package dhcp implements the DHCPv4/v6 decoder. It parses BOOTP/DHCPv4
// (UDP 67/68) and DHCPv6 (UDP 546/547), binds client IPs to MACs across an
// ACK in a process-wide table, and links a REQUEST flow to its prior
// OFFER flow through the main flow table.
package dhcp

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/puzpuzpuz/xsync/v3"
)

var be = binary.BigEndian

const Name = "dhcp"

// DHCPNMMAX bounds the per-flow hardware-address/host-name/domain-name
// lists to a small fixed size.
const DHCPNMMAX = 5

const (
	dhcp4ClientPort = 68
	dhcp4ServerPort = 67
	dhcp6ClientPort = 546
	dhcp6ServerPort = 547
)

const (
	bootRequest = 1
	bootReply   = 2
)

// DHCPv4 message types (option 53).
const (
	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgDecline  = 4
	msgACK      = 5
	msgNAK      = 6
	msgRelease  = 7
	msgInform   = 8
)

// DHCPv6 message types.
const (
	msg6Solicit  = 1
	msg6Advertise = 2
	msg6Request  = 3
	msg6Reply    = 7
	msg6Release  = 8
	msg6Decline  = 9
)

const magicCookie = 0x63825363

const dhcpOptEnd = 0xff

// Status bits, OR-only: once set on a flow, a bit is never cleared.
type Status uint32

const (
	StatRequest Status = 1 << iota
	StatReply
	StatV6
	StatMalformed
	StatBroadcast
	StatSecElNonStd // Windows little-endian num_sec heuristic fired
	StatNonEthHW
	StatNameTrunc // a bounded name/address list overflowed
	StatMagicCookieBad
	StatOptionsCorrupt
	StatOptionOverload
	StatMsgTypeUnknown
	StatClientIDMismatch
	StatInvalidLen
)

type macPair struct {
	mac   [6]byte
	count uint16
}

type slot struct {
	status Status
	hwType uint64
	hopCnt     uint32 // bit per hop count 0..16, bit 31 = invalid
	msgTypeBF  uint32

	// three 64-bit bitfields spanning option codes 0..191.
	optBF [3]uint64

	hwAddrs   []macPair
	hostNames []string
	domainN   []string

	serverName string
	bootFile   string

	cliIP, yourIP, nextSrvr, relayIP netip.Addr
	reqIP, srvID                    netip.Addr

	leaseT, renewT, rebindT uint32
	maxSecEl                uint16

	msgType uint8 // last DHCPv4/v6 message type seen

	lflow int64 // linked OFFER<->REQUEST flow findex, flowtable.NotFound if none
}

// unsetV4 is the zero-valued placeholder for DHCPv4 IP fields: always a
// valid 4-byte address (netip.Addr{} would be neither Is4 nor Is6 and
// would serialize as 16 zero bytes instead of the schema's declared 4).
var unsetV4 = netip.IPv4Unspecified()

func newSlot() *slot {
	return &slot{
		lflow:    flowtable.NotFound,
		cliIP:    unsetV4,
		yourIP:   unsetV4,
		nextSrvr: unsetV4,
		relayIP:  unsetV4,
		reqIP:    unsetV4,
		srvID:    unsetV4,
	}
}

// Dissector parses DHCP traffic per flow. macTable is a process-wide
// (client IP -> MAC) binding table, populated on ACK and cleared on
// DECLINE/RELEASE; kept in xsync like arp.Dissector's table since nothing
// besides the dispatcher writes it today but a future monitoring tick may
// read it.
type Dissector struct {
	slots    map[uint64]*slot
	macTable *xsync.MapOf[netip.Addr, [6]byte]

	globalStat Status // OR of every terminated flow's stat bitfield
	packets    uint64 // DHCP packets observed across all flows
}

func New() *Dissector {
	return &Dissector{
		slots:    make(map[uint64]*slot),
		macTable: xsync.NewMapOf[netip.Addr, [6]byte](),
	}
}

// StatusBits returns the OR of every terminated flow's DHCP status
// bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return uint32(d.globalStat) }

// Packets returns the total count of DHCP packets observed.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("dhcpStat", schema.Uint32, "DHCP status bitfield"),
		schema.F("dhcpMsgTypeBF", schema.Uint32, "bitfield of DHCP message types observed"),
		schema.F("dhcpHops", schema.Uint32, "bitfield of hop counts seen, bit31 = invalid"),
		schema.F("dhcpHWType", schema.Uint64, "bitfield of hardware types seen"),
		schema.R("dhcpOptBF", "three 64-bit option-code bitfields, codes 0-191",
			schema.F("bf", schema.Uint64, "one bitfield word"),
		),
		schema.R("dhcpHWAddrs", "distinct client hardware addresses",
			schema.F("mac", schema.MAC, "client MAC address"),
			schema.F("count", schema.Uint16, "times this MAC was observed"),
		),
		schema.R("dhcpHostNames", "deduplicated host names", schema.F("name", schema.String, "host name")),
		schema.R("dhcpDomainNames", "deduplicated domain/FQDN names", schema.F("name", schema.String, "domain name")),
		schema.F("dhcpServerName", schema.String, "server host name field (DHCPv4 only)"),
		schema.F("dhcpBootFile", schema.String, "boot file name field (DHCPv4 only)"),
		schema.F("dhcpCliIP", schema.IPv4, "client IP (DHCPv4 only)"),
		schema.F("dhcpYourIP", schema.IPv4, "your (assigned) IP (DHCPv4 only)"),
		schema.F("dhcpNextSrvr", schema.IPv4, "next-server IP (DHCPv4 only)"),
		schema.F("dhcpRelay", schema.IPv4, "relay-agent IP (DHCPv4 only)"),
		schema.F("dhcpSrvID", schema.IPv4, "server identifier (DHCPv4 only)"),
		schema.F("dhcpReqIP", schema.IPv4, "requested IP, option 50 (DHCPv4 only)"),
		schema.F("dhcpLeaseT", schema.Uint32, "lease time, seconds"),
		schema.F("dhcpRenewT", schema.Uint32, "renewal (T1) time, seconds"),
		schema.F("dhcpRebindT", schema.Uint32, "rebinding (T2) time, seconds"),
		schema.F("dhcpMaxSecEl", schema.Uint16, "max seconds-elapsed seen"),
		schema.F("dhcpLFlow", schema.Uint64, "linked OFFER/REQUEST flow findex"),
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

func isDHCPPort(port uint16) bool {
	switch port {
	case dhcp4ClientPort, dhcp4ServerPort, dhcp6ClientPort, dhcp6ServerPort:
		return true
	default:
		return false
	}
}

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol == packet.PROTO_UDP && (isDHCPPort(pkt.SrcPort) || isDHCPPort(pkt.DstPort)) {
		d.slotFor(rec.Findex)
	}
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol != packet.PROTO_UDP {
		return
	}
	if !isDHCPPort(pkt.SrcPort) && !isDHCPPort(pkt.DstPort) {
		return
	}
	s := d.slotFor(rec.Findex)
	d.packets++

	isV6 := pkt.SrcPort == dhcp6ClientPort || pkt.SrcPort == dhcp6ServerPort ||
		pkt.DstPort == dhcp6ClientPort || pkt.DstPort == dhcp6ServerPort
	if isV6 {
		s.status |= StatV6
		d.decode6(rec, tbl, s, pkt)
	} else {
		d.decode4(rec, tbl, s, pkt)
	}
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s, ok := d.slots[rec.Findex]
	if !ok {
		s = newSlot()
	}
	d.globalStat |= s.status

	out.AppendUint32(uint32(s.status)).
		AppendUint32(s.msgTypeBF).
		AppendUint32(s.hopCnt).
		AppendUint64(s.hwType)

	out.AppendCount(len(s.optBF))
	for _, w := range s.optBF {
		out.AppendUint64(w)
	}

	out.AppendCount(len(s.hwAddrs))
	for _, p := range s.hwAddrs {
		out.AppendMAC(p.mac).AppendUint16(p.count)
	}

	out.AppendCount(len(s.hostNames))
	for _, n := range s.hostNames {
		out.AppendString(n)
	}
	out.AppendCount(len(s.domainN))
	for _, n := range s.domainN {
		out.AppendString(n)
	}

	out.AppendString(s.serverName).
		AppendString(s.bootFile)

	out.AppendIP(s.cliIP).
		AppendIP(s.yourIP).
		AppendIP(s.nextSrvr).
		AppendIP(s.relayIP).
		AppendIP(s.srvID).
		AppendIP(s.reqIP).
		AppendUint32(s.leaseT).
		AppendUint32(s.renewT).
		AppendUint32(s.rebindT).
		AppendUint16(s.maxSecEl).
		AppendUint64(uint64(s.lflow))

	delete(d.slots, rec.Findex)
}

// addOptBit folds an observed DHCPv4/v6 option code into the three-word
// bitfield spanning option codes 0..191.
func addOptBit(s *slot, opt uint8) {
	switch {
	case opt < 64:
		s.optBF[2] |= 1 << (opt & 0x3f)
	case opt < 128:
		s.optBF[1] |= 1 << ((opt - 64) & 0x3f)
	default:
		s.optBF[0] |= 1 << ((opt - 128) & 0x3f)
	}
}

// addHWAddr records a distinct client MAC, bounded by DHCPNMMAX.
func addHWAddr(s *slot, mac [6]byte) {
	for i := range s.hwAddrs {
		if s.hwAddrs[i].mac == mac {
			s.hwAddrs[i].count++
			return
		}
	}
	if len(s.hwAddrs) >= DHCPNMMAX {
		s.status |= StatNameTrunc
		return
	}
	s.hwAddrs = append(s.hwAddrs, macPair{mac: mac, count: 1})
}

// addName appends name to list if not already present, tolerating an
// optional trailing NUL difference (a host name is sometimes
// null-terminated in the option bytes and sometimes not).
func addName(list []string, name string, trunc *Status) []string {
	for _, n := range list {
		if strings.TrimRight(n, "\x00") == strings.TrimRight(name, "\x00") {
			return list
		}
	}
	if len(list) >= DHCPNMMAX {
		*trunc |= StatNameTrunc
		return list
	}
	return append(list, name)
}
