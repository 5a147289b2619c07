package ospf

import (
	"net/netip"

	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

// decode3 parses an OSPFv3 packet body. OSPFv3 carries no IPv4-style
// authentication header (IPsec handles that at the IP layer instead), so
// there is no auth-type/auth-password step here.
func (d *Dissector) decode3(rec *flowtable.Record, tbl *flowtable.Table, s *slot, pkt *packet.Packet, b []byte, typ uint8, pktLen uint16) {
	if int(typ) < len(d.Globals.OSPF3ByType) {
		d.Globals.OSPF3ByType[typ]++
	}

	if len(b) < ospf3HdrLen || pktLen < ospf3HdrLen {
		s.status |= StatMalformed
		return
	}

	if pkt.IPVersion == 6 && (pkt.DstIP == mcastAllSPFRouters6 || pkt.DstIP == mcastAllDRouters6) {
		d.Globals.MulticastPkts++
		// OnLayer4's TTL check covers IPv4 destinations only; the IPv6
		// hop limit is not validated here.
	}

	data := b[ospf3HdrLen:]
	if int(pktLen) > ospf3HdrLen {
		data = data[:min(len(data), int(pktLen)-ospf3HdrLen)]
	}

	switch typ {
	case typeHello:
		d.decodeHello3(s, pkt, data)
	case typeDBDescr:
		d.decodeDBD3(s, data)
	case typeLSReq:
		d.decodeLSR(s, data, true)
	case typeLSUpdate:
		d.decodeLSU(rec, tbl, s, data, true)
	case typeLSAck:
		d.decodeLSAck(s, data, true)
	default:
		s.status |= StatBadType
		d.Globals.InvalidType++
	}
}

// decodeHello3 mirrors decodeHello2 for OSPFv3's ospfHello3_t layout:
// intID(4) rpopt(4, 8-bit priority + 24-bit options) helloInt(2)
// routDeadInt(2) desRtr(4) backupRtr(4) neighbors...
func (d *Dissector) decodeHello3(s *slot, pkt *packet.Packet, data []byte) {
	const helloFixedLen = 20
	if len(data) < helloFixedLen {
		s.status |= StatMalformed
		return
	}

	if pkt.IPVersion == 6 && pkt.DstIP != mcastAllSPFRouters6 {
		s.status |= StatBadDst
		d.Globals.InvalidDest++
	}

	backup, _ := netip.AddrFromSlice(data[16:20])
	s.backupRtr = backup

	neighBytes := data[helloFixedLen:]
	for i := 0; i+4 <= len(neighBytes); i += 4 {
		ip, _ := netip.AddrFromSlice(neighBytes[i : i+4])
		addNeighbor(s, ip)
	}
}

// decodeDBD3 mirrors decodeDBD2 for OSPFv3's wider ospf3DBD_t header.
func (d *Dissector) decodeDBD3(s *slot, data []byte) {
	if len(data) < ospf3DBDLen {
		s.status |= StatMalformed
		return
	}

	lsas := data[ospf3DBDLen:]
	off := 0
	for off+lsaHdrLen <= len(lsas) {
		lsType := be.Uint16(lsas[off+2:off+4]) & 0x1fff
		if lsType == 0 {
			s.status |= StatMalformed
			d.Globals.OSPF3LSType[0]++
			break
		}
		addLSType(s, d.Globals.OSPF3LSType, lsType)
		off += lsaHdrLen
	}
}

var mcastAllSPFRouters6 = netip.MustParseAddr("ff02::5")
var mcastAllDRouters6 = netip.MustParseAddr("ff02::6")
