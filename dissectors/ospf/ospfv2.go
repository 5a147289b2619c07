package ospf

import (
	"net/netip"

	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

// decode2 parses an OSPFv2 packet body (b starts at the common header).
func (d *Dissector) decode2(rec *flowtable.Record, tbl *flowtable.Table, s *slot, pkt *packet.Packet, b []byte, typ uint8, pktLen uint16) {
	if int(typ) < len(d.Globals.OSPF2ByType) {
		d.Globals.OSPF2ByType[typ]++
	}

	if len(b) < ospf2HdrLen || pktLen < ospf2HdrLen {
		s.status |= StatMalformed
		return
	}

	authType := be.Uint16(b[14:16])
	s.authTypeBF |= 1 << (authType & 7)
	if int(authType) < len(d.Globals.AuthType)-1 {
		d.Globals.AuthType[authType]++
	} else {
		d.Globals.AuthType[len(d.Globals.AuthType)-1]++
	}

	auField := b[16:24]
	switch authType {
	case authNull:
		for _, c := range auField {
			if c != 0 {
				s.status |= StatMalformed // auField non-zero under null auth: covert channel?
				break
			}
		}
	case authPasswd:
		s.authPass = boundedASCII(auField)
	case authCrypto:
		// crypto auth carries a key ID and checksum, not a cleartext secret
	}

	data := b[ospf2HdrLen:]
	if len(data) < int(pktLen)-ospf2HdrLen {
		return
	}
	if int(pktLen) > ospf2HdrLen {
		data = data[:min(len(data), int(pktLen)-ospf2HdrLen)]
	}

	switch typ {
	case typeHello:
		d.decodeHello2(s, pkt, data)
	case typeDBDescr:
		d.decodeDBD2(s, data)
	case typeLSReq:
		d.decodeLSR(s, data, false)
	case typeLSUpdate:
		d.decodeLSU(rec, tbl, s, data, false)
	case typeLSAck:
		d.decodeLSAck(s, data, false)
	default:
		s.status |= StatBadType
		d.Globals.InvalidType++
	}
}

// decodeHello2 accumulates neighbors and the backup router from an OSPFv2
// Hello body (netmask(4) helloInt(2) options(1) rtrPri(1) routDeadInt(4)
// desRtr(4) backupRtr(4) neighbors...).
func (d *Dissector) decodeHello2(s *slot, pkt *packet.Packet, data []byte) {
	const helloFixedLen = 20
	if len(data) < helloFixedLen {
		s.status |= StatMalformed
		return
	}

	if pkt.IPVersion == 4 && pkt.DstIP != mcastAllSPFRouters {
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

// decodeDBD2 walks the LSA header summary list (dataLen bytes of
// fixed-size LSA header entries).
func (d *Dissector) decodeDBD2(s *slot, data []byte) {
	if len(data) < ospf2DBDLen {
		s.status |= StatMalformed
		return
	}

	dbDescFlags := data[5]
	if !dbDescValid(dbDescFlags) {
		s.status |= StatMalformed
	}

	lsas := data[ospf2DBDLen:]
	off := 0
	for off+lsaHdrLen <= len(lsas) {
		lsType := lsas[off+3]
		if lsType == 0 {
			s.status |= StatMalformed
			d.Globals.OSPF2LSType[0]++
			break
		}
		addLSType(s, d.Globals.OSPF2LSType, uint16(lsType))
		off += lsaHdrLen
	}
}

// decodeLSR walks fixed-size Link State Request entries, recording LS
// types.
func (d *Dissector) decodeLSR(s *slot, data []byte, v3 bool) {
	g := d.Globals.OSPF2LSType
	if v3 {
		g = d.Globals.OSPF3LSType
	}
	for off := 0; off+lsrEntryLen <= len(data); off += lsrEntryLen {
		lsType := be.Uint32(data[off:off+4]) & 0xffff
		addLSType(s, g, uint16(lsType))
	}
}

// decodeLSAck walks fixed-size LSA headers acknowledging prior updates.
func (d *Dissector) decodeLSAck(s *slot, data []byte, v3 bool) {
	g := d.Globals.OSPF2LSType
	lsTypeOff := 3
	if v3 {
		g = d.Globals.OSPF3LSType
		lsTypeOff = 2 // v3 LS type is a 16-bit field at the same position, masked below
	}
	for off := 0; off+lsaHdrLen <= len(data); off += lsaHdrLen {
		var lsType uint16
		if v3 {
			lsType = be.Uint16(data[off+lsTypeOff:off+lsTypeOff+2]) & 0x1fff
		} else {
			lsType = uint16(data[off+lsTypeOff])
		}
		addLSType(s, g, lsType)
	}
}

func boundedASCII(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
