package dhcp

import (
	"net/netip"

	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

// dhcp4HeaderLen is the fixed BOOTP/DHCPv4 header size: 1+1+1+1+4+2+2+4*4
// (opcode, hwType, hwAddrLen, hopCnt, transID, num_sec, flags, 4 IPs) +
// 16 bytes client hw address + 64 server host name + 128 boot file name +
// 4 magic cookie.
const dhcp4HeaderLen = 1 + 1 + 1 + 1 + 4 + 2 + 2 + 4*4 + 16 + 64 + 128 + 4

const dhcpBcastFlag = 0x0080 // network order, BOOTP "broadcast" flag bit

// decode4 parses a BOOTP/DHCPv4 packet into s.
func (d *Dissector) decode4(rec *flowtable.Record, tbl *flowtable.Table, s *slot, pkt *packet.Packet) {
	b := pkt.Bytes(packet.L7)
	if len(b) < dhcp4HeaderLen {
		return
	}

	opcode := b[0]
	hwType := b[1]
	hwAddrLen := b[2]
	hopCnt := b[3]
	numSecBE := be.Uint16(b[8:10])
	flags := be.Uint16(b[10:12])

	switch opcode {
	case bootRequest:
		s.status |= StatRequest
	case bootReply:
		s.status |= StatReply
	default:
		s.status |= StatMalformed
	}

	hwt := hwType
	if hwt > 63 {
		hwt = 63
	}
	s.hwType |= 1 << hwt

	if hopCnt <= 16 {
		s.hopCnt |= 1 << hopCnt
	} else {
		s.hopCnt |= 1 << 31
	}

	if flags&dhcpBcastFlag != 0 {
		s.status |= StatBroadcast
	}

	// Windows encodes num_sec little-endian; if the byte-swapped value is
	// smaller than the as-read value, the field was mis-encoded.
	secEl := numSecBE
	if swap16(numSecBE) < numSecBE {
		s.status |= StatSecElNonStd
		secEl = swap16(numSecBE)
	}
	if secEl > s.maxSecEl {
		s.maxSecEl = secEl
	}

	s.cliIP = v4At(b, 12)
	s.yourIP = v4At(b, 16)
	s.nextSrvr = v4At(b, 20)
	s.relayIP = v4At(b, 24)

	var clientMAC [6]byte
	if hwType != 1 || hwAddrLen != 6 {
		s.status |= StatNonEthHW
	} else {
		copy(clientMAC[:], b[28:34])
		addHWAddr(s, clientMAC)
	}

	s.serverName = boundedString(b[44:108])
	s.bootFile = boundedString(b[108:236])

	if be.Uint32(b[236:240]) != magicCookie {
		s.status |= StatMagicCookieBad
		return
	}

	opts := b[dhcp4HeaderLen:]
	msgT := d.walkOptions4(s, opts)

	switch msgT {
	case msgRequest:
		d.linkRequestToOffer(rec, tbl, s, pkt)
	case msgACK:
		d.bindMAC(s, clientMAC)
	case msgDecline, msgRelease:
		d.unbindMAC(s)
	}
}

// walkOptions4 walks the DHCPv4 option TLVs (type8, len8) until the end
// marker or option-field exhaustion. Returns the DHCP message type
// (option 53), 0 if absent.
func (d *Dissector) walkOptions4(s *slot, opts []byte) uint8 {
	var msgT uint8
	i := 0
	for i < len(opts) && opts[i] != dhcpOptEnd {
		if i+1 >= len(opts) {
			s.status |= StatOptionsCorrupt
			return msgT
		}
		optC := opts[i]
		optL := int(opts[i+1])
		val := i + 2
		if val+optL > len(opts) {
			s.status |= StatOptionsCorrupt
			return msgT
		}

		switch optC {
		case 50: // Requested IP address
			if optL >= 4 {
				s.reqIP = v4At(opts, val)
			}
		case 51: // IP Address Lease Time
			if optL >= 4 {
				s.leaseT = be.Uint32(opts[val:])
			}
		case 52: // Option Overload
			s.status |= StatOptionOverload
		case 53: // DHCP Message Type
			if optL >= 1 {
				msgT = opts[val]
				if msgT == 0 {
					s.status |= StatMsgTypeUnknown
				} else {
					s.msgTypeBF |= 1 << msgT
					s.msgType = msgT
				}
			}
		case 54: // Server Identifier
			if optL >= 4 {
				s.srvID = v4At(opts, val)
			}
		case 58: // Renewal (T1) time
			if optL >= 4 {
				s.renewT = be.Uint32(opts[val:])
			}
		case 59: // Rebinding (T2) time
			if optL >= 4 {
				s.rebindT = be.Uint32(opts[val:])
			}
		case 12: // Host Name
			s.hostNames = addName(s.hostNames, string(opts[val:val+optL]), &s.status)
		case 15: // Domain Name
			s.domainN = addName(s.domainN, string(opts[val:val+optL]), &s.status)
		case 61: // Client Identifier
			// flag a mismatch between the client identifier and the client
			// hardware address when type isn't FQDN/UUID.
			if optL >= 1 && opts[val] != 0 && opts[val] != 254 {
				s.status |= StatClientIDMismatch
			}
		}

		addOptBit(s, optC)
		i += optL + 2
	}
	if i >= len(opts) || opts[i] != dhcpOptEnd {
		s.status |= StatOptionsCorrupt
	}
	return msgT
}

// linkRequestToOffer synthesizes the OFFER flow's key from this REQUEST
// packet's (server, client) addresses and looks it up in the main flow
// table; if found, cross-sets each flow's lflow to the other's findex.
func (d *Dissector) linkRequestToOffer(rec *flowtable.Record, tbl *flowtable.Table, s *slot, pkt *packet.Packet) {
	if !s.srvID.IsValid() || !s.reqIP.IsValid() {
		return
	}
	parentKey := flowtable.Key{
		VLAN:       rec.Key.VLAN,
		Src:        s.srvID,
		Dst:        s.reqIP,
		SrcPort:    pkt.DstPort,
		DstPort:    pkt.SrcPort,
		Proto:      rec.Key.Proto,
		SCTPVTag:   rec.Key.SCTPVTag,
		SCTPStream: rec.Key.SCTPStream,
	}
	parent, ok := tbl.Lookup(parentKey)
	if !ok {
		return
	}
	s.lflow = int64(parent.Findex)
	d.slotFor(parent.Findex).lflow = int64(rec.Findex)
}

// bindMAC records (client IP -> MAC) in the process-wide table on ACK.
func (d *Dissector) bindMAC(s *slot, mac [6]byte) {
	ip := s.yourIP
	if !ip.IsValid() || ip == unsetV4 {
		ip = s.cliIP
	}
	if !ip.IsValid() {
		return
	}
	d.macTable.Store(ip, mac)
}

// unbindMAC removes the client IP's binding on DECLINE/RELEASE.
func (d *Dissector) unbindMAC(s *slot) {
	ip := s.yourIP
	if !ip.IsValid() || ip == unsetV4 {
		ip = s.cliIP
	}
	if !ip.IsValid() {
		return
	}
	d.macTable.Delete(ip)
}

func v4At(b []byte, off int) netip.Addr {
	if off+4 > len(b) {
		return unsetV4
	}
	return netip.AddrFrom4([4]byte(b[off : off+4]))
}

func swap16(v uint16) uint16 { return v<<8 | v>>8 }

// boundedString scans for a NUL terminator within b but never reads past
// it, returning "" if none is found (an unterminated field is treated as
// absent rather than risking an overrun).
func boundedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return ""
}
