package dhcp

import (
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

// DHCPv6 option codes used below.
const (
	opt6ClientID = 1
	opt6ServerID = 2
	opt6StatusCode = 13
	opt6FQDN     = 39
)

// decode6 parses a DHCPv6 message (4-byte header: 1-byte message type,
// 3-byte transaction id, followed by type16/len16 options).
func (d *Dissector) decode6(rec *flowtable.Record, tbl *flowtable.Table, s *slot, pkt *packet.Packet) {
	b := pkt.Bytes(packet.L7)
	if len(b) < 4 {
		s.status |= StatInvalidLen
		return
	}

	msgT := b[0]
	if msgT == 0 {
		s.status |= StatMsgTypeUnknown
	} else {
		s.msgTypeBF |= 1 << (msgT & 31)
		s.msgType = msgT
	}

	opts := b[4:]
	i := 0
	for i+4 <= len(opts) {
		opt := be.Uint16(opts[i:])
		optLen := int(be.Uint16(opts[i+2:]))
		val := i + 4
		if val+optLen > len(opts) {
			s.status |= StatOptionsCorrupt
			break
		}
		body := opts[val : val+optLen]

		switch opt {
		case opt6StatusCode:
			if optLen < 2 {
				s.status |= StatInvalidLen
				return
			}
			// status code (2 bytes) + status message: informational only

		case opt6ClientID, opt6ServerID:
			d.decodeDUID(s, body)

		case opt6FQDN:
			if optLen < 2 {
				s.status |= StatInvalidLen
				return
			}
			name := decodeFQDNLabels(body[1:]) // body[0] is the flags byte
			s.domainN = addName(s.domainN, name, &s.status)
		}

		if opt < 192 {
			addOptBit(s, uint8(opt))
		}
		i = val + optLen
	}
}

// decodeDUID extracts a MAC address from a DUID-LLT (type 1) or DUID-LL
// (type 3) client/server identifier whose hardware type is Ethernet.
func (d *Dissector) decodeDUID(s *slot, body []byte) {
	if len(body) < 4 {
		return
	}
	duidType := be.Uint16(body)
	if duidType != 1 && duidType != 3 {
		return
	}

	off := 2
	hwType := be.Uint16(body[off:])
	off += 2
	s.hwType |= 1 << min16(hwType, 63)

	if duidType == 1 { // DUID-LLT carries a 4-byte time field
		off += 4
	}
	if hwType != 1 {
		s.status |= StatNonEthHW
		return
	}
	if off+6 > len(body) {
		return
	}
	var mac [6]byte
	copy(mac[:], body[off:off+6])
	addHWAddr(s, mac)
}

// decodeFQDNLabels concatenates length-prefixed DNS labels (FQDN option
// 39) separated by '.'.
func decodeFQDNLabels(b []byte) string {
	var out []byte
	i := 0
	for i < len(b) {
		n := int(b[i])
		i++
		if n == 0 || i+n > len(b) {
			break
		}
		if len(out) > 0 {
			out = append(out, '.')
		}
		out = append(out, b[i:i+n]...)
		i += n
	}
	return string(out)
}

func min16(a uint16, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}
