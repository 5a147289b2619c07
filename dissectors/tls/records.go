package tls

import (
	"encoding/binary"

	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

var be = binary.BigEndian

// decodeRecords walks one or more TLS/DTLS records in payload, spec
// §4.8's "sliding parse of SSL/TLS records". Only the Handshake record
// type carries fields this package cares about; other record types are
// skipped by their declared length.
func (d *Dissector) decodeRecords(rec *flowtable.Record, tbl *flowtable.Table, s *slot, payload []byte, proto uint8) {
	off := 0
	for len(payload)-off >= recordHdrLen {
		rtype := payload[off]
		if !rtIsValid(rtype) {
			return
		}
		version := be.Uint16(payload[off+1 : off+3])

		hdrEnd := off + 3
		isDTLS := versionIsDTLS(version)
		if isDTLS {
			hdrEnd += 8 // epoch(2) + seqnum(6)
		} else if !versionIsSSL(version) {
			return
		} else if proto == packet.PROTO_UDP {
			return // a non-DTLS version word over UDP isn't a TLS record
		}

		if hdrEnd+2 > len(payload) {
			s.status |= StatSnap
			return
		}
		recLen := int(be.Uint16(payload[hdrEnd : hdrEnd+2]))
		bodyOff := hdrEnd + 2
		if recLen > recordMaxLen {
			return
		}
		if bodyOff+recLen > len(payload) {
			s.status |= StatSnap
			return
		}
		body := payload[bodyOff : bodyOff+recLen]

		if rtype == rtHandshake {
			d.decodeHandshake(rec, tbl, s, body, isDTLS)
		}

		off = bodyOff + recLen
	}
}
