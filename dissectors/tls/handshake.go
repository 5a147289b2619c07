package tls

import "github.com/flowlens/flowlens/flowtable"

// clientHello holds the ClientHello fields the Tor classifier and JA3
// fingerprint need.
type clientHello struct {
	version uint16
	ciphers []uint16
	sni     string

	emptyRenegotiationLast bool
	nonTorExtension        bool
	extensions             []uint16
}

type serverHello struct {
	version         uint16
	nonTorExtension bool
}

// decodeHandshake reads one Handshake-record body: type(1) len(3),
// possibly a DTLS fragment header, then dispatches on the handshake
// type. Unlike SMB's multi-segment reassembly, a handshake message that
// doesn't fit entirely in one record is simply abandoned (single-record
// sliding parse, see DESIGN.md).
func (d *Dissector) decodeHandshake(rec *flowtable.Record, tbl *flowtable.Table, s *slot, body []byte, isDTLS bool) {
	if len(body) < 4 {
		return
	}
	htype := body[0]
	hlen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	off := 4
	if isDTLS {
		off += 8 // message_seq(2) fragment_offset(3) fragment_length(3)
	}
	if off+hlen > len(body) {
		hlen = len(body) - off // tolerate a record boundary split, best-effort
	}
	if hlen < 0 {
		return
	}
	msg := body[off:]
	if len(msg) > hlen {
		msg = msg[:hlen]
	}

	switch htype {
	case htClientHello:
		d.decodeHello(rec, tbl, s, msg, true)
	case htServerHello:
		d.decodeHello(rec, tbl, s, msg, false)
	case htCertificate:
		d.decodeCertificate(rec, tbl, s, msg)
	}
}

// cur is a small bounds-checked cursor over a handshake message body.
type cur struct {
	b   []byte
	pos int
	ok  bool
}

func newCur(b []byte) *cur { return &cur{b: b, ok: true} }

func (c *cur) left() int { return len(c.b) - c.pos }

func (c *cur) u8() uint8 {
	if !c.ok || c.left() < 1 {
		c.ok = false
		return 0
	}
	v := c.b[c.pos]
	c.pos++
	return v
}

func (c *cur) u16() uint16 {
	if !c.ok || c.left() < 2 {
		c.ok = false
		return 0
	}
	v := be.Uint16(c.b[c.pos : c.pos+2])
	c.pos += 2
	return v
}

func (c *cur) skip(n int) {
	if !c.ok || c.left() < n {
		c.ok = false
		return
	}
	c.pos += n
}

func (c *cur) bytes(n int) []byte {
	if !c.ok || c.left() < n {
		c.ok = false
		return nil
	}
	v := c.b[c.pos : c.pos+n]
	c.pos += n
	return v
}

// decodeHello parses a ClientHello or ServerHello body (everything
// after the handshake header): protocol version, random, session id,
// then (client only) the cipher list, compression methods, and
// extensions.
func (d *Dissector) decodeHello(rec *flowtable.Record, tbl *flowtable.Table, s *slot, msg []byte, isClient bool) {
	c := newCur(msg)
	version := c.u16()
	if !c.ok || !versionIsValid(version) {
		return // probably encrypted or not actually a hello
	}
	c.skip(helloRandomLen)
	sessionLen := int(c.u8())
	c.skip(sessionLen)

	var ciphers []uint16
	emptyRenegLast := false

	if isClient {
		cipherBytes := int(c.u16())
		cipherCount := cipherBytes / 2
		// Tor's cipher list is 12-27 entries; outside that range this
		// flow cannot be classified Tor, but the rest of the hello is
		// still parsed for the JA3 fingerprint.
		for i := 0; i < cipherCount && c.ok; i++ {
			ciphers = append(ciphers, c.u16())
		}
		if len(ciphers) > 0 && ciphers[len(ciphers)-1] == tlsEmptyRenegotiationSCSV {
			emptyRenegLast = true
		}
	} else {
		c.u16() // chosen cipher suite
	}

	compLen := int(c.u8())
	c.skip(compLen)

	var sni string
	var extTypes []uint16
	nonTorExt := false

	if c.ok && c.left() > 0 {
		c.u16() // total extensions length
		for c.ok && c.left() > 0 {
			extType := c.u16()
			extLen := int(c.u16())
			if !c.ok {
				break
			}
			extTypes = append(extTypes, extType)
			switch extType {
			case extServerName:
				sni = parseServerName(c, extLen)
			case extRenegInfo:
				if isClient {
					nonTorExt = true
				}
				c.skip(extLen)
			case extALPN, extNPN:
				nonTorExt = true
				c.skip(extLen)
			default:
				c.skip(extLen)
			}
		}
	}

	if isClient {
		s.client = clientHello{
			version:                version,
			ciphers:                ciphers,
			sni:                    sni,
			emptyRenegotiationLast: emptyRenegLast,
			nonTorExtension:        nonTorExt,
			extensions:             extTypes,
		}
		s.ja3 = computeJA3(s.client)

		if emptyRenegLast && !nonTorExt && len(ciphers) >= 12 && len(ciphers) <= 27 && matchSNI(sni) {
			s.status |= StatTor
		}
	} else {
		s.server = serverHello{version: version, nonTorExtension: nonTorExt}
		if nonTorExt {
			if opp := tbl.Opposite(rec); opp != nil {
				if oppS, ok := d.slots[opp.Findex]; ok {
					oppS.status &^= StatTor
				}
			}
		}
	}
}

// parseServerName reads the server_name extension's single HOST_NAME
// entry (RFC 6066 §3); any other entry type is skipped.
func parseServerName(c *cur, extLen int) string {
	if extLen == 0 {
		return ""
	}
	end := c.pos + extLen
	c.u16() // server name list length
	nameType := c.u8()
	if nameType != 0 || !c.ok {
		if c.ok && end <= len(c.b) {
			c.pos = end
		}
		return ""
	}
	nameLen := int(c.u16())
	if nameLen > sniMaxLen {
		nameLen = sniMaxLen
	}
	name := c.bytes(nameLen)
	if c.ok && end <= len(c.b) && c.pos < end {
		c.pos = end
	}
	if name == nil {
		return ""
	}
	return string(name)
}
