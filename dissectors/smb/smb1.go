package smb

import (
	"bytes"

	"github.com/flowlens/flowlens/flowtable"
)

const (
	cmd1WriteAndX   = 0x2F
	cmd1ReadAndX    = 0x2E
	cmd1SessionSetup = 0x73
	cmd1Negotiate   = 0x72
)

// decodeSMB1 parses one SMB1 message whose 28-byte post-magic header is
// hdr; the variable-length word-count/param/data body follows in payload.
// It returns the bytes left over after this message (for pipelined
// messages sharing a segment) and how many were consumed from payload.
//
// The body's own wordCount/byteCount framing is assumed to arrive intact
// within a single segment (spec scope: only the bulk WRITE/READ data
// payload that can legitimately span many segments gets the DATA/RDATA
// treatment; the small fixed command bodies do not).
func (d *Dissector) decodeSMB1(rec *flowtable.Record, tbl *flowtable.Table, s *slot, hdr []byte, payload []byte) ([]byte, int) {
	cmd := hdr[0]
	isResponse := hdr[5]&0x80 != 0
	mid := uint64(le.Uint16(hdr[26:28]))

	if len(payload) < 1 {
		return payload, 0
	}
	wordCount := int(payload[0])
	paramsLen := wordCount * 2
	if len(payload) < 1+paramsLen+2 {
		s.status |= StatMalformed
		return payload, 0
	}
	params := payload[1 : 1+paramsLen]
	byteCountOff := 1 + paramsLen
	byteCount := int(le.Uint16(payload[byteCountOff : byteCountOff+2]))
	dataOff := byteCountOff + 2
	dataEnd := min(dataOff+byteCount, len(payload))
	data := payload[dataOff:dataEnd]
	rest := payload[dataEnd:]

	addOpcode(s, cmd, 1)

	switch cmd {
	case cmd1WriteAndX:
		s.status |= StatWriteFromSMB1
		if !isResponse && wordCount >= 12 {
			fid := uint64(le.Uint16(params[4:6]))
			offset := int64(le.Uint32(params[6:10]))
			dataLenHi := uint32(0)
			if wordCount >= 14 {
				dataLenHi = uint32(le.Uint16(params[18:20]))
			}
			dataLen := int64(dataLenHi<<16 | uint32(le.Uint16(params[20:22])))
			s.startWrite(fid, offset, dataLen, data, rec.Findex, d.Files)
		}

	case cmd1ReadAndX:
		if !isResponse && wordCount >= 10 {
			fid := uint64(le.Uint16(params[4:6]))
			offset := int64(le.Uint32(params[6:10]))
			s.reads[mid] = readReq{fileID: fid, offset: offset}
		} else if isResponse && wordCount >= 12 {
			if rr, ok := s.reads[mid]; ok {
				dataLenHi := uint32(le.Uint16(params[14:16]))
				dataLen := int64(dataLenHi<<16 | uint32(le.Uint16(params[10:12])))
				s.startRead(rr.fileID, rr.offset, dataLen, data, rec.Findex, d.Files)
				delete(s.reads, mid)
			}
		}

	case cmd1SessionSetup:
		if off := findNTLMSSP(data); off >= 0 {
			d.handleNTLMSSP(rec, tbl, s, data[off:])
		}

	case cmd1Negotiate:
		if isResponse {
			parseNegotiate1Response(s, params, data)
		} else {
			parseNegotiate1Request(s, data)
		}
	}

	return rest, len(payload) - len(rest)
}

// parseNegotiate1Request walks the dialect strings of an SMB1 NEGOTIATE
// request, each a 0x02-tagged, NUL-terminated ASCII string.
func parseNegotiate1Request(s *slot, data []byte) {
	for len(data) > 0 {
		if data[0] != 0x02 {
			break
		}
		data = data[1:]
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			break
		}
		addDialect1(s, string(data[:end]))
		data = data[end+1:]
	}
}

// parseNegotiate1Response captures the negotiated security mode; the
// chosen dialect is named by DialectIndex into the request's offered
// list, which this dissector does not retain across the two messages.
func parseNegotiate1Response(s *slot, params, data []byte) {
	_ = data
	if len(params) >= 4 {
		s.securityMode = params[2]
	}
}

func addDialect1(s *slot, name string) {
	for _, d := range s.dialects1 {
		if d == name {
			return
		}
	}
	s.dialects1 = append(s.dialects1, name)
}
