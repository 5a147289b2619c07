package flowfile

import (
	"io"
	"net/netip"
	"time"
)

// Record is one parsed flow-file record: the key/lifecycle header
// ReadFlow decoded, plus the dissector schema payload verbatim (the
// caller decodes it per the schema it was written with).
type Record struct {
	Findex    uint64
	VLAN      uint16
	Src, Dst  netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Proto     uint8
	Direction uint8
	FirstSeen time.Time
	LastSeen  time.Time
	Status    uint32
	Payload   []byte
}

// ReadFlow reads one record written by Writer.WriteFlow, mirroring
// mrt.Mrt.FromBytes's length-prefixed-then-fixed-fields decode. Returns
// io.EOF when r is exhausted exactly at a record boundary.
func ReadFlow(r io.Reader) (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // io.EOF propagates as-is at a clean boundary
	}
	recLen := int(msb.Uint32(lenBuf[:]))

	body := make([]byte, recLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	rec := &Record{}
	off := 0

	rec.Findex = msb.Uint64(body[off:])
	off += 8
	rec.VLAN = msb.Uint16(body[off:])
	off += 2
	ipVersion := body[off]
	off++

	addrLen := 4
	if ipVersion == 6 {
		addrLen = 16
	}
	rec.Src = readAddr(body[off:off+addrLen], ipVersion)
	off += addrLen
	rec.Dst = readAddr(body[off:off+addrLen], ipVersion)
	off += addrLen

	rec.SrcPort = msb.Uint16(body[off:])
	off += 2
	rec.DstPort = msb.Uint16(body[off:])
	off += 2
	rec.Proto = body[off]
	off++
	rec.Direction = body[off]
	off++

	rec.FirstSeen = readTimestamp(body[off:])
	off += 12
	rec.LastSeen = readTimestamp(body[off:])
	off += 12

	rec.Status = msb.Uint32(body[off:])
	off += 4

	rec.Payload = body[off:]
	return rec, nil
}

func readAddr(b []byte, ipVersion uint8) netip.Addr {
	if ipVersion == 6 {
		var a16 [16]byte
		copy(a16[:], b)
		return netip.AddrFrom16(a16)
	}
	var a4 [4]byte
	copy(a4[:], b)
	return netip.AddrFrom4(a4)
}

func readTimestamp(b []byte) time.Time {
	sec := msb.Uint64(b)
	usec := msb.Uint32(b[8:])
	if sec == 0 && usec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(usec)*1000).UTC()
}
