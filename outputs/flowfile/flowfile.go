// Package flowfile implements the binary column-store flow file: one
// length-prefixed record per terminated flow, the flow's key and
// lifecycle metadata followed by the concatenation of every dissector's
// declared schema fields in registration order.
//
// The framing (a length prefix, then a fixed header, then an opaque
// payload, written field-by-field with an accumulated byte count and the
// first error short-circuiting the rest) generalizes from one wire
// message to one flow record.
package flowfile

import (
	"io"
	"net/netip"
	"time"

	"github.com/flowlens/flowlens/binary"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/schema"
)

var msb = binary.Msb

// Writer appends flow records to an underlying io.Writer (typically a
// buffered file handle, optionally gzip-wrapped by the caller the same
// way mrt.Reader's ReadFromPath transparently un-gzips on read).
type Writer struct {
	w       io.Writer
	Flows   uint64 // records written
	Bytes   int64  // payload bytes written (header + schema fields)
}

// NewWriter returns a Writer appending to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// OnFlow implements dissector.FlowSink: called by the dispatcher once per
// terminated flow with that flow's concatenated schema payload.
func (fw *Writer) OnFlow(rec *flowtable.Record, buf *schema.Buffer) {
	fw.WriteFlow(rec, buf.Bytes())
}

// WriteFlow writes one record: a uint32 length (covering everything that
// follows), the flow's key and lifecycle header, then payload verbatim.
// Returns the number of bytes written and the first write error, if any.
func (fw *Writer) WriteFlow(rec *flowtable.Record, payload []byte) (n int64, err error) {
	recLen := fixedHeaderLen(rec) + len(payload)

	k, err := msb.WriteUint32(fw.w, uint32(recLen))
	n += int64(k)
	if err != nil {
		return n, err
	}

	k, err = msb.WriteUint64(fw.w, rec.Findex)
	n += int64(k)
	if err != nil {
		return n, err
	}

	k, err = msb.WriteUint16(fw.w, rec.Key.VLAN)
	n += int64(k)
	if err != nil {
		return n, err
	}

	k, err = msb.WriteUint8(fw.w, rec.IPVersion)
	n += int64(k)
	if err != nil {
		return n, err
	}

	for _, addr := range [2]netip.Addr{rec.Key.Src, rec.Key.Dst} {
		// bring addr to the record's declared width (see fixedHeaderLen)
		if rec.IPVersion == 6 {
			addr = netip.AddrFrom16(addr.As16())
		} else if addr = addr.Unmap(); !addr.Is4() {
			addr = netip.IPv4Unspecified()
		}
		k, err = writeAddr(fw.w, addr)
		n += int64(k)
		if err != nil {
			return n, err
		}
	}

	k, err = msb.WriteUint16(fw.w, rec.Key.SrcPort)
	n += int64(k)
	if err != nil {
		return n, err
	}
	k, err = msb.WriteUint16(fw.w, rec.Key.DstPort)
	n += int64(k)
	if err != nil {
		return n, err
	}

	k, err = msb.WriteUint8(fw.w, rec.Key.Proto)
	n += int64(k)
	if err != nil {
		return n, err
	}

	k, err = msb.WriteUint8(fw.w, uint8(rec.Direction))
	n += int64(k)
	if err != nil {
		return n, err
	}

	for _, ts := range [2]time.Time{rec.FirstSeen, rec.LastSeen} {
		k, err = writeTimestamp(fw.w, ts)
		n += int64(k)
		if err != nil {
			return n, err
		}
	}

	k, err = msb.WriteUint32(fw.w, uint32(rec.Status))
	n += int64(k)
	if err != nil {
		return n, err
	}

	k, err = fw.w.Write(payload)
	n += int64(k)
	if err != nil {
		return n, err
	}

	fw.Flows++
	fw.Bytes += n
	return n, nil
}

// fixedHeaderLen is the portion of WriteFlow's output that follows the
// length prefix itself: findex(8) + vlan(2) + ipVersion(1) + 2 addresses
// + ports(2+2) + proto(1) + direction(1) + 2 timestamps(12 each) +
// status(4).
func fixedHeaderLen(rec *flowtable.Record) int {
	addrLen := 4
	if rec.IPVersion == 6 {
		addrLen = 16
	}
	return 8 + 2 + 1 + 2*addrLen + 2 + 2 + 1 + 1 + 2*12 + 4
}

// writeAddr writes a as IPv4 = 4 bytes, IPv6 = 16 bytes. WriteFlow first
// converts each address to the record's declared width, so an invalid
// (zero-value) address writes as all-zero of that width, never panics on
// As4()/As16().
func writeAddr(w io.Writer, a netip.Addr) (n int, err error) {
	if a.Is4() {
		b := a.As4()
		return w.Write(b[:])
	}
	b := a.As16()
	return w.Write(b[:])
}

// writeTimestamp writes (seconds:u64, microseconds:u32), matching
// schema.Buffer.AppendTimestamp's zero-value handling.
func writeTimestamp(w io.Writer, t time.Time) (n int, err error) {
	var sec uint64
	var usec uint32
	if !t.IsZero() {
		sec = uint64(t.Unix())
		usec = uint32(t.Nanosecond() / 1000)
	}
	k, err := msb.WriteUint64(w, sec)
	n += k
	if err != nil {
		return n, err
	}
	k, err = msb.WriteUint32(w, usec)
	n += k
	return n, err
}
