package schema

import (
	"encoding/binary"
	"math"
	"net/netip"
	"time"
)

var be = binary.BigEndian

// Buffer is the append-only per-flow output buffer: owned by the
// dispatcher for one on-flow-terminate cycle and appended to by every
// dissector in registration order.
type Buffer struct {
	buf []byte
}

// NewBuffer returns an empty Buffer ready for one flow's worth of fields.
func NewBuffer() *Buffer { return &Buffer{} }

// Bytes returns the buffer's contents so far.
func (b *Buffer) Bytes() []byte { return b.buf }

// Reset empties b for reuse across flows.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

func (b *Buffer) AppendUint8(v uint8) *Buffer {
	b.buf = append(b.buf, v)
	return b
}

func (b *Buffer) AppendUint16(v uint16) *Buffer {
	b.buf = be.AppendUint16(b.buf, v)
	return b
}

func (b *Buffer) AppendUint32(v uint32) *Buffer {
	b.buf = be.AppendUint32(b.buf, v)
	return b
}

func (b *Buffer) AppendUint64(v uint64) *Buffer {
	b.buf = be.AppendUint64(b.buf, v)
	return b
}

func (b *Buffer) AppendFloat64(v float64) *Buffer {
	return b.AppendUint64(math.Float64bits(v))
}

// AppendIP appends the 4 or 16 raw bytes of an IPv4/IPv6 address.
func (b *Buffer) AppendIP(a netip.Addr) *Buffer {
	if a.Is4() {
		a4 := a.As4()
		b.buf = append(b.buf, a4[:]...)
	} else {
		a16 := a.As16()
		b.buf = append(b.buf, a16[:]...)
	}
	return b
}

func (b *Buffer) AppendMAC(mac [6]byte) *Buffer {
	b.buf = append(b.buf, mac[:]...)
	return b
}

// AppendTimestamp appends (seconds:u64, microseconds:u32).
func (b *Buffer) AppendTimestamp(t time.Time) *Buffer {
	if t.IsZero() {
		return b.AppendUint64(0).AppendUint32(0)
	}
	sec := uint64(t.Unix())
	usec := uint32(t.Nanosecond() / 1000)
	return b.AppendUint64(sec).AppendUint32(usec)
}

// AppendString appends a length-prefixed (uint16) string.
func (b *Buffer) AppendString(s string) *Buffer {
	b.AppendUint16(uint16(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// AppendBytes appends a length-prefixed (uint32) raw byte slice.
func (b *Buffer) AppendBytes(p []byte) *Buffer {
	b.AppendUint32(uint32(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

// AppendCount appends the unsigned count that precedes a repeating group.
func (b *Buffer) AppendCount(n int) *Buffer {
	return b.AppendUint32(uint32(n))
}
