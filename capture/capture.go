// Package capture defines the packet-capture collaborator boundary:
// packet capture (pcap file reader or live NIC driver) is treated as an
// external collaborator out of this module's scope. It declares only the
// contract the core consumes — a sequence of (timestamp, capture length,
// on-wire length, raw bytes) tuples in non-decreasing timestamp order —
// plus one minimal FileSource adapter so cmd/flowlens has something
// runnable offline. FileSource is not a pcap or pcapng reader: real
// deployments plug in a collaborator that speaks one of those formats
// behind the same Source interface.
package capture

import (
	"bufio"
	"io"
	"time"

	"github.com/flowlens/flowlens/binary"
)

// Record is one captured frame as delivered by a Source.
type Record struct {
	Timestamp time.Time
	WireLen   int
	Raw       []byte // capture-length bytes, possibly shorter than WireLen
}

// Source yields Records in non-decreasing timestamp order. Next returns
// io.EOF once exhausted.
type Source interface {
	Next() (*Record, error)
}

// FileSource reads the minimal framed record format written by
// WriteRecord: a harness format for feeding recorded frames through the
// pipeline offline, not a pcap/pcapng reader (see package doc). Each
// record is framed the way outputs/flowfile frames a flow: a 4-byte
// length prefix over everything that follows.
type FileSource struct {
	r *bufio.Reader
}

// NewFileSource wraps r.
func NewFileSource(r io.Reader) *FileSource {
	return &FileSource{r: bufio.NewReader(r)}
}

// Next reads one record, or io.EOF at end of stream.
func (s *FileSource) Next() (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	recLen := binary.Msb.Uint32(lenBuf[:])

	body := make([]byte, recLen)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, err
	}

	sec := binary.Msb.Uint64(body[0:8])
	usec := binary.Msb.Uint32(body[8:12])
	wireLen := binary.Msb.Uint32(body[12:16])
	raw := body[16:]

	return &Record{
		Timestamp: time.Unix(int64(sec), int64(usec)*1000),
		WireLen:   int(wireLen),
		Raw:       raw,
	}, nil
}

// WriteRecord appends one frame to w in FileSource's format, used by
// tests and by any harness that records live traffic for offline replay.
func WriteRecord(w io.Writer, ts time.Time, wireLen int, raw []byte) error {
	body := make([]byte, 16+len(raw))
	binary.Msb.PutUint64(body[0:8], uint64(ts.Unix()))
	binary.Msb.PutUint32(body[8:12], uint32(ts.Nanosecond()/1000))
	binary.Msb.PutUint32(body[12:16], uint32(wireLen))
	copy(body[16:], raw)

	var lenBuf [4]byte
	binary.Msb.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
