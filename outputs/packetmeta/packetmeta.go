// Package packetmeta implements the packet-metadata text file: one
// tab-separated row per packet, header emitted once, covering the frame
// and IP/L4 header fields that are derivable from a single packet in
// isolation (no per-flow dissector state is read — each dissector's slot
// is private, and PacketSink only ever sees one packet at a time).
package packetmeta

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

var be = binary.BigEndian

var columns = []string{
	"time", "wireLen", "l3Len", "l4Len", "l7Len",
	"srcIP", "dstIP", "proto",
	"ipToS", "ipID", "ipFlags", "ipFragOff", "ipTTL",
	"ipChkCaptured", "ipChkComputed",
	"l4ChkCaptured", "l4ChkComputed",
	"tcpSeq", "tcpAck", "tcpFlags", "tcpWindow",
	"tcpMSS", "tcpWindowScale", "tcpOptKinds",
}

// Writer appends one TSV row per packet to an underlying io.Writer,
// implementing dissector.PacketSink.
type Writer struct {
	w           *bufio.Writer
	headerDone  bool
	Packets     uint64
}

// NewWriter returns a Writer appending to w. The column header is written
// lazily, on the first OnPacket call, so an empty capture produces an
// empty file rather than a header with no rows.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// OnPacket implements dissector.PacketSink.
func (pw *Writer) OnPacket(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	if !pw.headerDone {
		pw.writeHeader()
		pw.headerDone = true
	}
	pw.writeRow(pkt)
	pw.Packets++
}

// Flush flushes buffered rows to the underlying writer.
func (pw *Writer) Flush() error { return pw.w.Flush() }

func (pw *Writer) writeHeader() {
	for i, c := range columns {
		if i > 0 {
			pw.w.WriteByte('\t')
		}
		pw.w.WriteString(c)
	}
	pw.w.WriteByte('\n')
}

func (pw *Writer) writeRow(pkt *packet.Packet) {
	ipChk, ipChkOK := ipv4Checksum(pkt)
	l4Chk, l4ChkOK := l4Checksum(pkt)

	fmt.Fprintf(pw.w, "%d\t%d\t%d\t%d\t%d\t%s\t%s\t%d\t",
		pkt.Timestamp.UnixMicro(),
		pkt.WireLen,
		pkt.FullLen(packet.L3),
		pkt.FullLen(packet.L4),
		pkt.FullLen(packet.L7),
		addrString(pkt.SrcIP), addrString(pkt.DstIP),
		pkt.Protocol,
	)
	fmt.Fprintf(pw.w, "%d\t%d\t%d\t%d\t%d\t",
		pkt.ToS, pkt.IPID, pkt.IPFlags, pkt.FragOff, pkt.TTL)
	writeChecksumPair(pw.w, ipChk, ipChkOK)
	pw.w.WriteByte('\t')
	writeChecksumPair(pw.w, l4Chk, l4ChkOK)
	pw.w.WriteByte('\t')

	if pkt.Protocol == packet.PROTO_TCP {
		mss, wscale, kinds := tcpOptionSummary(pkt)
		fmt.Fprintf(pw.w, "%d\t%d\t%02x\t%d\t%d\t%d\t%s",
			pkt.TCPSeq(), pkt.TCPAck(), pkt.TCPFlags(), pkt.TCPWindow(),
			mss, wscale, hex.EncodeToString(kinds))
	} else {
		pw.w.WriteString("0\t0\t00\t0\t0\t0\t")
	}
	pw.w.WriteByte('\n')
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// checksumPair is (captured, computed); the ok flag returned beside it
// lets a non-IPv4 or snap-truncated packet report "not available" rather
// than a misleading 0/0 match.
type checksumPair struct {
	captured, computed uint16
}

func writeChecksumPair(w io.Writer, p checksumPair, ok bool) {
	if !ok {
		io.WriteString(w, "-\t-")
		return
	}
	fmt.Fprintf(w, "%04x\t%04x", p.captured, p.computed)
}

// ipv4Checksum reads the captured IPv4 header checksum (offset 10) and
// recomputes the standard Internet checksum (RFC 1071) over the header
// with that field zeroed. This package only reports the two values;
// classifying mismatch into a status bit is tcpstate's concern, not this
// per-packet text sink's.
func ipv4Checksum(pkt *packet.Packet) (checksumPair, bool) {
	if pkt.IPVersion != 4 {
		return checksumPair{}, false
	}
	hdr := pkt.Bytes(packet.L3)
	if len(hdr) < 20 {
		return checksumPair{}, false
	}
	captured := be16(hdr[10:12])

	scratch := make([]byte, 20)
	copy(scratch, hdr[:20])
	scratch[10], scratch[11] = 0, 0
	return checksumPair{captured, internetChecksum(scratch)}, true
}

// l4Checksum recomputes the TCP/UDP checksum over a pseudo-header plus
// the captured L4+L7 bytes. Only correct when the whole segment (not
// just the header) was captured; returns ok=false otherwise so a
// snap-truncated packet doesn't report a spurious mismatch.
func l4Checksum(pkt *packet.Packet) (checksumPair, bool) {
	if pkt.Protocol != packet.PROTO_TCP && pkt.Protocol != packet.PROTO_UDP {
		return checksumPair{}, false
	}
	if pkt.Truncated(packet.L4) {
		return checksumPair{}, false
	}
	l4 := pkt.Bytes(packet.L4)
	var chkOff int
	switch pkt.Protocol {
	case packet.PROTO_TCP:
		chkOff = 16
	case packet.PROTO_UDP:
		chkOff = 6
	}
	if len(l4) < chkOff+2 {
		return checksumPair{}, false
	}
	captured := be16(l4[chkOff : chkOff+2])

	pseudo := pseudoHeader(pkt, len(l4))
	scratch := append(pseudo, l4...)
	scratch[len(pseudo)+chkOff] = 0
	scratch[len(pseudo)+chkOff+1] = 0
	return checksumPair{captured, internetChecksum(scratch)}, true
}

func pseudoHeader(pkt *packet.Packet, l4Len int) []byte {
	if pkt.IPVersion == 6 {
		b := make([]byte, 40)
		src16, dst16 := pkt.SrcIP.As16(), pkt.DstIP.As16()
		copy(b[0:16], src16[:])
		copy(b[16:32], dst16[:])
		be.PutUint32(b[32:36], uint32(l4Len))
		b[39] = pkt.Protocol
		return b
	}
	b := make([]byte, 12)
	src4, dst4 := pkt.SrcIP.As4(), pkt.DstIP.As4()
	copy(b[0:4], src4[:])
	copy(b[4:8], dst4[:])
	b[9] = pkt.Protocol
	be.PutUint16(b[10:12], uint16(l4Len))
	return b
}

// internetChecksum computes the RFC 1071 one's-complement checksum over
// b, padding an odd trailing byte with zero.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(be16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func be16(b []byte) uint16 { return be.Uint16(b) }

// tcpOptionSummary walks the TCP options looking for MSS and Window
// Scale, and returns every option kind byte seen in encounter order (the
// "TCP options bitmap" column — reported as the raw kind sequence rather
// than a fixed-width bitmask since option kinds can exceed 32, the width
// of a single bitmap word).
func tcpOptionSummary(pkt *packet.Packet) (mss uint16, windowScale uint8, kinds []byte) {
	opts := pkt.TCPOptions()
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case 0: // end of options
			return
		case 1: // no-op
			kinds = append(kinds, kind)
			i++
			continue
		}
		if i+1 >= len(opts) {
			return
		}
		optLen := int(opts[i+1])
		if optLen < 2 || i+optLen > len(opts) {
			return
		}
		kinds = append(kinds, kind)
		switch kind {
		case 2: // MSS
			if optLen == 4 {
				mss = be16(opts[i+2 : i+4])
			}
		case 3: // Window Scale
			if optLen == 3 {
				windowScale = opts[i+2]
			}
		}
		i += optLen
	}
	return
}
