package voip

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/stretchr/testify/assert"
)

var beTest = binary.BigEndian

func buildUDP(srcPort, dstPort uint16, srcIP, dstIP [4]byte, payload []byte) []byte {
	udpLen := 8 + len(payload)
	buf := make([]byte, 14+20+udpLen)
	beTest.PutUint16(buf[12:], 0x0800)

	ip := buf[14:34]
	ip[0] = 0x45
	beTest.PutUint16(ip[2:], uint16(20+udpLen))
	ip[8] = 64
	ip[9] = packet.PROTO_UDP
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])

	udp := buf[34:]
	beTest.PutUint16(udp[0:], srcPort)
	beTest.PutUint16(udp[2:], dstPort)
	beTest.PutUint16(udp[4:], uint16(udpLen))
	copy(udp[8:], payload)

	return buf
}

func decodedPkt(raw []byte) *packet.Packet {
	p := packet.New(time.Unix(0, 0), len(raw), raw, false)
	p.Decode()
	return p
}

func buildRTP(seq uint16, ts, ssrc uint32, marker bool, pt uint8, payload []byte) []byte {
	hdr := make([]byte, 12)
	hdr[0] = rtpVersion2
	b1 := pt
	if marker {
		b1 |= rtpMarkerBit
	}
	hdr[1] = b1
	beTest.PutUint16(hdr[2:4], seq)
	beTest.PutUint32(hdr[4:8], ts)
	beTest.PutUint32(hdr[8:12], ssrc)
	return append(hdr, payload...)
}

func TestDecodeRTP_TracksSequenceAndSSRC(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	raw1 := buildUDP(40000, 40002, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		buildRTP(100, 1600, 0xAABBCCDD, true, ptPCMU, []byte("abcd")))
	pkt1 := decodedPkt(raw1)
	d.OnNewFlow(rec, pkt1, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt1, dir.DIR_A)

	raw2 := buildUDP(40000, 40002, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2},
		buildRTP(101, 1760, 0xAABBCCDD, false, ptPCMU, []byte("efgh")))
	pkt2 := decodedPkt(raw2)
	d.OnLayer4(rec, tbl, pkt2, dir.DIR_A)

	s := d.slots[1]
	assert.NotZero(s.status & StatRTP)
	assert.Equal(uint16(101), s.seq)
	assert.Contains(s.ssrcs, uint32(0xAABBCCDD))
	assert.Equal(uint32(2), s.pktCount)
}

func TestDecodeRTCP_SenderReportFields(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 2, Opposite: flowtable.NotFound}

	hdr := make([]byte, 8)
	hdr[0] = 0x80 // V=2, RC=0
	hdr[1] = rtcpSR
	beTest.PutUint16(hdr[2:4], 6) // length = 6 words -> (6+1)*4 = 28 bytes total
	beTest.PutUint32(hdr[4:8], 0x11112222)

	body := make([]byte, 20)
	beTest.PutUint32(body[12:16], 42) // sender packet count
	beTest.PutUint32(body[16:20], 9000) // sender byte count

	raw := buildUDP(40010, 40012, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, append(hdr, body...))
	pkt := decodedPkt(raw)
	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	s := d.slots[2]
	assert.NotZero(s.status & StatRTCP)
	assert.Equal(uint32(42), s.rtcp.srPktCount)
	assert.Equal(uint32(9000), s.rtcp.srByteCount)
}

func TestDecodeSIP_InviteWithSDPCorrelatesRTP(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()

	// first, an RTP flow is created against 10.0.0.9:30000 and sends one packet
	// so the correlator learns its SSRC.
	rtpRec := &flowtable.Record{Findex: 11, Opposite: flowtable.NotFound}
	rtpRaw := buildUDP(30000, 30000, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 9},
		buildRTP(1, 100, 0xCAFEBABE, false, ptPCMU, []byte("x")))
	rtpPkt := decodedPkt(rtpRaw)
	d.OnNewFlow(rtpRec, rtpPkt, dir.DIR_A)
	d.OnLayer4(rtpRec, tbl, rtpPkt, dir.DIR_A)

	sipRec := &flowtable.Record{Findex: 12, Opposite: flowtable.NotFound}
	body := "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"From: <sip:alice@example.com>\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"Call-ID: abc123@example.com\r\n" +
		"Content-Type: application/sdp\r\n" +
		"\r\n" +
		"v=0\r\n" +
		"o=alice 123 456 IN IP4 10.0.0.9\r\n" +
		"c=IN IP4 10.0.0.9\r\n" +
		"m=audio 30000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"
	sipRaw := buildUDP(5060, 5060, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, []byte(body))
	sipPkt := decodedPkt(sipRaw)
	d.OnNewFlow(sipRec, sipPkt, dir.DIR_A)
	d.OnLayer4(sipRec, tbl, sipPkt, dir.DIR_A)

	s := d.slots[12]
	assert.NotZero(s.status & StatSIP)
	assert.NotZero(s.status & StatSDP)
	assert.Contains(s.sip.from, "<sip:alice@example.com>")
	assert.Len(s.sip.announced, 1)
	assert.Equal(uint16(30000), s.sip.announced[0].audioPort)

	d.resolveLinks(s)
	if assert.Len(s.sip.linkedFindex, 1) {
		assert.Equal(uint64(11), s.sip.linkedFindex[0])
		assert.Equal(uint32(0xCAFEBABE), s.sip.linkedSSRC[0])
	}

	buf := schema.NewBuffer()
	d.OnFlowTerminate(sipRec, tbl, buf)
	assert.NotEmpty(buf.Bytes())
}

