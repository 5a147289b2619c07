package tcpstate

import (
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/stretchr/testify/assert"
)

func buildSegment(seq, ack uint32, flags uint8, window uint16, payload []byte, ttl uint8) []byte {
	buf := make([]byte, 14+20+20+len(payload))
	be.PutUint16(buf[12:], 0x0800)

	ip := buf[14:34]
	ip[0] = 0x45
	be.PutUint16(ip[2:], uint16(20+20+len(payload)))
	ip[8] = ttl
	ip[9] = packet.PROTO_TCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	tcp := buf[34:54]
	be.PutUint32(tcp[4:], seq)
	be.PutUint32(tcp[8:], ack)
	tcp[12] = 5 << 4
	tcp[13] = flags
	be.PutUint16(tcp[14:], window)

	copy(buf[54:], payload)
	return buf
}

func decodedSeg(seq, ack uint32, flags uint8, window uint16, payload []byte, ttl uint8, ts time.Time) *packet.Packet {
	raw := buildSegment(seq, ack, flags, window, payload, ttl)
	p := packet.New(ts, len(raw), raw, false)
	p.Decode()
	return p
}

func TestClassifyFlags(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(flagNULL, classifyFlags(0))
	assert.Equal(flagSYNACK, classifyFlags(tcpSYN|tcpACK))
	assert.Equal(flagXMAS, classifyFlags(tcpFIN|tcpPSH|tcpURG))
	assert.Equal(flagSYN, classifyFlags(tcpSYN))
}

func TestHandshake_RTTTrip(t *testing.T) {
	assert := assert.New(t)
	d := New(DefaultConfig())
	tbl := flowtable.New()

	recA := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}
	recB := &flowtable.Record{Findex: 2, Opposite: flowtable.NotFound}
	recA.Opposite, recB.Opposite = 2, 1

	t0 := time.Unix(0, 0)
	syn := decodedSeg(1000, 0, tcpSYN, 65535, nil, 64, t0)
	d.OnNewFlow(recA, syn, dir.DIR_A)
	d.OnLayer4(recA, tbl, syn, dir.DIR_A)

	t1 := t0.Add(50 * time.Millisecond)
	synack := decodedSeg(2000, 1001, tcpSYN|tcpACK, 65535, nil, 64, t1)
	d.OnNewFlow(recB, synack, dir.DIR_B)
	d.OnLayer4(recB, tbl, synack, dir.DIR_B)

	sB := d.slots[2]
	assert.True(sB.haveTrip)
	assert.InDelta(0.05, sB.tripSec, 0.01)
}

func TestSeqAckEngine_GoodSequenceIncrementsCounter(t *testing.T) {
	assert := assert.New(t)
	d := New(DefaultConfig())
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	t0 := time.Unix(0, 0)
	p1 := decodedSeg(1000, 0, tcpSYN, 65535, nil, 64, t0)
	d.OnNewFlow(rec, p1, dir.DIR_A)
	d.OnLayer4(rec, tbl, p1, dir.DIR_A)

	p2 := decodedSeg(1001, 1, tcpACK, 65535, []byte("hello"), 64, t0.Add(time.Millisecond))
	d.OnLayer4(rec, tbl, p2, dir.DIR_A)

	s := d.slots[1]
	assert.Equal(uint32(2), s.pseqCnt)
	assert.Equal(uint32(0), s.seqFaultCnt)
}

func TestWindowStats_MinMaxAndChangeCounts(t *testing.T) {
	assert := assert.New(t)
	d := New(DefaultConfig())
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	t0 := time.Unix(0, 0)
	p1 := decodedSeg(1000, 0, tcpACK, 10000, nil, 64, t0)
	d.OnNewFlow(rec, p1, dir.DIR_A)
	d.OnLayer4(rec, tbl, p1, dir.DIR_A)

	p2 := decodedSeg(1000, 0, tcpACK, 20000, nil, 64, t0.Add(time.Millisecond))
	d.OnLayer4(rec, tbl, p2, dir.DIR_A)

	s := d.slots[1]
	assert.Equal(uint32(10000), s.winMin)
	assert.Equal(uint32(20000), s.winMax)
	assert.Equal(uint32(1), s.winUpCnt)
}

func TestScanDetection_SynOnlyFlow(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	d := New(cfg)
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	t0 := time.Unix(0, 0)
	p := decodedSeg(1000, 0, tcpSYN, 65535, nil, 64, t0)
	d.OnNewFlow(rec, p, dir.DIR_A)
	d.OnLayer4(rec, tbl, p, dir.DIR_A)

	buf := schema.NewBuffer()
	d.OnFlowTerminate(rec, tbl, buf)
	assert.NotEmpty(buf.Bytes())
}

func TestBootTimeEstimation_UsesTimestampOption(t *testing.T) {
	assert := assert.New(t)
	d := New(DefaultConfig())
	s := &slot{}

	t0 := time.Unix(10, 0)
	d.recordTimestamp(s, &packet.Packet{Timestamp: t0}, 1000)
	t1 := time.Unix(11, 0)
	d.recordTimestamp(s, &packet.Packet{Timestamp: t1}, 2000)
	s.ipTTLLast = 64

	d.updateBootTime(s, &packet.Packet{Timestamp: t1})
	assert.InDelta(0.001, s.bootTimeEst, 1e-6)
}

func TestTTLHeuristic(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(0.1, ttlHeuristic(200))
	assert.Equal(0.004, ttlHeuristic(64))
	assert.Equal(0.01, ttlHeuristic(40))
	assert.Equal(0.001, ttlHeuristic(10))
}
