package netflow

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var be = binary.BigEndian

type fakeExporter struct {
	writes [][]byte
}

func (f *fakeExporter) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func buildTCPSYN(srcPort, dstPort uint16) []byte {
	buf := make([]byte, 14+20+20)
	be.PutUint16(buf[12:], 0x0800)
	ip := buf[14:34]
	ip[0] = 0x45
	be.PutUint16(ip[2:], 40)
	ip[8] = 64
	ip[9] = packet.PROTO_TCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	tcp := buf[34:]
	be.PutUint16(tcp[0:], srcPort)
	be.PutUint16(tcp[2:], dstPort)
	tcp[12] = 5 << 4
	tcp[13] = 0x02 // SYN
	return buf
}

func decodedPkt(raw []byte, ts time.Time) *packet.Packet {
	p := packet.New(ts, len(raw), raw, false)
	p.Decode()
	return p
}

func newRecord(findex uint64, srcPort, dstPort uint16) *flowtable.Record {
	return &flowtable.Record{
		Findex: findex,
		Key: flowtable.Key{
			Src:     netip.MustParseAddr("10.0.0.1"),
			Dst:     netip.MustParseAddr("10.0.0.2"),
			SrcPort: srcPort,
			DstPort: dstPort,
			Proto:   packet.PROTO_TCP,
		},
		IPVersion: 4,
		Direction: dir.DIR_A,
	}
}

func TestOnFlowTerminate_FlushesImmediatelyAtMaxBatch(t *testing.T) {
	assert := assert.New(t)
	exp := &fakeExporter{}
	boot := time.Unix(1700000000, 0)
	d := New(exp, 1, boot, 7, 0)

	rec := newRecord(1, 51000, 80)
	pkt := decodedPkt(buildTCPSYN(51000, 80), boot.Add(time.Second))
	rec.FirstSeen = pkt.Timestamp
	rec.LastSeen = pkt.Timestamp

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, nil, pkt, dir.DIR_A)
	d.OnFlowTerminate(rec, nil, schema.NewBuffer())

	require.Len(t, exp.writes, 1)
	assert.Empty(d.fields)
}

func TestOnFlowTerminate_BatchesUntilMaxFlowsPerMsg(t *testing.T) {
	assert := assert.New(t)
	exp := &fakeExporter{}
	boot := time.Unix(1700000000, 0)
	d := New(exp, 2, boot, 7, 0)

	for i := uint64(1); i <= 2; i++ {
		rec := newRecord(i, uint16(50000+i), 80)
		pkt := decodedPkt(buildTCPSYN(uint16(50000+i), 80), boot.Add(time.Second))
		rec.FirstSeen = pkt.Timestamp
		rec.LastSeen = pkt.Timestamp

		d.OnNewFlow(rec, pkt, dir.DIR_A)
		d.OnLayer4(rec, nil, pkt, dir.DIR_A)
		d.OnFlowTerminate(rec, nil, schema.NewBuffer())
	}

	require.Len(t, exp.writes, 1)
	payload := exp.writes[0]
	assert.EqualValues(9, be.Uint16(payload[0:2])) // version
}

func TestOnFlowTerminate_IPv6SkippedNotExported(t *testing.T) {
	assert := assert.New(t)
	exp := &fakeExporter{}
	d := New(exp, 1, time.Unix(0, 0), 1, 0)

	rec := newRecord(1, 1234, 443)
	rec.IPVersion = 6
	rec.Key.Src = netip.MustParseAddr("2001:db8::1")
	rec.Key.Dst = netip.MustParseAddr("2001:db8::2")
	pkt := decodedPkt(buildTCPSYN(1234, 443), time.Unix(1700000001, 0))

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, nil, pkt, dir.DIR_A)
	d.OnFlowTerminate(rec, nil, schema.NewBuffer())

	assert.Empty(exp.writes)
}

func TestFlush_NoOpWhenNothingBuffered(t *testing.T) {
	assert := assert.New(t)
	exp := &fakeExporter{}
	d := New(exp, 30, time.Unix(0, 0), 1, 0)
	d.Flush()
	assert.Empty(exp.writes)
}
