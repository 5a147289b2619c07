package centrality

import (
	"net/netip"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/stretchr/testify/assert"
)

func ipv4Packet(src, dst string) *packet.Packet {
	return &packet.Packet{
		IPVersion: 4,
		SrcIP:     netip.MustParseAddr(src),
		DstIP:     netip.MustParseAddr(dst),
	}
}

func newFlow(findex uint64) *flowtable.Record {
	return &flowtable.Record{Findex: findex, IPVersion: 4}
}

type fakeSink struct {
	rows []struct {
		ip    netip.Addr
		value float64
	}
}

func (s *fakeSink) WriteCentrality(t time.Time, ip netip.Addr, value float64) {
	s.rows = append(s.rows, struct {
		ip    netip.Addr
		value float64
	}{ip, value})
}

func TestOnNewFlow_AccumulatesDirectedEdge(t *testing.T) {
	assert := assert.New(t)
	d := New()

	rec := newFlow(1)
	pkt := ipv4Packet("10.0.0.1", "10.0.0.2")
	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, nil, pkt, dir.DIR_A)

	assert.Len(d.ips, 2)
	assert.EqualValues(1, d.packets)

	k := edgeKey{src: d.ipIndex[pkt.SrcIP], dst: d.ipIndex[pkt.DstIP]}
	assert.EqualValues(1, d.edges[k])
}

func TestOnNewFlow_IgnoresIPv6(t *testing.T) {
	assert := assert.New(t)
	d := New()

	rec := &flowtable.Record{Findex: 1, IPVersion: 6}
	pkt := &packet.Packet{IPVersion: 6}
	d.OnNewFlow(rec, pkt, dir.DIR_A)

	assert.Empty(d.ips)
	assert.Empty(d.edges)
}

func TestFlush_HubScoresHigherThanLeaf(t *testing.T) {
	assert := assert.New(t)
	d := New()
	sink := &fakeSink{}
	d.Sink = sink

	// A hub address receives connections from three distinct leaves;
	// one leaf additionally connects to another leaf directly.
	topology := [][2]string{
		{"10.0.0.1", "10.0.0.254"},
		{"10.0.0.2", "10.0.0.254"},
		{"10.0.0.3", "10.0.0.254"},
		{"10.0.0.1", "10.0.0.2"},
	}
	for i, pair := range topology {
		rec := newFlow(uint64(i + 1))
		pkt := ipv4Packet(pair[0], pair[1])
		d.OnNewFlow(rec, pkt, dir.DIR_A)
		d.OnFlowTerminate(rec, nil, nil)
	}

	d.Flush(time.Unix(1700000000, 0))

	require := assert
	require.Len(sink.rows, 4) // virtual node excluded, 4 distinct real IPs

	scores := make(map[string]float64, len(sink.rows))
	for _, row := range sink.rows {
		scores[row.ip.String()] = row.value
	}

	assert.Greater(scores["10.0.0.254"], scores["10.0.0.3"])
}

func TestFlush_NoOpWithoutSinkOrData(t *testing.T) {
	assert := assert.New(t)
	d := New()
	d.Flush(time.Now()) // no sink, no data: must not panic

	sink := &fakeSink{}
	d.Sink = sink
	d.Flush(time.Now()) // no data yet
	assert.Empty(sink.rows)
}
