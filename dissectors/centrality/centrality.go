// Package centrality tracks the directed IPv4 connection graph across
// every flow and, at end of capture, scores each address by eigenvector
// centrality: addresses that talk to (or are talked to by) many
// well-connected peers score higher than addresses with the same raw
// connection count but peripheral neighbors.
//
// Flows are folded into a sparse srcIP->dstIP adjacency keyed by a
// process-wide IP->id table, exactly like arp's IP->MAC table and dhcp's
// IP->MAC table are process-wide auxiliary hash tables owned by their
// dissector. Centrality itself produces no per-flow schema columns — like
// netflow, it emits an out-of-band artifact instead, here one row per IP
// via Sink rather than a UDP datagram.
package centrality

import (
	"math"
	"net/netip"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

const Name = "centrality"

// convergenceFactor bounds the power iteration's stopping threshold:
// iterate until the vector update's L2 delta drops below
// 0.01*log1p(nodeCount), or maxIterations is reached, whichever first.
const (
	convergenceFactor = 0.01
	maxIterations     = 1000
)

// Sink receives one (time, ip, centrality) row per address scored at a
// calculation tick. Centrality file: one row per IP per calculation tick.
type Sink interface {
	WriteCentrality(t time.Time, ip netip.Addr, value float64)
}

type edgeKey struct {
	src, dst int
}

// Dissector accumulates directed connection counts between IPv4
// addresses across every flow and scores them by eigenvector centrality
// at end of capture.
type Dissector struct {
	ipIndex map[netip.Addr]int
	ips     []netip.Addr
	edges   map[edgeKey]uint64

	// flowEdge remembers the edge each live flow contributed, so
	// OnFlowTerminate can fold its final weight exactly once.
	flowEdge map[uint64]edgeKey
	counted  map[uint64]bool

	Sink Sink

	packets uint64
}

func New() *Dissector {
	return &Dissector{
		ipIndex:  make(map[netip.Addr]int),
		edges:    make(map[edgeKey]uint64),
		flowEdge: make(map[uint64]edgeKey),
		counted:  make(map[uint64]bool),
	}
}

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

// Schema is empty: this dissector produces no flow-file columns, only
// the out-of-band centrality file written through Sink.
func (d *Dissector) Schema() schema.Schema { return nil }

// Packets returns the total count of IPv4 packets folded into the graph.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) idFor(ip netip.Addr) int {
	if id, ok := d.ipIndex[ip]; ok {
		return id
	}
	id := len(d.ips)
	d.ipIndex[ip] = id
	d.ips = append(d.ips, ip)
	return id
}

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	if rec.IPVersion != 4 || !pkt.SrcIP.Is4() || !pkt.DstIP.Is4() {
		return
	}
	k := edgeKey{src: d.idFor(pkt.SrcIP), dst: d.idFor(pkt.DstIP)}
	d.edges[k]++
	d.flowEdge[rec.Findex] = k
	d.counted[rec.Findex] = true
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	if d.counted[rec.Findex] {
		d.packets++
	}
}

// OnFlowTerminate drops this flow's bookkeeping. The edge weight it
// contributed to the graph at OnNewFlow stays — centrality is scored
// across the whole capture, not per-flow.
func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	delete(d.flowEdge, rec.Findex)
	delete(d.counted, rec.Findex)
}

// Flush computes eigenvector centrality over the accumulated graph and
// writes one row per address to Sink, timestamped now. Safe to call once
// at end of capture (the only calculation mode this implementation
// supports; periodic recalculation is a possible extension, not needed
// here).
func (d *Dissector) Flush(now time.Time) {
	if d.Sink == nil || len(d.ips) == 0 {
		return
	}

	n := len(d.ips)
	vec := powerIterateCentrality(n, d.edges)

	maxcent := vec[0]
	if maxcent == 0 {
		return
	}
	for id, ip := range d.ips {
		d.Sink.WriteCentrality(now, ip, vec[id+1]/maxcent)
	}
}

// powerIterateCentrality scores n addresses (ids 0..n-1) by eigenvector
// centrality. A virtual node 0 is wired with weight 1 to and from every
// real node (ids shifted to 1..n) so the graph stays irreducible even
// when it isn't strongly connected; node 0's post-iteration weight is
// the normalizer every other score is divided against. Each connection
// count is added in both directions, so an address scores for the peers
// it talks to and for the peers that talk to it.
func powerIterateCentrality(n int, edges map[edgeKey]uint64) []float64 {
	size := n + 1
	adj := make(map[int]map[int]float64, size)
	addWeight := func(i, j int, w float64) {
		row, ok := adj[i]
		if !ok {
			row = make(map[int]float64)
			adj[i] = row
		}
		row[j] += w
	}
	for k := 0; k < size; k++ {
		addWeight(0, k, 1)
		addWeight(k, 0, 1)
	}
	for e, count := range edges {
		addWeight(e.src+1, e.dst+1, float64(count))
		addWeight(e.dst+1, e.src+1, float64(count))
	}

	vec := make([]float64, size)
	for i := range vec {
		vec[i] = 1
	}

	threshold := convergenceFactor * math.Log1p(float64(n))
	for iter := 0; iter < maxIterations; iter++ {
		next := make([]float64, size)
		for i, row := range adj {
			var sum float64
			for j, w := range row {
				sum += w * vec[j]
			}
			next[i] = sum
		}
		norm := l2Norm(next)
		if norm > 0 {
			for i := range next {
				next[i] /= norm
			}
		}
		if l2Distance(vec, next) <= threshold {
			vec = next
			break
		}
		vec = next
	}
	return vec
}

func l2Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func l2Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
