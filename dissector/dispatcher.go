package dissector

import (
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

// PacketSink receives the per-packet metadata row (the packet-metadata
// text file) after every on-layer hook for a packet has run.
type PacketSink interface {
	OnPacket(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir)
}

// FlowSink receives a flow's serialized output buffer when it terminates
// (the binary column-store flow file).
type FlowSink interface {
	OnFlow(rec *flowtable.Record, buf *schema.Buffer)
}

// Summary is implemented by dissectors that maintain a process-wide,
// monotonic OR of their per-flow status bitfield plus a running packet
// tally, for the end-of-capture aggregate report.
type Summary interface {
	StatusBits() uint32
	Packets() uint64
}

// Dispatcher drives the four hooks (new-flow, layer-2, layer-4,
// flow-terminate) over a packet stream, single-threaded and strictly in
// capture order: no hook may block, and the flow table has exactly one
// writer. Process's single call is the entire hook-running mechanism.
type Dispatcher struct {
	reg   *Registry
	table *flowtable.Table

	IdleTimeout time.Duration
	L2Enabled   bool

	PacketSink PacketSink
	FlowSink   FlowSink

	lastTS     time.Time
	TimeJumped bool // global timestamp-regression warning

	buf *schema.Buffer
}

// NewDispatcher returns a Dispatcher over tbl using reg's resolved order.
// reg.Load() must already have succeeded.
func NewDispatcher(reg *Registry, tbl *flowtable.Table, idleTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		reg:         reg,
		table:       tbl,
		IdleTimeout: idleTimeout,
		buf:         schema.NewBuffer(),
	}
}

// Process runs one packet through the full hook cycle: flow lookup/create,
// on-new-flow (once), on-layer-2 and on-layer-4 (every packet), the
// packet-metadata sink, forced removal of a flow a hook marked with
// StatusForcedRemoval, and idle-timeout aging.
func (d *Dispatcher) Process(pkt *packet.Packet) {
	ts := pkt.Timestamp
	if !d.lastTS.IsZero() && ts.Before(d.lastTS) {
		d.TimeJumped = true
	} else {
		d.lastTS = ts
	}

	key := d.keyFor(pkt)
	rec, created := d.table.GetOrCreate(key, ts)
	rec.Touch(ts)
	if pkt.HasLayer(packet.L3) {
		rec.IPVersion = pkt.IPVersion
	}

	pd := rec.Direction

	if created {
		for _, diss := range d.reg.Ordered() {
			diss.OnNewFlow(rec, pkt, pd)
		}
	}

	for _, diss := range d.reg.Ordered() {
		diss.OnLayer2(rec, pkt, pd)
	}
	if pkt.HasLayer(packet.L4) {
		for _, diss := range d.reg.Ordered() {
			diss.OnLayer4(rec, d.table, pkt, pd)
		}
	}

	if d.PacketSink != nil {
		d.PacketSink.OnPacket(rec, pkt, pd)
	}

	if rec.Status&flowtable.StatusForcedRemoval != 0 {
		d.Terminate(rec, flowtable.StatusForcedRemoval)
	}

	d.ageOut(ts)
}

// Terminate ends rec immediately with the given status bits: it runs
// every on-flow-terminate handler as if aging had done it, hands the
// buffer to the flow sink and removes rec from the table. A dissector
// such as basic stats on counter saturation requests this from within
// its own hook by marking rec with StatusForcedRemoval; Process then
// terminates the flow once the packet's hooks and packet sink have run.
func (d *Dispatcher) Terminate(rec *flowtable.Record, bits flowtable.Status) {
	rec.Mark(bits)
	d.buf.Reset()
	for _, diss := range d.reg.Ordered() {
		diss.OnFlowTerminate(rec, d.table, d.buf)
	}
	if d.FlowSink != nil {
		d.FlowSink.OnFlow(rec, d.buf)
	}
	d.table.Remove(rec.Findex)
}

// Flush terminates every remaining live flow with StatusEndOfCapture,
// the end-of-capture termination cause.
func (d *Dispatcher) Flush() {
	var live []*flowtable.Record
	d.table.Range(func(rec *flowtable.Record) bool {
		live = append(live, rec)
		return true
	})
	for _, rec := range live {
		d.Terminate(rec, flowtable.StatusEndOfCapture)
	}
}

// LastTimestamp returns the timestamp of the most recent packet Process
// saw, or the zero Time before any packet has been processed.
func (d *Dispatcher) LastTimestamp() time.Time { return d.lastTS }

func (d *Dispatcher) ageOut(now time.Time) {
	for _, rec := range d.table.IdleTimedOut(now, d.IdleTimeout) {
		d.Terminate(rec, flowtable.StatusTimedOut)
	}
}

func (d *Dispatcher) keyFor(pkt *packet.Packet) flowtable.Key {
	k := flowtable.Key{
		VLAN:      pkt.VLAN,
		Src:       pkt.SrcIP,
		Dst:       pkt.DstIP,
		SrcPort:   pkt.SrcPort,
		DstPort:   pkt.DstPort,
		Proto:     pkt.Protocol,
		L2Enabled: d.L2Enabled,
	}
	if pkt.Protocol == packet.PROTO_SCTP {
		k.SCTPVTag = pkt.SCTPVTag
		k.SCTPStream = pkt.SCTPStream
	}
	if d.L2Enabled {
		k.SrcMAC = pkt.SrcMAC
		k.DstMAC = pkt.DstMAC
	}
	return k
}
