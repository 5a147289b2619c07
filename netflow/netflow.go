// Package netflow implements a NetFlow v9 export collaborator: it
// accumulates byte/packet counters and TCP flags per flow and emits
// NetFlow v9 messages, buffering up to a configurable flow count per
// datagram. Rather than reaching into basicstats/tcpstate's private
// per-flow slots (a slot belongs exclusively to the dissector that
// allocated it), this package is itself a dissector: it keeps its own
// minimal per-flow counters built from the same OnLayer4 hook every other
// dissector sees, template-shaped for exactly the fields a NetFlow v9
// collector expects.
package netflow

import (
	"context"
	"net/netip"
	"time"

	"github.com/flowlens/flowlens/binary"
	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"golang.org/x/time/rate"
)

// Name identifies this dissector for DependsOn/report purposes.
const Name = "netflow"

// Standard NetFlow v9 field type IDs (RFC 3954 §8).
const (
	fieldInBytes       = 1
	fieldInPkts        = 2
	fieldProtocol      = 4
	fieldTCPFlags      = 6
	fieldL4SrcPort     = 7
	fieldIPv4SrcAddr   = 8
	fieldL4DstPort     = 11
	fieldIPv4DstAddr   = 12
	fieldFirstSwitched = 22
	fieldLastSwitched  = 23
)

const (
	templateID  = 256
	templateSet = 0
)

// templateFields lists (fieldType, fieldLength) for the fixed IPv4
// template this exporter emits. IPv6 export is out of scope for this
// package (see DESIGN.md): RFC 3954's IPv6 field types would need a
// second template and this exporter's slot keeps no IPv6 addresses.
var templateFields = [][2]uint16{
	{fieldInBytes, 4},
	{fieldInPkts, 4},
	{fieldProtocol, 1},
	{fieldTCPFlags, 1},
	{fieldL4SrcPort, 2},
	{fieldIPv4SrcAddr, 4},
	{fieldL4DstPort, 2},
	{fieldIPv4DstAddr, 4},
	{fieldFirstSwitched, 4},
	{fieldLastSwitched, 4},
}

func recordLen() int {
	n := 0
	for _, f := range templateFields {
		n += int(f[1])
	}
	return n
}

// Exporter sends one already-framed NetFlow v9 UDP/TCP payload. Concrete
// transports (net.Conn over UDP or TCP, dialed to the configured
// collector) satisfy this with their Write method directly.
type Exporter interface {
	Write(b []byte) (int, error)
}

type slot struct {
	packets    uint64
	bytes      uint64
	tcpFlags   uint8
	protocol   uint8
	srcPort    uint16
	dstPort    uint16
	src, dst   netip.Addr
	firstSeen  time.Time
	lastSeen   time.Time
}

// Dissector accumulates the minimal per-flow counters a NetFlow v9
// record needs and batches completed flows into datagrams.
type Dissector struct {
	slots map[uint64]*slot

	Exporter      Exporter
	MaxFlowsPerMsg int
	bootTime      time.Time
	sequence      uint32
	sourceID      uint32

	// limiter caps the rate of exported flow records, so a large capture
	// never bursts datagrams at the collector faster than it configured.
	limiter *rate.Limiter

	pending []flowtable.Record
	fields  []netflowFields
}

type netflowFields struct {
	bytes, packets         uint32
	protocol, tcpFlags     uint8
	srcPort, dstPort       uint16
	src, dst               [4]byte
	firstMillis, lastMillis uint32
}

// New returns a Dissector exporting through exp, batching up to
// maxFlowsPerMsg records per datagram. bootTime anchors the sysUptime/FIRST_SWITCHED/
// LAST_SWITCHED fields, which NetFlow v9 expresses as milliseconds since
// export-device boot rather than wall clock. sendRate caps the number of
// exported flow records per second; zero or negative disables the cap.
func New(exp Exporter, maxFlowsPerMsg int, bootTime time.Time, sourceID uint32, sendRate float64) *Dissector {
	if maxFlowsPerMsg <= 0 {
		maxFlowsPerMsg = 30
	}
	d := &Dissector{
		slots:          make(map[uint64]*slot),
		Exporter:       exp,
		MaxFlowsPerMsg: maxFlowsPerMsg,
		bootTime:       bootTime,
		sourceID:       sourceID,
	}
	if sendRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(sendRate), maxFlowsPerMsg)
	}
	return d
}

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

// Schema is empty: this dissector produces no flow-file columns, only
// out-of-band NetFlow v9 datagrams.
func (d *Dissector) Schema() schema.Schema { return nil }

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	d.slots[rec.Findex] = &slot{
		protocol:  pkt.Protocol,
		srcPort:   rec.Key.SrcPort,
		dstPort:   rec.Key.DstPort,
		src:       rec.Key.Src,
		dst:       rec.Key.Dst,
		firstSeen: rec.FirstSeen,
	}
}

func (d *Dissector) OnLayer2(*flowtable.Record, *packet.Packet, dir.Dir) {}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	s, ok := d.slots[rec.Findex]
	if !ok {
		return
	}
	s.packets++
	s.bytes += uint64(pkt.WireLen)
	s.lastSeen = rec.LastSeen
	if pkt.Protocol == packet.PROTO_TCP {
		s.tcpFlags |= pkt.TCPFlags()
	}
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s, ok := d.slots[rec.Findex]
	delete(d.slots, rec.Findex)
	if !ok || rec.IPVersion != 4 || !s.src.Is4() || !s.dst.Is4() {
		return // IPv6 export out of scope, see DESIGN.md
	}

	nf := netflowFields{
		bytes:       uint32(s.bytes),
		packets:     uint32(s.packets),
		protocol:    s.protocol,
		tcpFlags:    s.tcpFlags,
		srcPort:     s.srcPort,
		dstPort:     s.dstPort,
		src:         s.src.As4(),
		dst:         s.dst.As4(),
		firstMillis: uint32(s.firstSeen.Sub(d.bootTime).Milliseconds()),
		lastMillis:  uint32(s.lastSeen.Sub(d.bootTime).Milliseconds()),
	}
	d.fields = append(d.fields, nf)

	if len(d.fields) >= d.MaxFlowsPerMsg {
		d.Flush()
	}
}

// Flush sends any buffered flows as one NetFlow v9 datagram immediately,
// even if fewer than MaxFlowsPerMsg have accumulated (end-of-capture
// drain, mirroring Dispatcher.Flush's end-of-capture termination pass).
func (d *Dissector) Flush() {
	if len(d.fields) == 0 || d.Exporter == nil {
		return
	}
	if d.limiter != nil {
		d.limiter.WaitN(context.Background(), min(len(d.fields), d.MaxFlowsPerMsg))
	}
	d.sequence++
	payload := encodeDatagram(d.fields, time.Now(), d.bootTime, d.sequence, d.sourceID)
	d.Exporter.Write(payload)
	d.fields = d.fields[:0]
}

func encodeDatagram(records []netflowFields, now, bootTime time.Time, sequence, sourceID uint32) []byte {
	var buf []byte

	templateLen := 4 + 2 + 2 + len(templateFields)*4
	dataRecLen := recordLen()
	dataSetLen := 4 + len(records)*dataRecLen
	if pad := dataSetLen % 4; pad != 0 {
		dataSetLen += 4 - pad
	}
	count := uint16(1 + len(records)) // one template FlowSet + one record per data FlowSet entry

	buf = appendUint16(buf, 9) // version
	buf = appendUint16(buf, count)
	buf = appendUint32(buf, uint32(now.Sub(bootTime).Milliseconds()))
	buf = appendUint32(buf, uint32(now.Unix()))
	buf = appendUint32(buf, sequence)
	buf = appendUint32(buf, sourceID)

	buf = appendUint16(buf, templateSet)
	buf = appendUint16(buf, uint16(templateLen))
	buf = appendUint16(buf, templateID)
	buf = appendUint16(buf, uint16(len(templateFields)))
	for _, f := range templateFields {
		buf = appendUint16(buf, f[0])
		buf = appendUint16(buf, f[1])
	}

	buf = appendUint16(buf, templateID)
	buf = appendUint16(buf, uint16(dataSetLen))
	dataStart := len(buf)
	for _, r := range records {
		buf = appendUint32(buf, r.bytes)
		buf = appendUint32(buf, r.packets)
		buf = append(buf, r.protocol)
		buf = append(buf, r.tcpFlags)
		buf = appendUint16(buf, r.srcPort)
		buf = append(buf, r.src[:]...)
		buf = appendUint16(buf, r.dstPort)
		buf = append(buf, r.dst[:]...)
		buf = appendUint32(buf, r.firstMillis)
		buf = appendUint32(buf, r.lastMillis)
	}
	for len(buf)-dataStart < dataSetLen-4 {
		buf = append(buf, 0)
	}

	return buf
}

func appendUint16(b []byte, v uint16) []byte { return binary.Msb.AppendUint16(b, v) }
func appendUint32(b []byte, v uint32) []byte { return binary.Msb.AppendUint32(b, v) }
