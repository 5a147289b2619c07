// Package basicstats implements per-flow packet/byte counts, packet-
// length and inter-arrival-time moments, asymmetry against the opposite
// flow, and the "biggest talker" leaderboards.
//
// Talker leaderboards are a plain map rather than an xsync one: the
// dispatcher is the sole writer of all per-dissector state, and
// basicstats' talker tables are updated only from OnFlowTerminate, which
// only the dispatcher ever calls — unlike the ARP/DHCP/VoIP auxiliary
// tables, which other dissectors read cross-flow, nothing here is read
// from outside the dispatcher goroutine.
package basicstats

import (
	"math"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/flowlens/flowlens/stats"
)

const Name = "basicstats"

// LengthLayer selects which captured layer's length feeds the packet
// length statistic, set at construction via Config.
type LengthLayer int

const (
	LenL2 LengthLayer = iota
	LenL3
	LenL4
	LenL7
)

// TopN bounds the biggest-talker leaderboards to a top-N table rather
// than tracking a single running max per MAC/IP.
const TopN = 10

// Config configures this dissector at construction.
type Config struct {
	LengthLayer LengthLayer
	LengthMod   uint64 // if > 0, pktLen %= LengthMod
	// ExcludeMin/ExcludeMax bound the "exclusion window": only packets
	// whose length falls in [Min,Max] update the statistical moments.
	// A zero Max means no filtering.
	ExcludeMin, ExcludeMax uint64
}

type slot struct {
	packets uint64
	bytes   uint64

	filtered uint64 // count used as Welford divisor when filtering is on

	lastTS time.Time

	length stats.Moments
	iat    stats.Moments

	srcMAC, dstMAC [6]byte
	srcIP          string
	haveL2         bool
	haveL3         bool
}

// talkerEntry is one leaderboard row.
type talkerEntry struct {
	Packets uint64
	Bytes   uint64
}

// Dissector computes per-flow counters and moments and maintains the
// process-wide talker leaderboards.
type Dissector struct {
	cfg   Config
	slots map[uint64]*slot

	macTalkers map[[6]byte]*talkerEntry
	ipTalkers  map[string]*talkerEntry
}

func New(cfg Config) *Dissector {
	return &Dissector{
		cfg:        cfg,
		slots:      make(map[uint64]*slot),
		macTalkers: make(map[[6]byte]*talkerEntry),
		ipTalkers:  make(map[string]*talkerEntry),
	}
}

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("packets", schema.Uint64, "packets transmitted in this direction"),
		schema.F("bytes", schema.Uint64, "bytes transmitted in this direction"),
		schema.F("durationUsec", schema.Uint64, "flow duration in microseconds"),
		schema.F("pps", schema.Float64, "packets per second"),
		schema.F("bps", schema.Float64, "bytes per second"),
		schema.F("lenMin", schema.Uint64, "minimum packet length"),
		schema.F("lenMax", schema.Uint64, "maximum packet length"),
		schema.F("lenAvg", schema.Float64, "mean packet length"),
		schema.F("lenVar", schema.Float64, "packet length variance"),
		schema.F("lenSkew", schema.Float64, "packet length skewness"),
		schema.F("lenKur", schema.Float64, "packet length kurtosis"),
		schema.F("iatMin", schema.Uint64, "minimum inter-arrival time, usec"),
		schema.F("iatMax", schema.Uint64, "maximum inter-arrival time, usec"),
		schema.F("iatAvg", schema.Float64, "mean inter-arrival time, usec"),
		schema.F("iatVar", schema.Float64, "inter-arrival time variance"),
		schema.F("pktAsym", schema.Float64, "packet count asymmetry vs opposite flow"),
		schema.F("byteAsym", schema.Float64, "byte count asymmetry vs opposite flow"),
	}
}

func (d *Dissector) slotFor(findex uint64) *slot {
	s, ok := d.slots[findex]
	if !ok {
		s = &slot{}
		d.slots[findex] = s
	}
	return s
}

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	d.slotFor(rec.Findex)
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	if pkt.HasLayer(packet.L4) {
		return // counted in OnLayer4 to avoid double counting IP traffic
	}
	d.account(rec, pkt)
}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	d.account(rec, pkt)
}

func (d *Dissector) pktLen(pkt *packet.Packet) uint64 {
	var l int
	switch d.cfg.LengthLayer {
	case LenL2:
		l = pkt.WireLen
	case LenL3:
		l = pkt.FullLen(packet.L3) + pkt.FullLen(packet.L4) + pkt.FullLen(packet.L7)
	case LenL4:
		l = pkt.FullLen(packet.L4) + pkt.FullLen(packet.L7)
	case LenL7:
		l = pkt.FullLen(packet.L7)
	}
	if l < 0 {
		l = 0
	}
	n := uint64(l)
	if d.cfg.LengthMod > 0 {
		n %= d.cfg.LengthMod
	}
	return n
}

func (d *Dissector) account(rec *flowtable.Record, pkt *packet.Packet) {
	s := d.slotFor(rec.Findex)
	pktLen := d.pktLen(pkt)

	// saturation check: on counter overflow, the flow is force-removed
	if s.bytes > math.MaxUint64-pktLen || s.packets == math.MaxUint64 {
		rec.Mark(flowtable.StatusForcedRemoval)
		return
	}

	s.packets++
	s.bytes += pktLen

	if pkt.HasLayer(packet.L2) {
		s.srcMAC, s.dstMAC = pkt.SrcMAC, pkt.DstMAC
		s.haveL2 = true
	}
	if pkt.HasLayer(packet.L3) {
		s.srcIP = pkt.SrcIP.String()
		s.haveL3 = true
	}

	inWindow := d.cfg.ExcludeMax == 0 || (pktLen >= d.cfg.ExcludeMin && pktLen <= d.cfg.ExcludeMax)
	if inWindow {
		s.filtered++
		s.length.Update(float64(pktLen), s.filtered)

		if !s.lastTS.IsZero() {
			iat := pkt.Timestamp.Sub(s.lastTS)
			s.iat.Update(float64(iat.Microseconds()), s.filtered)
		}
	}
	s.lastTS = pkt.Timestamp
}

// Saturated reports whether findex's packet counter has reached its
// saturation limit.
func (d *Dissector) Saturated(findex uint64) bool {
	s, ok := d.slots[findex]
	return ok && s.packets == math.MaxUint64
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s := d.slotFor(rec.Findex)
	dur := rec.Duration()
	durUsec := uint64(dur.Microseconds())

	var pps, bps float64
	if dur > 0 {
		secs := dur.Seconds()
		pps = float64(s.packets) / secs
		bps = float64(s.bytes) / secs
	}

	var pktAsym, byteAsym float64
	if opp := tbl.Opposite(rec); opp != nil {
		if os, ok := d.slots[opp.Findex]; ok {
			pktAsym = asymmetry(s.packets, os.packets)
			byteAsym = asymmetry(s.bytes, os.bytes)
		}
	} else if rec.Direction == dir.DIR_B {
		pktAsym, byteAsym = -1, -1
	}

	out.AppendUint64(s.packets).
		AppendUint64(s.bytes).
		AppendUint64(durUsec).
		AppendFloat64(pps).
		AppendFloat64(bps).
		AppendUint64(uint64(s.length.Min)).
		AppendUint64(uint64(s.length.Max)).
		AppendFloat64(s.length.Avg).
		AppendFloat64(s.length.Var).
		AppendFloat64(s.length.Skew).
		AppendFloat64(s.length.Kur).
		AppendUint64(uint64(s.iat.Min)).
		AppendUint64(uint64(s.iat.Max)).
		AppendFloat64(s.iat.Avg).
		AppendFloat64(s.iat.Var).
		AppendFloat64(pktAsym).
		AppendFloat64(byteAsym)

	d.recordTalkers(s)
	delete(d.slots, rec.Findex)
}

func asymmetry(self, opp uint64) float64 {
	if self+opp == 0 {
		return 0
	}
	return (float64(self) - float64(opp)) / (float64(self) + float64(opp))
}

// recordTalkers folds a terminated flow's traffic into the bounded
// biggest-talker leaderboards, one entry per observed MAC and per
// observed source IP.
func (d *Dissector) recordTalkers(s *slot) {
	if s.haveL2 {
		d.bumpMAC(s.srcMAC, s.packets, s.bytes)
		d.bumpMAC(s.dstMAC, 0, 0)
	}
	if s.haveL3 {
		d.bumpIP(s.srcIP, s.packets, s.bytes)
	}
}

func (d *Dissector) bumpMAC(mac [6]byte, packets, bytes uint64) {
	e, ok := d.macTalkers[mac]
	if !ok {
		e = &talkerEntry{}
		d.macTalkers[mac] = e
	}
	e.Packets += packets
	e.Bytes += bytes
	d.trimMACTalkers()
}

func (d *Dissector) bumpIP(ip string, packets, bytes uint64) {
	e, ok := d.ipTalkers[ip]
	if !ok {
		e = &talkerEntry{}
		d.ipTalkers[ip] = e
	}
	e.Packets += packets
	e.Bytes += bytes
	d.trimIPTalkers()
}

// trimMACTalkers evicts the smallest-byte entries once the table exceeds
// TopN, keeping the leaderboard bounded.
func (d *Dissector) trimMACTalkers() {
	for len(d.macTalkers) > TopN {
		var minKey [6]byte
		var minBytes uint64 = ^uint64(0)
		for k, v := range d.macTalkers {
			if v.Bytes < minBytes {
				minBytes, minKey = v.Bytes, k
			}
		}
		delete(d.macTalkers, minKey)
	}
}

func (d *Dissector) trimIPTalkers() {
	for len(d.ipTalkers) > TopN {
		var minKey string
		var minBytes uint64 = ^uint64(0)
		for k, v := range d.ipTalkers {
			if v.Bytes < minBytes {
				minBytes, minKey = v.Bytes, k
			}
		}
		delete(d.ipTalkers, minKey)
	}
}

// MACTalkers returns a snapshot of the current top-N MAC leaderboard.
func (d *Dissector) MACTalkers() map[[6]byte]talkerEntry {
	out := make(map[[6]byte]talkerEntry, len(d.macTalkers))
	for k, v := range d.macTalkers {
		out[k] = *v
	}
	return out
}

// IPTalkers returns a snapshot of the current top-N source-IP leaderboard.
func (d *Dissector) IPTalkers() map[string]talkerEntry {
	out := make(map[string]talkerEntry, len(d.ipTalkers))
	for k, v := range d.ipTalkers {
		out[k] = *v
	}
	return out
}
