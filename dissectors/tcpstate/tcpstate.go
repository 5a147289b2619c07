// Package tcpstate implements the single largest subsystem in this
// module: IP-layer side observations, TCP/UDP/ICMP checksum
// verification, the TCP options walk (MSS/SACK/window-scale/timestamps/
// MPTCP, boot-time estimation, JA4T fingerprint), flag classification,
// the sequence/ACK engine (retransmission/out-of-order/keep-alive/
// window-update/scan detection), window-size statistics and RTT
// estimation.
//
// The per-packet dispatch is a small explicit state machine (SYN ->
// SYN_ACK -> ACK -> STOP) driven one event at a time with no goroutines
// of its own.
package tcpstate

import (
	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/flowlens/flowlens/stats"
)

const Name = "tcpstate"

// rttState is the small explicit RTT state machine tracking the
// SYN/SYN-ACK round trip.
type rttState uint8

const (
	rttIdle rttState = iota
	rttSynSent
	rttSynAckSeen
	rttAcked
	rttStopped
)

// Config configures thresholds the engine classifies against.
type Config struct {
	WinMinThreshold  uint32  // window size below which a packet counts toward WinMinCnt
	RTTRatio         float64 // multiple of RTT used to gate true-retransmission detection
	ScanPacketMax    uint32  // a flow with this many packets or more never qualifies as a scan
	SynRetryInterval float64 // seconds; SYN retries closer together than this don't count as a retry
	JA4TEnabled      bool
}

func DefaultConfig() Config {
	return Config{
		WinMinThreshold:  1460,
		RTTRatio:         1.5,
		ScanPacketMax:    4,
		SynRetryInterval: 0.9,
	}
}

// Per-flag counters: 8 single flags plus 8 common flag combinations.
type flagIndex int

const (
	flagFIN flagIndex = iota
	flagSYN
	flagRST
	flagPSH
	flagACK
	flagURG
	flagECE
	flagCWR
	flagFINACK
	flagSYNACK
	flagRSTACK
	flagNULL
	flagSYNFIN
	flagSYNFINRST
	flagRSTFIN
	flagXMAS
	numFlags
)

// TCP flag bits (the wire byte), RFC 9293.
const (
	tcpFIN = 0x01
	tcpSYN = 0x02
	tcpRST = 0x04
	tcpPSH = 0x08
	tcpACK = 0x10
	tcpURG = 0x20
	tcpECE = 0x40
	tcpCWR = 0x80
)

// Anomaly/status bits, folded into ipFlagsT / the scan/anomaly bitfield.
type Status uint32

const (
	StatIPIntDis     Status = 1 << iota // zero inter-arrival
	StatIPIntDisN                       // negative inter-arrival (time jump)
	StatIPIDRollover
	StatIPIDOutOfOrder
	StatOptionsCorrupt
	StatSynWithPayload
	StatKeepAlive
	StatKeepAliveAck
	StatAckDuplicate
	StatRetransmission
	StatOutOfOrder
	StatTrueRetry
	StatAckUnseen
	StatNotCaptured
	StatScanAttempt
	StatScanNull
	StatScanXmas
	StatScanDetected
	StatScanSuccessful
	StatChecksumBad
	StatCoverageError
)

type slot struct {
	// IP-layer side observations
	ipTTLLast, ipTTLMin, ipTTLMax uint8
	ipTTLSeen                    bool
	ipTTLChanges                 uint32
	ipIDLast                     uint16
	ipIDMinDelta, ipIDMaxDelta   int32
	ipIDSeen                     bool
	ipToST                       uint8  // OR of ToS seen
	ipOptLenSum                  uint32
	ipAnomalies                  Status

	lastPktTime    int64 // unix nanos of previous packet, 0 if none
	lastPktTimeSet bool

	// TCP sequence/ack state
	seqI, ackI   uint32
	seqT, ackT   uint32
	seqN         uint32 // next expected seq
	seqMax       uint32
	haveSeq      bool
	haveAckT     bool
	lastWinRaw   uint32

	pseqCnt, seqFaultCnt uint32
	pAckCnt, ackFaultCnt uint32
	opSeqPktLength       uint64
	opAckPktLength       uint64

	// window state
	winInit, winLst, winMin, winMax uint32
	winAvg                          float64
	winDwnCnt, winUpCnt, winChgCnt  uint32
	winMinCnt                       uint32
	winTLen, winTLenMax             uint64
	winScale                        uint8
	haveWinScale                    bool
	haveWin                         bool

	flagCounts [numFlags]uint32
	status     Status

	optionsSeen  uint32 // bitmap of option kinds observed
	ja4tKinds    []uint8

	// timestamp option / boot time
	tsFirstVal, tsLastVal uint32
	tsFirstSeen, tsLastSeen int64
	haveTS                bool
	bootTimeEst           float64
	utm, btm              float64

	rtt       rttState
	synSentAt int64
	tripSec   float64
	haveTrip  bool
	rttStats  stats.MeanVar

	synRetry    bool
	packetCount uint32
	enteredAck  bool
}

// Dissector tracks per-flow TCP/IP state across every packet of a flow
// and classifies anomalies, retransmissions, and scan attempts at
// termination.
type Dissector struct {
	cfg   Config
	slots map[uint64]*slot

	globalWinMinCnt uint64
	globalStat      Status // OR of every terminated flow's IP/TCP status bitfields
	packets         uint64 // TCP packets observed across all flows
}

func New(cfg Config) *Dissector {
	return &Dissector{cfg: cfg, slots: make(map[uint64]*slot)}
}

// StatusBits returns the OR of every terminated flow's combined IP/TCP
// anomaly status bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return uint32(d.globalStat) }

// Packets returns the total count of TCP packets observed.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

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
}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	s := d.slotFor(rec.Findex)
	s.packetCount++
	d.packets++

	d.accountIP(s, pkt)
	d.accountInterArrival(s, pkt)

	if pkt.Protocol != packet.PROTO_TCP || (pkt.IsFragment() && !pkt.FirstFragment()) {
		return
	}

	d.verifyChecksum(s, pkt)

	flags := pkt.TCPFlags()
	idx := classifyFlags(flags)
	s.flagCounts[idx]++

	d.updateRTTState(s, pkt, flags)
	// The SYN-ACK travels in the opposite flow from its SYN, so the
	// handshake trip is measured against that flow's SYN time.
	if flags == tcpSYN|tcpACK && !s.haveTrip && rec.Opposite != flowtable.NotFound {
		if os, ok := d.slots[uint64(rec.Opposite)]; ok && os.rtt == rttSynSent {
			s.tripSec = float64(pkt.Timestamp.UnixNano()-os.synSentAt) / 1e9
			s.haveTrip = true
		}
	}
	d.walkOptions(s, pkt, flags)
	d.updateWindow(s, pkt, flags)
	d.seqAckEngine(rec, tbl, s, pkt, flags)
	d.updateBootTime(s, pkt)
}

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("ipTTLLast", schema.Uint8, "last observed TTL"),
		schema.F("ipTTLMin", schema.Uint8, "minimum observed TTL"),
		schema.F("ipTTLMax", schema.Uint8, "maximum observed TTL"),
		schema.F("ipTTLChanges", schema.Uint32, "number of TTL changes"),
		schema.F("ipToST", schema.Uint8, "OR of ToS/DSCP bytes seen"),
		schema.F("ipOptLenSum", schema.Uint32, "sum of IPv4 options length across the flow"),
		schema.F("ipAnomalies", schema.Uint32, "IP-layer anomaly bitfield"),
		schema.F("ipIDMinDelta", schema.Uint32, "minimum IP-ID delta seen (two's complement)"),
		schema.F("ipIDMaxDelta", schema.Uint32, "maximum IP-ID delta seen (two's complement)"),
		schema.F("tcpSeqI", schema.Uint32, "initial sequence number"),
		schema.F("tcpAckI", schema.Uint32, "initial ack number"),
		schema.F("tcpSeqT", schema.Uint32, "last sequence number"),
		schema.F("tcpAckT", schema.Uint32, "last ack number"),
		schema.F("seqMax", schema.Uint32, "maximum sequence number seen"),
		schema.F("tcpPSeqCntT", schema.Uint32, "good-sequence packet count"),
		schema.F("tcpSeqFaultCntT", schema.Uint32, "sequence fault count"),
		schema.F("tcpPAckCntT", schema.Uint32, "good-ack packet count"),
		schema.F("tcpAckFaultCntT", schema.Uint32, "ack fault count"),
		schema.F("tcpOpSeqPktLength", schema.Uint64, "bytes in flight (sequence-ordered)"),
		schema.F("tcpOpAckPktLength", schema.Uint64, "bytes acknowledged"),
		schema.F("tcpWinInitT", schema.Uint32, "initial window size"),
		schema.F("tcpWinLstT", schema.Uint32, "last window size"),
		schema.F("tcpWinMinT", schema.Uint32, "minimum window size"),
		schema.F("tcpWinMaxT", schema.Uint32, "maximum window size"),
		schema.F("tcpWinAvgT", schema.Float64, "IIR-averaged window size"),
		schema.F("tcpWdwnCntT", schema.Uint32, "window-decrease count"),
		schema.F("tcpWupCntT", schema.Uint32, "window-increase count"),
		schema.F("tcpWchgCntT", schema.Uint32, "window-change count"),
		schema.F("tcpWinMinCnt", schema.Uint32, "packets below WINMIN threshold"),
		schema.F("tcpWinTLen", schema.Uint64, "bytes since last ACK"),
		schema.F("tcpWinTLenMax", schema.Uint64, "maximum bytes-since-ACK observed"),
		schema.F("tcpFlagCounts", schema.Bytes, "per-flag packet counters, 16 x uint32 big-endian"),
		schema.F("tcpOptionsSeen", schema.Uint32, "bitmap of TCP option kinds observed"),
		schema.F("tcpJA4TKinds", schema.Bytes, "ordered TCP option kinds seen on SYN/SYN-ACK (JA4T input)"),
		schema.F("tcpBootTimeEst", schema.Float64, "estimated host boot time offset, seconds"),
		schema.F("tcpUtm", schema.Float64, "uptime at first capture, seconds"),
		schema.F("tcpBtm", schema.Float64, "estimated boot time, unix seconds"),
		schema.F("tcpRTTTrip", schema.Float64, "SYN/SYN-ACK round-trip time, seconds"),
		schema.F("tcpRTTAckAvg", schema.Float64, "mean per-segment ack RTT, seconds"),
		schema.F("tcpRTTAckVar", schema.Float64, "ack RTT variance"),
		schema.F("tcpStatus", schema.Uint32, "TCP anomaly/scan status bitfield"),
	}
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s := d.slotFor(rec.Findex)

	d.detectScan(rec, tbl, s)
	d.globalStat |= s.ipAnomalies | s.status

	out.AppendUint8(s.ipTTLLast).
		AppendUint8(s.ipTTLMin).
		AppendUint8(s.ipTTLMax).
		AppendUint32(s.ipTTLChanges).
		AppendUint8(s.ipToST).
		AppendUint32(s.ipOptLenSum).
		AppendUint32(uint32(s.ipAnomalies)).
		AppendUint32(uint32(s.ipIDMinDelta)).
		AppendUint32(uint32(s.ipIDMaxDelta)).
		AppendUint32(s.seqI).
		AppendUint32(s.ackI).
		AppendUint32(s.seqT).
		AppendUint32(s.ackT).
		AppendUint32(s.seqMax).
		AppendUint32(s.pseqCnt).
		AppendUint32(s.seqFaultCnt).
		AppendUint32(s.pAckCnt).
		AppendUint32(s.ackFaultCnt).
		AppendUint64(s.opSeqPktLength).
		AppendUint64(s.opAckPktLength).
		AppendUint32(s.winInit).
		AppendUint32(s.winLst).
		AppendUint32(s.winMin).
		AppendUint32(s.winMax).
		AppendFloat64(s.winAvg).
		AppendUint32(s.winDwnCnt).
		AppendUint32(s.winUpCnt).
		AppendUint32(s.winChgCnt).
		AppendUint32(s.winMinCnt).
		AppendUint64(s.winTLen).
		AppendUint64(s.winTLenMax).
		AppendBytes(encodeFlagCounts(s.flagCounts)).
		AppendUint32(s.optionsSeen).
		AppendBytes(s.ja4tKinds).
		AppendFloat64(s.bootTimeEst).
		AppendFloat64(s.utm).
		AppendFloat64(s.btm).
		AppendFloat64(s.tripSec).
		AppendFloat64(s.rttStats.Avg).
		AppendFloat64(s.rttStats.Var).
		AppendUint32(uint32(s.status))

	delete(d.slots, rec.Findex)
}

func encodeFlagCounts(counts [numFlags]uint32) []byte {
	out := make([]byte, 0, numFlags*4)
	for _, c := range counts {
		out = append(out, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
	}
	return out
}
