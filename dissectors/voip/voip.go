// Package voip implements SIP/SDP dissection, RTP/RTCP decoding, and
// SIP-to-RTP flow correlation. SIP is decoded as readable
// text (request/status lines, a handful of headers, and an embedded SDP
// body); RTP/RTCP are decoded as fixed binary headers per RFC 3550/3551.
package voip

import (
	"net/netip"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

const Name = "voip"

const (
	portSIP1 = 5060
	portSIP2 = 5070

	// portSTUNWrap is the port convention used for a STUN-wrapped SIP
	// message: a short length-checked header in front of the SIP text.
	portSTUNWrap   = 3483
	stunWrapHdrLen = 4
)

// Per-flow bounds on tracked SSRCs, SIP header values, SDP targets, and
// contributing sources.
const (
	rtpFMax    = 20  // max tracked SSRCs per flow
	sipStatMax = 8   // max distinct SIP header values / methods / status codes per flow
	sipRefMax  = 100 // max announced (addr, audio-port, video-port) triples and rtpmaps
	numCSRCMax = 30  // max contributing sources
)

// Status bits, OR-only except that decodeRTPOrRTCP clears the whole
// bitfield when it abandons a flow's RTP/RTCP classification.
type Status uint32

const (
	StatRTP Status = 1 << iota
	StatRTCP
	StatSIP
	StatSTUN
	StatSDP
	StatAudioAnnounced
	StatVideoAnnounced
	StatSilenceRestored
	StatPacketLoss
	StatError
	StatOverrun // an SDP/SIP bounded list hit its cap
)

// rtpVersionMask/rtpVersion2, RFC 3550 §5.1.
const (
	rtpVersionMask = 0xC0
	rtpVersion2    = 0x80
)

const (
	ptPCMU = 0 // G.711 mu-law
	ptPCMA = 8 // G.711 A-law
)

// sdpTarget is one announced (address, audio-port, video-port) triple
// from an SDP body's c=/m=audio/m=video lines.
type sdpTarget struct {
	addr      netip.Addr
	audioPort uint16
	videoPort uint16
}

type sipState struct {
	from, to, callID, contact []string
	reqMethods                []string
	statusCodes               []uint16
	userAgent, realIP         string
	methodBitmap              uint16
	rtpmaps                   []string
	announced                 []sdpTarget
	linkedFindex              []uint64
	linkedSSRC                []uint32
}

type rtcpState struct {
	lastSSRC       uint32
	srPktCount     uint32
	srByteCount    uint32
	cumulativeLost uint32
	fracLost       uint8
	jitter         uint32
}

type slot struct {
	status Status

	isUDP bool

	sip  sipState
	rtcp rtcpState

	// RTP tracking.
	ssrcs        []uint32
	csrcs        []uint32
	seq          uint16
	haveSeq      bool
	pktCount     uint32
	validSeqRuns uint32
	nextTS       uint32 // silence-restoration watermark: expected next RTP timestamp
	versionMiss  int

	corrKey  corrKey // this flow's (dst addr, dst port), registered with the correlator
	haveCorr bool
}

func newSlot() *slot { return &slot{} }

// Sink receives reconstructed RTP payload bytes, silence-padding included.
// An external collaborator, the way dissector/smb's FileSink is: the sink
// file itself lives outside this package.
type Sink interface {
	WriteRTP(findex uint64, ssrc uint32, data []byte)
	WriteSilence(findex uint64, ssrc uint32, n int, b byte)
}

// Dissector parses SIP, RTP, and RTCP traffic per flow, correlating SDP-
// announced media targets against their RTP flows through corr.
type Dissector struct {
	slots map[uint64]*slot
	corr  *correlator

	Sink Sink

	globalStat Status // OR of every terminated flow's stat bitfield
	packets    uint64 // SIP/RTP/RTCP packets observed across all flows
}

func New() *Dissector {
	return &Dissector{slots: make(map[uint64]*slot), corr: newCorrelator()}
}

// StatusBits returns the OR of every terminated flow's VoIP status
// bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return uint32(d.globalStat) }

// Packets returns the total count of SIP/RTP/RTCP packets observed.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("voipStat", schema.Uint32, "VoIP status bitfield"),

		schema.F("voipMethods", schema.Uint16, "SIP method bitmap"),
		schema.R("voipSipReq", "SIP request methods seen", schema.F("method", schema.String, "method name")),
		schema.R("voipSipStat", "SIP status codes seen", schema.F("code", schema.Uint16, "status code")),
		schema.F("voipUserAgent", schema.String, "SIP User-Agent header"),
		schema.F("voipRealIP", schema.String, "SIP X-Real-IP header"),
		schema.R("voipSipFrom", "SIP From header values", schema.F("from", schema.String, "from")),
		schema.R("voipSipTo", "SIP To header values", schema.F("to", schema.String, "to")),
		schema.R("voipSipCallID", "SIP Call-ID values", schema.F("callid", schema.String, "call-id")),
		schema.R("voipSipContact", "SIP Contact header values", schema.F("contact", schema.String, "contact")),

		schema.R("voipSdpTargets", "announced SDP (addr, audio-port, video-port) triples",
			schema.F("addr", schema.IPv6, "announced address"),
			schema.F("audioPort", schema.Uint16, "announced audio port"),
			schema.F("videoPort", schema.Uint16, "announced video port")),
		schema.R("voipRtpmap", "SDP rtpmap strings", schema.F("rtpmap", schema.String, "rtpmap")),

		schema.R("voipLinkedFindex", "correlated RTP flow indices", schema.F("findex", schema.Uint64, "findex")),
		schema.R("voipLinkedSSRC", "correlated RTP SSRCs", schema.F("ssrc", schema.Uint32, "ssrc")),

		schema.R("voipSSRC", "RTP/RTCP SSRCs seen", schema.F("ssrc", schema.Uint32, "ssrc")),
		schema.R("voipCSRC", "RTP contributing sources", schema.F("csrc", schema.Uint32, "csrc")),
		schema.F("voipPktCount", schema.Uint32, "RTP packet count"),
		schema.F("voipSeqValidRuns", schema.Uint32, "consecutive in-order RTP sequence count"),

		schema.F("voipRtcpSRPktCount", schema.Uint32, "RTCP sender-report cumulative packet count"),
		schema.F("voipRtcpSRByteCount", schema.Uint32, "RTCP sender-report cumulative byte count"),
		schema.F("voipRtcpCumLost", schema.Uint32, "RTCP cumulative packets lost"),
		schema.F("voipRtcpFracLost", schema.Uint8, "RTCP fraction lost, latest report"),
		schema.F("voipRtcpJitter", schema.Uint32, "RTCP max interarrival jitter"),
	}
}

func (d *Dissector) slotFor(findex uint64) *slot {
	s, ok := d.slots[findex]
	if !ok {
		s = newSlot()
		d.slots[findex] = s
	}
	return s
}

func isSIPPort(p uint16) bool { return p == portSIP1 || p == portSIP2 }

// candidateRTP reports whether a UDP flow's destination port looks like an
// RTP/RTCP media port: a high (>=1024), non-SIP port.
func candidateRTP(proto uint8, dstPort uint16) bool {
	return proto == packet.PROTO_UDP && dstPort >= 1024 && !isSIPPort(dstPort)
}

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	proto := pkt.Protocol
	if proto != packet.PROTO_UDP && proto != packet.PROTO_TCP {
		return
	}
	if proto == packet.PROTO_TCP && !isSIPPort(pkt.SrcPort) && !isSIPPort(pkt.DstPort) {
		return
	}

	s := d.slotFor(rec.Findex)
	s.isUDP = proto == packet.PROTO_UDP

	if candidateRTP(proto, pkt.DstPort) {
		s.corrKey = corrKey{addr: to16(pkt.DstIP), port: pkt.DstPort}
		s.haveCorr = true
		d.corr.registerRTP(s.corrKey, rec.Findex)
	}
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol != packet.PROTO_UDP && pkt.Protocol != packet.PROTO_TCP {
		return
	}
	s, ok := d.slots[rec.Findex]
	if !ok {
		return
	}
	d.packets++

	payload := pkt.Bytes(packet.L7)
	if len(payload) == 0 {
		return
	}

	payload = maybeUnwrapSTUN(s, pkt, payload)

	if isSIPPort(pkt.SrcPort) || isSIPPort(pkt.DstPort) || s.status&StatSTUN != 0 {
		if looksLikeSIP(s, payload) {
			d.decodeSIP(rec, s, payload)
			return
		}
	}

	if s.isUDP && (s.status&(StatRTP|StatRTCP) != 0 || looksLikeRTPVersion(payload)) {
		d.decodeRTPOrRTCP(rec, s, payload)
	}
}

// looksLikeSIP reports whether payload opens a SIP message: a request
// line's method or a "SIP/2.0" status line.
func looksLikeSIP(s *slot, payload []byte) bool {
	if s.status&StatSIP != 0 {
		return true
	}
	return isSIPStart(payload)
}

// maybeUnwrapSTUN strips a STUN-wrapped SIP message's short header when
// either port is portSTUNWrap: a length-checked header precedes the
// actual SIP text.
func maybeUnwrapSTUN(s *slot, pkt *packet.Packet, payload []byte) []byte {
	if pkt.SrcPort != portSTUNWrap && pkt.DstPort != portSTUNWrap {
		return payload
	}
	if len(payload) <= stunWrapHdrLen {
		return payload
	}
	s.status |= StatSTUN
	return payload[stunWrapHdrLen:]
}

func looksLikeRTPVersion(payload []byte) bool {
	return len(payload) >= 12 && payload[0]&rtpVersionMask == rtpVersion2
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s, ok := d.slots[rec.Findex]
	if !ok {
		s = newSlot()
	}

	if s.status&StatSIP != 0 {
		d.resolveLinks(s)
	}
	d.globalStat |= s.status

	out.AppendUint32(uint32(s.status))

	out.AppendUint16(s.sip.methodBitmap)
	out.AppendCount(len(s.sip.reqMethods))
	for _, m := range s.sip.reqMethods {
		out.AppendString(m)
	}
	out.AppendCount(len(s.sip.statusCodes))
	for _, c := range s.sip.statusCodes {
		out.AppendUint16(c)
	}
	out.AppendString(s.sip.userAgent).AppendString(s.sip.realIP)

	out.AppendCount(len(s.sip.from))
	for _, v := range s.sip.from {
		out.AppendString(v)
	}
	out.AppendCount(len(s.sip.to))
	for _, v := range s.sip.to {
		out.AppendString(v)
	}
	out.AppendCount(len(s.sip.callID))
	for _, v := range s.sip.callID {
		out.AppendString(v)
	}
	out.AppendCount(len(s.sip.contact))
	for _, v := range s.sip.contact {
		out.AppendString(v)
	}

	out.AppendCount(len(s.sip.announced))
	for _, t := range s.sip.announced {
		out.AppendIP(t.addr).AppendUint16(t.audioPort).AppendUint16(t.videoPort)
	}
	out.AppendCount(len(s.sip.rtpmaps))
	for _, r := range s.sip.rtpmaps {
		out.AppendString(r)
	}

	out.AppendCount(len(s.sip.linkedFindex))
	for _, f := range s.sip.linkedFindex {
		out.AppendUint64(f)
	}
	out.AppendCount(len(s.sip.linkedSSRC))
	for _, ss := range s.sip.linkedSSRC {
		out.AppendUint32(ss)
	}

	out.AppendCount(len(s.ssrcs))
	for _, ss := range s.ssrcs {
		out.AppendUint32(ss)
	}
	out.AppendCount(len(s.csrcs))
	for _, cs := range s.csrcs {
		out.AppendUint32(cs)
	}
	out.AppendUint32(s.pktCount).AppendUint32(s.validSeqRuns)

	out.AppendUint32(s.rtcp.srPktCount).
		AppendUint32(s.rtcp.srByteCount).
		AppendUint32(s.rtcp.cumulativeLost).
		AppendUint8(s.rtcp.fracLost).
		AppendUint32(s.rtcp.jitter)

	delete(d.slots, rec.Findex)
}

// resolveLinks looks up every SDP-announced target against the
// correlator and records the matching RTP flow's findex/SSRC onto this
// SIP flow.
func (d *Dissector) resolveLinks(s *slot) {
	for _, t := range s.sip.announced {
		if t.audioPort != 0 {
			if e, ok := d.corr.lookup(corrKey{addr: t.addr, port: t.audioPort}); ok {
				addLink(s, e.findex, e.ssrc)
			}
		}
		if t.videoPort != 0 {
			if e, ok := d.corr.lookup(corrKey{addr: t.addr, port: t.videoPort}); ok {
				addLink(s, e.findex, e.ssrc)
			}
		}
	}
}

func addLink(s *slot, findex uint64, ssrc uint32) {
	for _, f := range s.sip.linkedFindex {
		if f == findex {
			return
		}
	}
	s.sip.linkedFindex = append(s.sip.linkedFindex, findex)
	s.sip.linkedSSRC = append(s.sip.linkedSSRC, ssrc)
}

// to16 forces addr into 16-byte form so it always serializes through
// schema.IPv6 the same width, regardless of whether it arrived as an
// IPv4 or IPv6 netip.Addr.
func to16(addr netip.Addr) netip.Addr {
	return netip.AddrFrom16(addr.As16())
}
