package voip

import (
	"encoding/binary"

	"github.com/flowlens/flowlens/flowtable"
)

var be = binary.BigEndian

// RTP fixed header, RFC 3550 §5.1 (network byte order throughout, unlike
// SMB's little-endian wire fields):
//
//	byte 0: V(2) P(1) X(1) CC(4)
//	byte 1: M(1) PT(7)
//	bytes 2-3: sequence number
//	bytes 4-7: timestamp
//	bytes 8-11: SSRC
//	then CC 4-byte CSRC identifiers
const rtpHdrLen = 12

const (
	rtpFlagPadding   = 0x20
	rtpFlagExtension = 0x10
	rtpCCMask        = 0x0F
	rtpMarkerBit     = 0x80
	rtpPTMask        = 0x7F
)

// rtcpTypeLow/rtcpTypeHigh bound RTCP's packet-type byte (RFC 3550 §6.4.1/
// §6.4.2 use 200-207), distinguishing it from an RTP payload type, which
// never exceeds 127.
const (
	rtcpTypeLow  = 200
	rtcpTypeHigh = 207
)

// rtpMaxVersionMisses bounds how many non-version-2 packets a flow already
// classified RTP/RTCP tolerates before its classification is abandoned.
const rtpMaxVersionMisses = 1

// decodeRTPOrRTCP dispatches on the second header byte: RTCP packet types
// occupy 200-207, a range no RTP payload type (7 bits) can reach.
// RTP and RTCP conventionally share even/odd high UDP ports, but this
// distinguishes by content rather than by port parity, since the parity
// convention isn't always honored by endpoints.
func (d *Dissector) decodeRTPOrRTCP(rec *flowtable.Record, s *slot, payload []byte) {
	if len(payload) < rtpHdrLen {
		return
	}
	if payload[0]&rtpVersionMask != rtpVersion2 {
		s.versionMiss++
		if s.versionMiss > rtpMaxVersionMisses {
			// too many non-version-2 packets on a flow once classified as
			// RTP/RTCP: abandon the classification.
			s.status = 0
		}
		return
	}

	typ := payload[1]
	if typ >= rtcpTypeLow && typ <= rtcpTypeHigh {
		s.status |= StatRTCP
		d.decodeRTCP(rec, s, payload)
		return
	}

	s.status |= StatRTP
	d.decodeRTP(rec, s, payload)
}

func (d *Dissector) decodeRTP(rec *flowtable.Record, s *slot, payload []byte) {
	b0, b1 := payload[0], payload[1]
	marker := b1&rtpMarkerBit != 0
	pt := b1 & rtpPTMask
	seq := be.Uint16(payload[2:4])
	ts := be.Uint32(payload[4:8])
	ssrc := be.Uint32(payload[8:12])

	s.pktCount++
	addSSRC(s, ssrc)

	if s.haveSeq {
		gap := int32(seq) - int32(s.seq) - 1
		if gap < 0 {
			s.status |= StatPacketLoss
		} else if gap == 0 {
			s.validSeqRuns++
		} else if s.validSeqRuns < 3 {
			s.status |= StatPacketLoss
		}
	}
	s.seq = seq
	s.haveSeq = true

	if s.haveCorr {
		d.corr.updateSSRC(s.corrKey, ssrc)
	}

	cc := int(b0 & rtpCCMask)
	off := rtpHdrLen
	for i := 0; i < cc && off+4 <= len(payload); i++ {
		addCSRC(s, be.Uint32(payload[off:off+4]))
		off += 4
	}

	if b0&rtpFlagExtension != 0 && off+4 <= len(payload) {
		extLen := int(be.Uint16(payload[off+2 : off+4]))
		off += 4 + extLen*4
		if off > len(payload) {
			off = len(payload)
		}
	}

	if marker && (pt == ptPCMU || pt == ptPCMA) {
		d.restoreSilence(rec, s, pt, ts)
	}

	var data []byte
	if b0&rtpFlagPadding != 0 && len(payload) > off {
		padLen := int(payload[len(payload)-1])
		end := len(payload) - padLen
		if end > off {
			data = payload[off:end]
		}
	} else if off <= len(payload) {
		data = payload[off:]
	}

	if d.Sink != nil && len(data) > 0 {
		d.Sink.WriteRTP(rec.Findex, ssrc, data)
	}
	s.nextTS = ts + uint32(len(data))
}

// restoreSilence pads the output with the codec's silence byte for
// (timestamp - nextTS) 8kHz samples, covering the gap left by a dropped
// or delayed RTP packet.
func (d *Dissector) restoreSilence(rec *flowtable.Record, s *slot, pt uint8, ts uint32) {
	if s.nextTS == 0 || s.nextTS >= ts {
		return
	}
	n := int(ts - s.nextTS)
	const flowTimeoutSamples = 8000 * 300 // 8kHz * a generous 300s flow timeout bound
	if n > flowTimeoutSamples {
		return
	}
	silenceByte := byte(0xFF)
	if pt == ptPCMA {
		silenceByte = 0xD5
	}
	s.status |= StatSilenceRestored
	if d.Sink != nil {
		d.Sink.WriteSilence(rec.Findex, currentSSRC(s), n, silenceByte)
	}
}

func currentSSRC(s *slot) uint32 {
	if len(s.ssrcs) == 0 {
		return 0
	}
	return s.ssrcs[len(s.ssrcs)-1]
}

func addSSRC(s *slot, ssrc uint32) {
	for _, v := range s.ssrcs {
		if v == ssrc {
			return
		}
	}
	if len(s.ssrcs) >= rtpFMax {
		s.status |= StatOverrun
		return
	}
	s.ssrcs = append(s.ssrcs, ssrc)
}

func addCSRC(s *slot, csrc uint32) {
	for _, v := range s.csrcs {
		if v == csrc {
			return
		}
	}
	if len(s.csrcs) >= numCSRCMax {
		return
	}
	s.csrcs = append(s.csrcs, csrc)
}
