package voip

import "github.com/flowlens/flowlens/flowtable"

// RTCP packet types, RFC 3550 §6.4.1-§6.5.
const (
	rtcpSR   = 200
	rtcpRR   = 201
	rtcpSDES = 202
	rtcpBYE  = 203
)

const (
	rtcpHdrLen  = 8  // V/P/RC(1) PT(1) length(2) SSRC(4)
	rtcpSRBody  = 20 // NTP(8) RTPTimestamp(4) senderPktCount(4) senderByteCount(4)
	rtcpRRBlock = 24 // SSRC(4) fraction+cumLost(4) extHighestSeq(4) jitter(4) LSR(4) DLSR(4)
	rtcpRCMask  = 0x1F
)

// decodeRTCP walks one or more compound RTCP packets in payload, spec
// §4.7 and the SUPPLEMENTED FEATURES note that Receiver Report fields are
// decoded alongside Sender Report fields.
func (d *Dissector) decodeRTCP(rec *flowtable.Record, s *slot, payload []byte) {
	for len(payload) >= rtcpHdrLen {
		rc := int(payload[0] & rtcpRCMask)
		typ := payload[1]
		length := int(be.Uint16(payload[2:4])) // 32-bit words, minus 1
		ssrc := be.Uint32(payload[4:8])

		pktLen := (length + 1) * 4
		if pktLen > len(payload) {
			s.status |= StatPacketLoss
			break
		}

		if s.rtcp.lastSSRC != 0 && s.rtcp.lastSSRC != ssrc {
			s.status |= StatError
		}
		s.rtcp.lastSSRC = ssrc
		addSSRC(s, ssrc)

		body := payload[rtcpHdrLen:pktLen]

		switch typ {
		case rtcpSR:
			if len(body) >= rtcpSRBody {
				s.rtcp.srPktCount = be.Uint32(body[12:16])
				s.rtcp.srByteCount = be.Uint32(body[16:20])
				decodeRRBlocks(s, body[rtcpSRBody:], rc)
			}
		case rtcpRR:
			decodeRRBlocks(s, body, rc)
		case rtcpSDES, rtcpBYE:
			// source description / goodbye: no flow-record fields defined
			// for these, counted via the status bitfield only.
		}

		payload = payload[pktLen:]
	}
}

func decodeRRBlocks(s *slot, body []byte, rc int) {
	for i := 0; i < rc && (i+1)*rtcpRRBlock <= len(body); i++ {
		blk := body[i*rtcpRRBlock : (i+1)*rtcpRRBlock]
		cumWord := be.Uint32(blk[4:8])
		s.rtcp.fracLost = uint8(cumWord >> 24)
		s.rtcp.cumulativeLost = cumWord & 0x00FFFFFF
		jitter := be.Uint32(blk[12:16])
		if jitter > s.rtcp.jitter {
			s.rtcp.jitter = jitter
		}
		// RTCP's extended highest sequence number received folds into the
		// same rolling sequence state RTP packets maintain.
		s.seq = uint16(be.Uint32(blk[8:12]))
		s.haveSeq = true
	}
}
