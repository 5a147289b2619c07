package tcpstate

import (
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
)

// seqAckEngine is the subtlest part of this package: keep-alive
// detection, duplicate-ACK and retransmission classification,
// out-of-order detection, "ACK of unseen data" and "packet not
// previously captured" anomalies, and the running sequence state update.
func (d *Dissector) seqAckEngine(rec *flowtable.Record, tbl *flowtable.Table, s *slot, pkt *packet.Packet, flags uint8) {
	seq := pkt.TCPSeq()
	ack := pkt.TCPAck()
	l7 := uint32(pkt.FullLen(packet.L7))

	var oppSlot *slot
	if opp := tbl.Opposite(rec); opp != nil {
		oppSlot = d.slots[opp.Findex]
	}

	if !s.haveSeq {
		s.seqI, s.ackI = seq, ack
		s.seqN, s.seqMax = seq, seq
		s.haveSeq = true
	}

	// keep-alive
	if s.seqMax > 0 && seq == s.seqMax-1 && l7 <= 1 {
		s.status |= StatKeepAlive
	}
	if oppSlot != nil && oppSlot.haveSeq && oppSlot.seqN == ack-1 {
		s.status |= StatKeepAliveAck
	}

	// duplicate ACK / retransmission
	isDup := s.haveAckT && ack == s.ackT && l7 == 0 && flags == tcpACK && uint32(pkt.TCPWindow()) == s.lastWinRaw
	if isDup {
		s.status |= StatAckDuplicate
		s.ackFaultCnt++
		if oppSlot != nil && oppSlot.lastPktTimeSet {
			within := withinRTTMultiple(pkt, oppSlot, d.cfg.RTTRatio)
			if within {
				s.status |= StatRetransmission
				s.seqN = seq
			}
		}
	} else {
		// spurious retransmission / out-of-order
		if seq < s.seqMax && flags&(tcpFIN|tcpSYN|tcpRST) == 0 {
			s.status |= StatOutOfOrder
			if seq < s.seqN && !withinRTTMultiple(pkt, s, d.cfg.RTTRatio) {
				s.status |= StatTrueRetry
			}
		}
	}

	// ACK of unseen data
	if oppSlot != nil && oppSlot.haveSeq && ack > oppSlot.seqMax {
		s.status |= StatAckUnseen
		s.ackFaultCnt++
	}

	// packet not previously captured
	if seq > s.seqMax && flags&(tcpFIN|tcpSYN|tcpRST) == 0 {
		s.status |= StatNotCaptured
	}

	if seq == s.seqN {
		s.pseqCnt++
	} else {
		s.seqFaultCnt++
	}
	if s.haveAckT {
		if ack >= s.ackT {
			s.pAckCnt++
		} else {
			s.ackFaultCnt++
		}
	}

	// step 7 final update
	extra := uint32(0)
	if flags&(tcpSYN|tcpFIN|tcpRST) != 0 {
		extra = 1
	}
	newSeqN := seq + l7 + extra
	if newSeqN > s.seqN || !s.haveSeq {
		s.seqN = newSeqN
	}
	if s.seqN > s.seqMax {
		s.seqMax = s.seqN
	}

	if l7 > 0 {
		s.winTLen += uint64(l7)
		if s.winTLen > s.winTLenMax {
			s.winTLenMax = s.winTLen
		}
	} else if flags&tcpACK != 0 {
		s.winTLen = 0
	}

	s.opSeqPktLength += uint64(l7)
	if s.haveAckT && ack > s.ackT {
		s.opAckPktLength += uint64(ack - s.ackT)

		// per-segment RTT jitter: this ACK newly acknowledges data the
		// opposite flow sent, so the elapsed time since its last segment
		// is one more ack-trip sample.
		if oppSlot != nil && oppSlot.lastPktTimeSet {
			tripSec := float64(pkt.Timestamp.UnixNano()-oppSlot.lastPktTime) / 1e9
			if tripSec >= 0 {
				s.rttStats.Update(tripSec)
			}
		}
	}

	s.seqT = seq
	s.ackT = ack
	s.haveAckT = true
	s.lastWinRaw = uint32(pkt.TCPWindow())
}

// withinRTTMultiple reports whether the time since ref's last packet is
// within cfg's RTT-ratio multiple of the best RTT estimate known for ref.
// Falls back to a conservative fixed window when no RTT estimate exists
// yet.
func withinRTTMultiple(pkt *packet.Packet, ref *slot, ratio float64) bool {
	rtt := ref.tripSec
	if rtt <= 0 {
		rtt = ref.rttStats.Avg
	}
	if rtt <= 0 {
		rtt = 0.2
	}
	elapsed := float64(pkt.Timestamp.UnixNano()-ref.lastPktTime) / 1e9
	if elapsed < 0 {
		elapsed = -elapsed
	}
	return elapsed <= ratio*rtt
}
