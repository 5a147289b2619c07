package tcpstate

import "github.com/flowlens/flowlens/packet"

// classifyFlags maps a raw TCP flag byte to one of the 16 per-flag
// counter slots: 8 single flags plus FIN-ACK, SYN-ACK, RST-ACK, NULL,
// SYN-FIN, SYN-FIN-RST, RST-FIN, and XMAS.
func classifyFlags(f uint8) flagIndex {
	switch f {
	case 0:
		return flagNULL
	case tcpFIN | tcpPSH | tcpURG:
		return flagXMAS
	case tcpFIN | tcpACK:
		return flagFINACK
	case tcpSYN | tcpACK:
		return flagSYNACK
	case tcpRST | tcpACK:
		return flagRSTACK
	case tcpSYN | tcpFIN:
		return flagSYNFIN
	case tcpSYN | tcpFIN | tcpRST:
		return flagSYNFINRST
	case tcpRST | tcpFIN:
		return flagRSTFIN
	}

	switch {
	case f&tcpFIN != 0:
		return flagFIN
	case f&tcpSYN != 0:
		return flagSYN
	case f&tcpRST != 0:
		return flagRST
	case f&tcpPSH != 0:
		return flagPSH
	case f&tcpACK != 0:
		return flagACK
	case f&tcpURG != 0:
		return flagURG
	case f&tcpECE != 0:
		return flagECE
	case f&tcpCWR != 0:
		return flagCWR
	}
	return flagACK
}

// updateRTTState runs the small explicit RTT/scan state machine:
// SYN -> SYN_ACK -> ACK -> STOP.
func (d *Dissector) updateRTTState(s *slot, pkt *packet.Packet, f uint8) {
	now := pkt.Timestamp

	switch f {
	case 0:
		s.status |= StatScanNull | StatScanDetected
	case tcpFIN | tcpPSH | tcpURG:
		s.status |= StatScanXmas | StatScanDetected
	}

	switch {
	case f == tcpSYN:
		if s.rtt == rttSynSent {
			elapsed := float64(now.UnixNano()-s.synSentAt) / 1e9
			if elapsed > d.cfg.SynRetryInterval {
				s.synRetry = true
			}
		} else {
			s.status |= StatScanAttempt
		}
		s.rtt = rttSynSent
		s.synSentAt = now.UnixNano()
		if pkt.SnapLen(packet.L7) > 0 || pkt.FullLen(packet.L7) > 0 {
			s.status |= StatSynWithPayload
		}

	case f == tcpSYN|tcpACK:
		if s.rtt == rttSynSent {
			trip := float64(now.UnixNano()-s.synSentAt) / 1e9
			s.tripSec = trip
			s.haveTrip = true
		}
		s.rtt = rttSynAckSeen

	case f&tcpACK != 0 && f&(tcpSYN|tcpFIN|tcpRST) == 0:
		if s.rtt == rttSynAckSeen {
			s.rtt = rttAcked
			s.enteredAck = true
		}

	case f&(tcpFIN|tcpRST) != 0:
		s.rtt = rttStopped
	}
}
