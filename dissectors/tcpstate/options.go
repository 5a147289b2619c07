package tcpstate

import (
	"encoding/binary"

	"github.com/flowlens/flowlens/packet"
)

var be = binary.BigEndian

// TCP option kinds this engine recognizes.
const (
	optEnd           = 0
	optNop           = 1
	optMSS           = 2
	optWindowScale   = 3
	optSACKPermitted = 4
	optTimestamps    = 8
	optMPTCP         = 30
)

// ja4tMaxKinds bounds the JA4T fingerprint's option-kind list.
const ja4tMaxKinds = 20

// walkOptions performs a bounded walk of the TCP options: MSS,
// SACK-permitted, window-scale (on SYN), timestamps (-> boot-time input)
// and MPTCP sub-types. An option with a zero-or-one length byte
// aborts the walk and sets the options-corrupt bit. During SYN/SYN-ACK it
// also collects the JA4T fingerprint's ordered option-kind list.
func (d *Dissector) walkOptions(s *slot, pkt *packet.Packet, flags uint8) {
	opts := pkt.TCPOptions()
	if len(opts) == 0 {
		return
	}

	collectJA4T := d.cfg.JA4TEnabled && (flags == tcpSYN || flags == tcpSYN|tcpACK)

	i := 0
	for i < len(opts) {
		kind := opts[i]
		if kind == optEnd {
			break
		}
		if kind == optNop {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			s.status |= StatOptionsCorrupt
			break
		}

		if kind < 32 {
			s.optionsSeen |= 1 << uint(kind)
		}
		if collectJA4T && len(s.ja4tKinds) < ja4tMaxKinds {
			s.ja4tKinds = append(s.ja4tKinds, kind)
		}

		switch kind {
		case optWindowScale:
			if length >= 3 && (flags == tcpSYN || flags == tcpSYN|tcpACK) {
				s.winScale = opts[i+2]
				s.haveWinScale = true
			}
		case optTimestamps:
			if length >= 10 {
				d.recordTimestamp(s, pkt, be.Uint32(opts[i+2:]))
			}
		case optMSS, optSACKPermitted, optMPTCP:
			// kind recorded in optionsSeen/JA4T above; no further per-flow
			// state needed for these beyond that.
		}

		i += length
	}
}

func (d *Dissector) recordTimestamp(s *slot, pkt *packet.Packet, tsVal uint32) {
	now := pkt.Timestamp.UnixNano()
	if !s.haveTS {
		s.tsFirstVal = tsVal
		s.tsFirstSeen = now
		s.haveTS = true
	}
	s.tsLastVal = tsVal
	s.tsLastSeen = now
}

// updateBootTime estimates the clock-tick duration from the spread of
// observed TCP timestamp values against wall-clock time, falling back
// to a TTL-based heuristic when the timestamp hasn't advanced.
func (d *Dissector) updateBootTime(s *slot, pkt *packet.Packet) {
	if !s.haveTS {
		return
	}

	deltaVal := int64(s.tsLastVal) - int64(s.tsFirstVal)
	var ecI float64
	if deltaVal > 0 {
		deltaSec := float64(s.tsLastSeen-s.tsFirstSeen) / 1e9
		ecI = deltaSec / float64(deltaVal)
	} else {
		ecI = ttlHeuristic(s.ipTTLLast)
	}

	s.bootTimeEst = ecI
	s.utm = float64(s.tsLastVal) * ecI
	s.btm = float64(s.tsLastSeen)/1e9 - s.utm
}

// ttlHeuristic guesses the remote clock tick from its starting TTL:
// TTL >= 128 -> 0.1s; >= 64 -> 4ms; > 32 -> 10ms; else 1ms.
func ttlHeuristic(ttl uint8) float64 {
	switch {
	case ttl >= 128:
		return 0.1
	case ttl >= 64:
		return 0.004
	case ttl > 32:
		return 0.01
	default:
		return 0.001
	}
}
