package tcpstate

import "github.com/flowlens/flowlens/packet"

// accountIP folds TTL/IP-ID/ToS/fragmentation observations into s.
func (d *Dissector) accountIP(s *slot, pkt *packet.Packet) {
	if !pkt.HasLayer(packet.L3) {
		return
	}

	ttl := pkt.TTL
	if !s.ipTTLSeen {
		s.ipTTLMin, s.ipTTLMax = ttl, ttl
		s.ipTTLSeen = true
	} else if ttl != s.ipTTLLast {
		s.ipTTLChanges++
		if ttl < s.ipTTLMin {
			s.ipTTLMin = ttl
		}
		if ttl > s.ipTTLMax {
			s.ipTTLMax = ttl
		}
	}
	s.ipTTLLast = ttl

	s.ipToST |= pkt.ToS
	s.ipOptLenSum += uint32(pkt.IPOptLen)

	if pkt.IPVersion == 4 {
		d.accountIPID(s, pkt.IPID)
	}
}

// accountIPID tracks IP-ID monotonicity, including 16-bit roll-over and
// out-of-order detection.
func (d *Dissector) accountIPID(s *slot, id uint16) {
	if !s.ipIDSeen {
		s.ipIDLast = id
		s.ipIDSeen = true
		return
	}

	delta := int32(id) - int32(s.ipIDLast)
	// unwrap the 16-bit roll-over to the smaller-magnitude delta
	if delta > 0x7FFF {
		delta -= 0x10000
		s.ipAnomalies |= StatIPIDRollover
	} else if delta < -0x7FFF {
		delta += 0x10000
		s.ipAnomalies |= StatIPIDRollover
	}

	if delta < 0 {
		s.ipAnomalies |= StatIPIDOutOfOrder
	}
	if delta < s.ipIDMinDelta {
		s.ipIDMinDelta = delta
	}
	if delta > s.ipIDMaxDelta {
		s.ipIDMaxDelta = delta
	}
	s.ipIDLast = id
}

// accountInterArrival flags a zero (duplicate-timestamp) or negative
// (reordered-capture) inter-arrival gap between consecutive packets.
func (d *Dissector) accountInterArrival(s *slot, pkt *packet.Packet) {
	now := pkt.Timestamp.UnixNano()
	if s.lastPktTimeSet {
		delta := now - s.lastPktTime
		switch {
		case delta == 0:
			s.ipAnomalies |= StatIPIntDis
		case delta < 0:
			s.ipAnomalies |= StatIPIntDisN
		}
	}
	s.lastPktTime = now
	s.lastPktTimeSet = true
}
