package tcpstate

import "github.com/flowlens/flowlens/flowtable"

// scanFlagsMask is the set of per-flag slots that count as "scan-shaped"
// flags for the flag-union test below.
const scanFlagsMask = 1<<flagSYN | 1<<flagFIN | 1<<flagXMAS | 1<<flagNULL

// detectScan flags a short TCP flow that never reached the ACK state and
// whose flag union looks like a scan (SYN-only, FIN-only, XMAS, or NULL);
// if the opposite flow also exists and qualifies, it is flagged a
// successful scan.
func (d *Dissector) detectScan(rec *flowtable.Record, tbl *flowtable.Table, s *slot) {
	if s.synRetry || s.enteredAck {
		return
	}
	if s.packetCount >= d.cfg.ScanPacketMax {
		return
	}

	var flagUnion uint32
	for i, c := range s.flagCounts {
		if c > 0 {
			flagUnion |= 1 << uint(i)
		}
	}
	if flagUnion&scanFlagsMask == 0 {
		return
	}

	s.status |= StatScanDetected

	if opp := tbl.Opposite(rec); opp != nil {
		if oppSlot, ok := d.slots[opp.Findex]; ok {
			if !oppSlot.synRetry && !oppSlot.enteredAck &&
				oppSlot.packetCount < d.cfg.ScanPacketMax {
				var oppUnion uint32
				for i, c := range oppSlot.flagCounts {
					if c > 0 {
						oppUnion |= 1 << uint(i)
					}
				}
				if oppUnion&scanFlagsMask != 0 {
					s.status |= StatScanSuccessful
					oppSlot.status |= StatScanSuccessful
				}
			}
		}
	}
}
