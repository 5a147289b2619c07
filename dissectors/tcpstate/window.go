package tcpstate

import (
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/stats"
)

// windowIIRAlpha is the smoothing factor for the window-size IIR average:
// new = 0.7*old + 0.3*x.
const windowIIRAlpha = 0.7

// updateWindow maintains window-size state: apply the negotiated window
// scale (non-SYN segments only), track init/min/max, direction-change
// counters, the IIR average and the below-WINMIN-threshold counters.
func (d *Dissector) updateWindow(s *slot, pkt *packet.Packet, flags uint8) {
	raw := uint32(pkt.TCPWindow())
	win := raw
	if s.haveWinScale && flags&tcpSYN == 0 {
		win = raw << s.winScale
	}

	if !s.haveWin {
		s.winInit, s.winMin, s.winMax, s.winLst = win, win, win, win
		s.winAvg = float64(win)
		s.haveWin = true
	} else {
		switch {
		case win < s.winLst:
			s.winDwnCnt++
			s.winChgCnt++
		case win > s.winLst:
			s.winUpCnt++
			s.winChgCnt++
		}
		if win < s.winMin {
			s.winMin = win
		}
		if win > s.winMax {
			s.winMax = win
		}
		s.winAvg = stats.IIR(s.winAvg, float64(win), windowIIRAlpha)
		s.winLst = win
	}

	if win < d.cfg.WinMinThreshold {
		s.winMinCnt++
		d.globalWinMinCnt++
	}
}
