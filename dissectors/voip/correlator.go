package voip

import (
	"net/netip"

	"github.com/puzpuzpuz/xsync/v3"
)

// corrKey is the (destination address, destination port) a candidate RTP
// flow was created against.
type corrKey struct {
	addr netip.Addr
	port uint16
}

// corrEntry is what the correlator has learned about a candidate RTP flow:
// its findex always, its SSRC once the first RTP packet has been decoded.
type corrEntry struct {
	findex uint64
	ssrc   uint32
}

// correlator is the process-wide (addr, port) -> (findex, SSRC) map used
// to link an SDP-announced media target to its actual RTP flow, backed
// by xsync.MapOf the way flowtable.Table and dissectors/arp's ipToMAC
// are.
type correlator struct {
	m *xsync.MapOf[corrKey, corrEntry]
}

func newCorrelator() *correlator {
	return &correlator{m: xsync.NewMapOf[corrKey, corrEntry]()}
}

func (c *correlator) registerRTP(key corrKey, findex uint64) {
	c.m.Store(key, corrEntry{findex: findex})
}

func (c *correlator) updateSSRC(key corrKey, ssrc uint32) {
	c.m.Store(key, corrEntry{findex: c.findexOf(key), ssrc: ssrc})
}

func (c *correlator) findexOf(key corrKey) uint64 {
	if e, ok := c.m.Load(key); ok {
		return e.findex
	}
	return 0
}

func (c *correlator) lookup(key corrKey) (corrEntry, bool) {
	return c.m.Load(key)
}
