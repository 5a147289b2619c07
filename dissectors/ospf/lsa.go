package ospf

import (
	"net/netip"

	"github.com/flowlens/flowlens/flowtable"
)

const (
	lsTypeRouter  = 1
	lsTypeNetwork = 2
)

const routerLinkLen = 12 // sizeof(ospfRouterLSALink_t): in_addr(4) + in_addr(4) + type(1) + numTOS(1) + metric(2)
const rtr3LinkLen = 16   // sizeof(ospf3RouterLSAInt_t): type(1) res(1) metric(2) intID(4) neighIntID(4) neighIntRtrID(4)

// decodeLSU walks the LS Update's numLSA LSAs, dispatching by LS type and
// never reading past data's end: on any over-read it marks the flow
// malformed and stops the LSA loop rather than risk an out-of-bounds
// slice.
func (d *Dissector) decodeLSU(rec *flowtable.Record, tbl *flowtable.Table, s *slot, data []byte, v3 bool) {
	if len(data) < 4 {
		s.status |= StatMalformed
		return
	}
	numLSA := be.Uint32(data[0:4])
	off := 4

	g := d.Globals.OSPF2LSType
	if v3 {
		g = d.Globals.OSPF3LSType
	}

	for i := uint32(0); i < numLSA; i++ {
		if off+lsaHdrLen > len(data) {
			s.status |= StatMalformed
			break
		}
		lsHdr := data[off : off+lsaHdrLen]
		lsLen := int(be.Uint16(lsHdr[18:20]))
		if lsLen < lsaHdrLen || off+lsLen > len(data) {
			s.status |= StatMalformed
			break
		}

		var lsType uint16
		if v3 {
			lsType = be.Uint16(lsHdr[2:4]) & 0x1fff
		} else {
			lsType = uint16(lsHdr[3])
		}
		addLSType(s, g, lsType)

		body := data[off+lsaHdrLen : off+lsLen]
		switch lsType {
		case lsTypeRouter:
			if v3 {
				s.routerLSALinks += uint32(len(decodeRouterLSA3(body)))
			} else {
				s.routerLSALinks += uint32(len(decodeRouterLSA2(body)))
			}
		case lsTypeNetwork:
			s.networkLSARtrs += uint32(len(decodeNetworkLSA(body)))
		}

		off += lsLen
	}
}

// decodeRouterLSA2 walks an OSPFv2 Router-LSA's variable-length link
// array (flgs_numLnks(4) followed by numLnks fixed-size link entries).
// Each link's linkID is the sub-record this dissector surfaces today;
// link type/metric are folded in once a per-LSA output row exists (see
// DESIGN.md's OSPF open question).
func decodeRouterLSA2(body []byte) []netip.Addr {
	if len(body) < 4 {
		return nil
	}
	numLinks := int(be.Uint32(body[0:4]) & 0xffff)
	links := body[4:]
	var out []netip.Addr
	for i := 0; i < numLinks && (i+1)*routerLinkLen <= len(links); i++ {
		off := i * routerLinkLen
		linkID, _ := netip.AddrFromSlice(links[off : off+4])
		out = append(out, linkID)
	}
	return out
}

// decodeRouterLSA3 walks an OSPFv3 Router-LSA's link array
// (flgs_opt(4) followed by ospf3RouterLSAInt_t entries, each sized
// rtr3LinkLen and running to the LSA's end since OSPFv3 carries no
// explicit link count).
func decodeRouterLSA3(body []byte) []uint32 {
	if len(body) < 4 {
		return nil
	}
	links := body[4:]
	var out []uint32
	for off := 0; off+rtr3LinkLen <= len(links); off += rtr3LinkLen {
		neighRtrID := be.Uint32(links[off+12 : off+16])
		out = append(out, neighRtrID)
	}
	return out
}

// decodeNetworkLSA extracts the attached-router list from a Network-LSA
// (netmask (v2) or options (v3), 4 bytes, followed by one 4-byte router
// ID per attached router).
func decodeNetworkLSA(body []byte) []netip.Addr {
	if len(body) < 4 {
		return nil
	}
	routers := body[4:]
	var out []netip.Addr
	for off := 0; off+4 <= len(routers); off += 4 {
		r, _ := netip.AddrFromSlice(routers[off : off+4])
		out = append(out, r)
	}
	return out
}
