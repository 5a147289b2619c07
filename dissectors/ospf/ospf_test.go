package ospf

import (
	"net/netip"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/stretchr/testify/assert"
)

// buildOSPF2 assembles an Ethernet/IPv4 frame carrying an OSPFv2 packet
// with the given type, router/area IDs, auth type/field and body bytes.
func buildOSPF2(typ uint8, routerID, areaID [4]byte, authType uint16, authField [8]byte, body []byte, dstIP [4]byte, ttl uint8) []byte {
	hdr := make([]byte, ospf2HdrLen)
	hdr[0] = 2 // version
	hdr[1] = typ
	be.PutUint16(hdr[2:4], uint16(ospf2HdrLen+len(body)))
	copy(hdr[4:8], routerID[:])
	copy(hdr[8:12], areaID[:])
	be.PutUint16(hdr[14:16], authType)
	copy(hdr[16:24], authField[:])

	payload := append(hdr, body...)

	buf := make([]byte, 14+20+len(payload))
	be.PutUint16(buf[12:], 0x0800)
	ip := buf[14:34]
	ip[0] = 0x45
	be.PutUint16(ip[2:], uint16(20+len(payload)))
	ip[8] = ttl
	ip[9] = packet.PROTO_OSPF
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], dstIP[:])
	copy(buf[34:], payload)
	return buf
}

func decodedOSPFPkt(raw []byte) *packet.Packet {
	p := packet.New(time.Unix(0, 0), len(raw), raw, false)
	p.Decode()
	return p
}

func TestDecode2_HelloAccumulatesNeighbors(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	hello := make([]byte, 20+8) // fixed hello fields + 2 neighbors
	be.PutUint16(hello[4:6], 10) // helloInt
	copy(hello[16:20], []byte{10, 0, 0, 2}) // backup router
	copy(hello[20:24], []byte{10, 0, 0, 3})
	copy(hello[24:28], []byte{10, 0, 0, 4})

	raw := buildOSPF2(typeHello, [4]byte{1, 1, 1, 1}, [4]byte{0, 0, 0, 1}, authNull, [8]byte{}, hello, [4]byte{224, 0, 0, 5}, 1)
	pkt := decodedOSPFPkt(raw)

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.Zero(s.status & StatBadDst)
	assert.Zero(s.status & StatBadTTL)
	assert.Len(s.neighbors, 2)
	assert.Equal(netip.AddrFrom4([4]byte{10, 0, 0, 2}), s.backupRtr)
}

func TestDecode2_BadTTLFlaggedOnMulticast(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	hello := make([]byte, 20)
	raw := buildOSPF2(typeHello, [4]byte{1, 1, 1, 1}, [4]byte{0, 0, 0, 1}, authNull, [8]byte{}, hello, [4]byte{224, 0, 0, 5}, 64)
	pkt := decodedOSPFPkt(raw)

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.NotZero(s.status & StatBadTTL)
	assert.Equal(uint64(1), d.Globals.InvalidTTL)
}

func TestDecode2_PasswordAuthCapturedCleartext(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	var authField [8]byte
	copy(authField[:], []byte("secret"))
	raw := buildOSPF2(typeLSAck, [4]byte{1, 1, 1, 1}, [4]byte{0, 0, 0, 1}, authPasswd, authField, nil, [4]byte{224, 0, 0, 5}, 1)
	pkt := decodedOSPFPkt(raw)

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.Equal("secret", s.authPass)
}

func TestDecodeLSU_RouterLSALinksCounted(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	// one Router-LSA with 2 links
	lsaHdr := make([]byte, lsaHdrLen)
	lsaHdr[3] = lsTypeRouter // lsType byte of the opts/lsType union
	linkBody := make([]byte, 4+2*routerLinkLen)
	lsa := append(lsaHdr, linkBody...)
	be.PutUint16(lsa[18:20], uint16(len(lsa)))
	be.PutUint32(lsa[20:24], 2) // flgs_numLnks: 2 links

	lsu := make([]byte, 4)
	be.PutUint32(lsu[0:4], 1) // numLSA
	lsu = append(lsu, lsa...)

	raw := buildOSPF2(typeLSUpdate, [4]byte{1, 1, 1, 1}, [4]byte{0, 0, 0, 1}, authNull, [8]byte{}, lsu, [4]byte{10, 0, 0, 9}, 64)
	pkt := decodedOSPFPkt(raw)

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.Equal(uint32(2), s.routerLSALinks)
	assert.NotZero(s.lsTypeBF & (1 << lsTypeRouter))
	assert.Equal(uint64(1), d.Globals.OSPF2LSType[lsTypeRouter])
}

func TestDecode2_WrongVersionFlagged(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}

	raw := buildOSPF2(typeHello, [4]byte{1, 1, 1, 1}, [4]byte{0, 0, 0, 1}, authNull, [8]byte{}, make([]byte, 20), [4]byte{224, 0, 0, 5}, 1)
	raw[14+20] = 9 // corrupt version byte
	pkt := decodedOSPFPkt(raw)

	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.NotZero(s.status & StatWrongVer)
}
