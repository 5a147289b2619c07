package arp

import (
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/stretchr/testify/assert"
)

func buildARPRequest(senderMAC, targetMAC [6]byte, senderIP, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	copy(buf[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(buf[6:12], senderMAC[:])
	buf[12], buf[13] = 0x08, 0x06 // ETH_ARP

	a := buf[14:]
	a[0], a[1] = 0, 1 // htype ethernet
	a[2], a[3] = 0x08, 0x00
	a[4] = 6
	a[5] = 4
	a[6], a[7] = 0, 1 // opcode request
	copy(a[8:14], senderMAC[:])
	copy(a[14:18], senderIP[:])
	copy(a[18:24], targetMAC[:])
	copy(a[24:28], targetIP[:])
	return buf
}

func decoded(raw []byte) *packet.Packet {
	p := packet.New(time.Unix(0, 0), len(raw), raw, false)
	p.Decode()
	return p
}

func TestARP_DetectsAndLearnsPair(t *testing.T) {
	assert := assert.New(t)
	d := New()

	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	mac0 := [6]byte{0, 0, 0, 0, 0, 0}
	raw := buildARPRequest(mac1, mac0, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2})
	pkt := decoded(raw)

	rec := &flowtable.Record{Findex: 1}
	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer2(rec, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.NotZero(s.stat & StatDetected)
	assert.Len(s.pairs, 1)
	assert.Equal(mac1, s.pairs[0].mac)
}

func TestARP_DetectsSpoof(t *testing.T) {
	assert := assert.New(t)
	d := New()

	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	mac2 := [6]byte{2, 2, 2, 2, 2, 2}
	ip := [4]byte{10, 0, 0, 1}

	raw1 := buildARPRequest(mac1, [6]byte{}, ip, [4]byte{10, 0, 0, 9})
	pkt1 := decoded(raw1)
	rec1 := &flowtable.Record{Findex: 1}
	d.OnNewFlow(rec1, pkt1, dir.DIR_A)
	d.OnLayer2(rec1, pkt1, dir.DIR_A)

	raw2 := buildARPRequest(mac2, [6]byte{}, ip, [4]byte{10, 0, 0, 9})
	pkt2 := decoded(raw2)
	rec2 := &flowtable.Record{Findex: 2}
	d.OnNewFlow(rec2, pkt2, dir.DIR_A)
	d.OnLayer2(rec2, pkt2, dir.DIR_A)

	s2 := d.slots[2]
	assert.NotZero(s2.stat & StatSpoof)
}

func TestARP_GratuitousAnnounce(t *testing.T) {
	assert := assert.New(t)
	d := New()

	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	ip := [4]byte{10, 0, 0, 1}
	raw := buildARPRequest(mac1, [6]byte{}, ip, ip)
	pkt := decoded(raw)
	rec := &flowtable.Record{Findex: 1}
	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer2(rec, pkt, dir.DIR_A)

	s := d.slots[1]
	assert.NotZero(s.stat & StatGratuitous)
	assert.NotZero(s.stat & StatAnnounce)
}

func TestARP_PairListFullSetsStatus(t *testing.T) {
	assert := assert.New(t)
	d := New()
	rec := &flowtable.Record{Findex: 1}
	s := d.slotFor(1)
	s.stat |= StatDetected

	for i := 0; i < ARPMaxIP; i++ {
		d.appendPair(s, [6]byte{byte(i)}, packetIP{10, 0, 0, byte(i)})
	}
	assert.Len(s.pairs, ARPMaxIP)
	d.appendPair(s, [6]byte{99}, packetIP{10, 0, 0, 99})
	assert.True(s.stat&StatListFull != 0)
	assert.Len(s.pairs, ARPMaxIP)
	_ = rec
}

func TestOnFlowTerminate_EmitsSchema(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 1}

	mac1 := [6]byte{1, 1, 1, 1, 1, 1}
	raw := buildARPRequest(mac1, [6]byte{}, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2})
	pkt := decoded(raw)
	d.OnNewFlow(rec, pkt, dir.DIR_A)
	d.OnLayer2(rec, pkt, dir.DIR_A)

	buf := schema.NewBuffer()
	d.OnFlowTerminate(rec, tbl, buf)
	assert.NotEmpty(buf.Bytes())
}
