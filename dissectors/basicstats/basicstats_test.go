package basicstats

import (
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
	"github.com/stretchr/testify/assert"
)

func synPacket(ts time.Time, payloadLen int) *packet.Packet {
	raw := make([]byte, 14+20+20+payloadLen)
	p := packet.New(ts, len(raw), raw, false)
	return p
}

func TestAccount_CountsPacketsAndBytes(t *testing.T) {
	assert := assert.New(t)
	d := New(Config{LengthLayer: LenL2})

	rec := &flowtable.Record{Findex: 1}
	rec.Touch(time.Unix(0, 0))

	p1 := synPacket(time.Unix(0, 0), 10)
	p2 := synPacket(time.Unix(1, 0), 20)

	d.OnNewFlow(rec, p1, dir.DIR_A)
	d.account(rec, p1)
	d.account(rec, p2)

	s := d.slots[1]
	assert.Equal(uint64(2), s.packets)
	assert.Equal(uint64(p1.WireLen+p2.WireLen), s.bytes)
	assert.Equal(float64(p1.WireLen), s.length.Min)
}

func TestOnFlowTerminate_EmitsFields(t *testing.T) {
	assert := assert.New(t)
	d := New(Config{LengthLayer: LenL2})
	tbl := flowtable.New()

	rec := &flowtable.Record{Findex: 1, Opposite: flowtable.NotFound}
	rec.Touch(time.Unix(0, 0))
	rec.Touch(time.Unix(2, 0))

	p := synPacket(time.Unix(0, 0), 10)
	d.OnNewFlow(rec, p, dir.DIR_A)
	d.account(rec, p)

	buf := schema.NewBuffer()
	d.OnFlowTerminate(rec, tbl, buf)

	assert.NotEmpty(buf.Bytes())
	_, stillTracked := d.slots[1]
	assert.False(stillTracked)
}

func TestSaturation_TriggersForcedRemoval(t *testing.T) {
	assert := assert.New(t)
	d := New(Config{LengthLayer: LenL2})
	rec := &flowtable.Record{Findex: 1}
	d.slots[1] = &slot{packets: ^uint64(0)}

	p := synPacket(time.Unix(0, 0), 10)
	d.account(rec, p)

	assert.True(rec.Status&flowtable.StatusForcedRemoval != 0)
}

func TestTalkerLeaderboard_BoundedToTopN(t *testing.T) {
	assert := assert.New(t)
	d := New(Config{LengthLayer: LenL2})

	for i := 0; i < TopN+5; i++ {
		var mac [6]byte
		mac[5] = byte(i)
		d.bumpMAC(mac, uint64(i+1), uint64((i+1)*100))
	}

	assert.LessOrEqual(len(d.macTalkers), TopN)
}

func TestAsymmetry(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(0.0, asymmetry(0, 0))
	assert.InDelta(1.0, asymmetry(10, 0), 1e-9)
	assert.InDelta(-1.0, asymmetry(0, 10), 1e-9)
	assert.InDelta(0.0, asymmetry(5, 5), 1e-9)
}
