package flowtable

import (
	"net/netip"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/stretchr/testify/assert"
)

func key(sport, dport uint16) Key {
	return Key{
		Src:     netip.MustParseAddr("10.0.0.1"),
		Dst:     netip.MustParseAddr("10.0.0.2"),
		SrcPort: sport,
		DstPort: dport,
		Proto:   6,
	}
}

func TestGetOrCreate_NewFlow(t *testing.T) {
	assert := assert.New(t)
	tbl := New()
	now := time.Unix(1000, 0)

	rec, created := tbl.GetOrCreate(key(1234, 80), now)
	assert.True(created)
	assert.Equal(dir.DIR_A, rec.Direction)
	assert.Equal(NotFound, rec.Opposite)
	assert.Equal(now, rec.FirstSeen)
	assert.Equal(now, rec.LastSeen)
	assert.True(rec.Status&StatusNew != 0)
}

func TestGetOrCreate_ReverseLinksOpposite(t *testing.T) {
	assert := assert.New(t)
	tbl := New()
	now := time.Unix(1000, 0)

	a, _ := tbl.GetOrCreate(key(1234, 80), now)

	rev := key(1234, 80).Reverse()
	b, created := tbl.GetOrCreate(rev, now.Add(time.Second))
	assert.True(created)
	assert.Equal(dir.DIR_B, b.Direction)
	assert.Equal(int64(a.Findex), b.Opposite)
	assert.Equal(int64(b.Findex), a.Opposite)

	assert.Equal(a, tbl.Opposite(b))
	assert.Equal(b, tbl.Opposite(a))

	// a second packet on the original key must hit the same A record, not
	// create a third uniflow
	again, created2 := tbl.GetOrCreate(key(1234, 80), now.Add(2*time.Second))
	assert.False(created2)
	assert.Equal(a.Findex, again.Findex)
}

func TestLookup_BothDirections(t *testing.T) {
	assert := assert.New(t)
	tbl := New()
	now := time.Unix(1000, 0)
	k := key(1234, 80)

	created, _ := tbl.GetOrCreate(k, now)

	rec, ok := tbl.Lookup(k)
	assert.True(ok)
	assert.Equal(created.Findex, rec.Findex)

	// the reverse key has not been seen yet as its own uniflow
	_, ok = tbl.Lookup(k.Reverse())
	assert.False(ok)

	b, _ := tbl.GetOrCreate(k.Reverse(), now)
	rec, ok = tbl.Lookup(k.Reverse())
	assert.True(ok)
	assert.Equal(b.Findex, rec.Findex)
}

func TestRecord_DurationAndTouch(t *testing.T) {
	assert := assert.New(t)
	r := &Record{}
	t0 := time.Unix(100, 0)
	t1 := time.Unix(105, 0)

	r.Touch(t0)
	r.Touch(t1)
	assert.Equal(t0, r.FirstSeen)
	assert.Equal(t1, r.LastSeen)
	assert.Equal(5*time.Second, r.Duration())

	// a timestamp older than lastSeen must never regress firstSeen<=lastSeen
	r.Touch(t0.Add(-time.Hour))
	assert.True(!r.LastSeen.Before(r.FirstSeen))
}

func TestRecord_StatusMonotonic(t *testing.T) {
	assert := assert.New(t)
	r := &Record{}
	r.Mark(StatusNew)
	r.Mark(StatusTimedOut)
	assert.True(r.Status&StatusNew != 0)
	assert.True(r.Status&StatusTimedOut != 0)

	r.SetDirectionInverted(true)
	assert.True(r.DirectionInverted())
	r.SetDirectionInverted(false)
	assert.False(r.DirectionInverted())
	// the earlier monotonic bits must survive the mutable bit's toggle
	assert.True(r.Status&StatusNew != 0)
}

func TestIdleTimedOut(t *testing.T) {
	assert := assert.New(t)
	tbl := New()
	base := time.Unix(0, 0)
	rec, _ := tbl.GetOrCreate(key(1, 2), base)

	idle := tbl.IdleTimedOut(base.Add(5*time.Second), 10*time.Second)
	assert.Empty(idle)

	idle = tbl.IdleTimedOut(base.Add(20*time.Second), 10*time.Second)
	if assert.Len(idle, 1) {
		assert.Equal(rec.Findex, idle[0].Findex)
	}
}
