// Package flowtable implements the concurrent-safe flow table: a hash map
// from flow key to flow record, with each flow's sibling (reverse-key)
// lookup cross-referenced through an opposite-flow index.
//
// The map is backed by xsync.MapOf, a lock-free structure: here it is the
// process-wide mapping the dispatcher and any read-only observers (a
// monitoring tick, the NetFlow exporter) can consult without the
// dispatcher's single-writer discipline degrading to a mutex.
package flowtable

import (
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/puzpuzpuz/xsync/v3"
)

// Table demultiplexes packets into bidirectional flow records.
type Table struct {
	byKey   *xsync.MapOf[Key, uint64] // flow key -> findex
	records *xsync.MapOf[uint64, *Record]
	next    uint64
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byKey:   xsync.NewMapOf[Key, uint64](),
		records: xsync.NewMapOf[uint64, *Record](),
	}
}

// Lookup returns the record registered directly under key. Each direction
// of a conversation registers its own natural key (the sibling lookup for
// the reverse key is resolved once, at creation, by cross-linking rather
// than by a reverse lookup on every packet) so a packet's own header
// fields always hit the right record directly. ok is false if this exact
// direction has not been seen yet.
func (t *Table) Lookup(key Key) (rec *Record, ok bool) {
	idx, found := t.byKey.Load(key)
	if !found {
		return nil, false
	}
	rec, ok = t.records.Load(idx)
	return rec, ok
}

// GetOrCreate returns the existing record for key, or creates one. A new
// key whose reverse is already registered becomes that flow's opposite
// uniflow (direction B), cross-linked through Opposite — two per-direction
// flow records, not one shared bidirectional record, mirroring how the
// per-direction TCP sequence/window state in each dissector slot can
// never be confused with its peer's. created tells the dispatcher whether
// to run on-new-flow.
func (t *Table) GetOrCreate(key Key, ts time.Time) (rec *Record, created bool) {
	if rec, ok := t.Lookup(key); ok {
		return rec, false
	}

	findex := t.nextFindex()
	rec = &Record{
		Findex:    findex,
		Key:       key,
		Direction: dir.DIR_A,
		Opposite:  NotFound,
	}
	rec.Touch(ts)
	rec.Mark(StatusNew)

	// another goroutine could race us; LoadOrStore resolves that
	if idx, exists := t.byKey.LoadOrStore(key, findex); exists {
		existing, _ := t.records.Load(idx)
		return existing, false
	}
	t.records.Store(findex, rec)

	// cross-link the opposite uniflow, if its reverse key already exists
	if oidx, found := t.byKey.Load(key.Reverse()); found {
		if orec, ok := t.records.Load(oidx); ok {
			orec.Opposite = int64(findex)
			rec.Opposite = int64(oidx)
			rec.Direction = dir.DIR_B
		}
	}

	return rec, true
}

func (t *Table) nextFindex() uint64 {
	t.next++
	return t.next
}

// Get returns the record for findex, or nil.
func (t *Table) Get(findex uint64) *Record {
	rec, _ := t.records.Load(findex)
	return rec
}

// Opposite resolves rec's opposite-flow back-reference through the table,
// returning nil if it has none or the opposite has already been removed.
// Resolved at use, never a stale pointer.
func (t *Table) Opposite(rec *Record) *Record {
	if rec == nil || rec.Opposite == NotFound {
		return nil
	}
	return t.Get(uint64(rec.Opposite))
}

// Remove deletes findex's record and key mapping. Called by the dispatcher
// once every on-flow-terminate hook has run.
func (t *Table) Remove(findex uint64) {
	rec, ok := t.records.Load(findex)
	if !ok {
		return
	}
	t.byKey.Delete(rec.Key)
	t.records.Delete(findex)
}

// Len returns the number of live flows.
func (t *Table) Len() int { return t.records.Size() }

// Range calls f for every live flow; iteration order is unspecified.
// Stops early if f returns false.
func (t *Table) Range(f func(*Record) bool) {
	t.records.Range(func(_ uint64, rec *Record) bool {
		return f(rec)
	})
}

// IdleTimedOut returns the flows whose LastSeen is older than now-idle:
// flows age out by wall-clock packet timestamp, not real time.
func (t *Table) IdleTimedOut(now time.Time, idle time.Duration) []*Record {
	var out []*Record
	t.Range(func(rec *Record) bool {
		if now.Sub(rec.LastSeen) >= idle {
			out = append(out, rec)
		}
		return true
	})
	return out
}
