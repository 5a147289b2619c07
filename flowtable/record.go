package flowtable

import (
	"time"

	"github.com/flowlens/flowlens/dir"
)

// NotFound is the sentinel opposite-flow index: either a valid index of
// the reverse flow or this distinguished value.
const NotFound int64 = -1

// Status bits are monotonic: once OR'd in, never cleared, except the
// reserved DirectionInvert bit (DHCP reply-as-B).
type Status uint32

const (
	StatusNew             Status = 1 << iota
	StatusTimedOut               // aged out by idle timeout
	StatusNaturalEnd             // TCP RST/FIN-ACK or ICMP port-unreachable
	StatusForcedRemoval          // a dissector requested T2_RM_FLOW
	StatusEndOfCapture           // flushed at end of capture
	StatusTimeJump                // inherited global timestamp-regression warning
	statusDirectionInvert        // the one mutable bit; use SetDirectionInverted
)

// DirectionInverted reports whether a dissector (e.g. DHCP on an OFFER with
// no opposite flow) flipped this flow's reply to be seen as B.
func (s Status) DirectionInverted() bool { return s&statusDirectionInvert != 0 }

// Record is the per-flow metadata owned by the Table.
//
// All mutation of a Record happens from the single dispatcher goroutine
// (the flow table is single-writer; the dispatcher is the only writer);
// the Table itself is safe for concurrent reads from other goroutines
// (e.g. a monitoring tick) because it is backed by xsync.
type Record struct {
	Findex    uint64
	Key       Key
	Direction dir.Dir

	FirstSeen time.Time
	LastSeen  time.Time

	IPVersion uint8
	Status    Status

	// Opposite is the findex of the reverse-key flow, or NotFound.
	// Resolved through the Table at use rather than a raw pointer, to
	// avoid stale references when a flow terminates before its opposite.
	Opposite int64
}

// Duration returns LastSeen - FirstSeen.
func (r *Record) Duration() time.Duration {
	if r.LastSeen.Before(r.FirstSeen) {
		return 0
	}
	return r.LastSeen.Sub(r.FirstSeen)
}

// Touch updates LastSeen, enforcing firstSeen <= lastSeen.
func (r *Record) Touch(ts time.Time) {
	if r.FirstSeen.IsZero() {
		r.FirstSeen = ts
	}
	if ts.After(r.LastSeen) || r.LastSeen.IsZero() {
		r.LastSeen = ts
	}
}

// Mark ORs bits into Status. Status bits never clear, so this is the
// only mutator besides SetDirectionInverted.
func (r *Record) Mark(bits Status) { r.Status |= bits }

// SetDirectionInverted sets the one status bit that is allowed to be
// toggled rather than monotonically OR'd.
func (r *Record) SetDirectionInverted(v bool) {
	if v {
		r.Status |= statusDirectionInvert
	} else {
		r.Status &^= statusDirectionInvert
	}
}
