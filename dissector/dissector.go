// Package dissector defines the plugin-slot/dispatcher architecture: a
// fixed-ordered list of dissectors, each owning one parallel array
// indexed by flow index, driven by four hooks per packet. Dissectors are
// sorted by declared dependency and run in that order for every hook.
package dissector

import (
	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

// Dissector is a registered module that owns per-flow state and emits
// schema columns at flow termination.
//
// A flow's per-dissector slot is entirely owned by its dissector:
// ownership is exclusive, and cross-dissector reads are read-only by
// convention. Implementations hold their own parallel array (e.g.
// map[uint64]*slotType) indexed by Record.Findex, allocated in OnNewFlow
// and read/cleared in OnFlowTerminate.
type Dissector interface {
	// Name identifies this dissector for dependency resolution and for
	// the "[plugin] message" operator report stream.
	Name() string

	// DependsOn lists the names of dissectors that must run before this
	// one on the same hook call.
	DependsOn() []string

	// Schema returns this dissector's ordered output field list,
	// declared once at registration.
	Schema() schema.Schema

	// OnNewFlow fires once, for the first packet of a flow key. pd is
	// rec.Direction: DIR_A for the flow opened by the initiator's first
	// packet, DIR_B for the reverse-key flow that carries the
	// responder's packets.
	OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir)

	// OnLayer2 fires for every packet, regardless of L3/L4 protocol —
	// used by dissectors like ARP that have no IP layer.
	OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir)

	// OnLayer4 fires for every packet that has an IPv4/IPv6 + transport
	// layer.
	OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir)

	// OnFlowTerminate fires at most once per flow, after all on-layer
	// hooks for that flow have completed. It must append exactly its
	// declared Schema's worth of values to out, in order.
	OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer)
}

// Base provides no-op implementations of the optional hooks so concrete
// dissectors only need to override the ones they care about.
type Base struct{}

func (Base) OnNewFlow(*flowtable.Record, *packet.Packet, dir.Dir)                {}
func (Base) OnLayer2(*flowtable.Record, *packet.Packet, dir.Dir)                {}
func (Base) OnLayer4(*flowtable.Record, *flowtable.Table, *packet.Packet, dir.Dir) {}
func (Base) OnFlowTerminate(*flowtable.Record, *flowtable.Table, *schema.Buffer)  {}
func (Base) DependsOn() []string                                                 { return nil }
