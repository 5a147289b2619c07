// Package schema implements a schema-driven output buffer: at init each
// dissector declares an ordered list of (name, type, description) fields,
// and at flow termination must append exactly that schema's worth of
// values, in order, to a Buffer.
//
// Each Field is a small self-describing wire value, the same shape a TLV
// attribute type would take, generalized here to a whole ordered field
// list per dissector rather than one attribute at a time.
package schema

// Type is the wire semantic of one output field: IPv4 addresses encode as
// 4 bytes, IPv6 as 16, and timestamps as (seconds:u64, microseconds:u32).
type Type int

const (
	Uint8 Type = iota
	Uint16
	Uint32
	Uint64
	Float64
	IPv4
	IPv6
	MAC
	Timestamp
	String   // length-prefixed
	Bytes    // length-prefixed raw bytes
	Repeat   // preceded by an unsigned count; the group schema follows
)

// Field is one (name, type, description) schema entry.
type Field struct {
	Name        string
	Type        Type
	Description string
	// Of is the repeating group's field list, only set when Type == Repeat.
	Of []Field
}

// Schema is the ordered field list a dissector declares at init and must
// match byte-for-byte when it appends to a Buffer in on-flow-terminate.
type Schema []Field

// F is a small constructor to keep schema declarations readable.
func F(name string, t Type, desc string) Field {
	return Field{Name: name, Type: t, Description: desc}
}

// R declares a repeating group field: a count prefix followed by that
// many copies of the given sub-schema.
func R(name, desc string, of ...Field) Field {
	return Field{Name: name, Type: Repeat, Description: desc, Of: of}
}
