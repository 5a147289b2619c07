// Package dir represents flow direction.
//
// Exported to a separate package so that packet, flowtable and the
// dissectors can all depend on it without an import cycle.
package dir

import "errors"

var ErrValue = errors.New("invalid direction")

// Dir is the direction of a flow relative to its two endpoints.
type Dir byte

const (
	DIR_A  Dir = 0b01 // A: the flow initiator (first packet of the key)
	DIR_B  Dir = 0b10 // B: the flow responder
	DIR_AB Dir = 0b11 // both directions, used for registration filters
)

// Flip returns the opposite direction.
func (d Dir) Flip() Dir {
	switch d {
	case DIR_A:
		return DIR_B
	case DIR_B:
		return DIR_A
	default:
		return 0
	}
}

func (d Dir) String() string {
	switch d {
	case DIR_A:
		return "A"
	case DIR_B:
		return "B"
	case DIR_AB:
		return "AB"
	default:
		return "?"
	}
}

// Parse converts a string ("A", "B" or "AB", case-insensitive) to a Dir.
func Parse(s string) (Dir, error) {
	switch s {
	case "A", "a":
		return DIR_A, nil
	case "B", "b":
		return DIR_B, nil
	case "AB", "ab", "Ab", "aB":
		return DIR_AB, nil
	default:
		return 0, ErrValue
	}
}
