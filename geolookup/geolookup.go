// Package geolookup implements a subnet/geolocation lookup table: a
// static document mapping CIDR prefixes to coarse location/origin
// metadata, consulted by a wiring layer (NetFlow export, the operator
// report) when it wants to annotate an address beyond what the core
// dissectors decode.
//
// The document is walked field-by-field with github.com/buger/jsonparser
// rather than unmarshaled into a map[string]any, using
// jsonparser.ObjectEach to avoid an intermediate interface{}
// tree for what is a flat decode over already-bounded input.
package geolookup

import (
	"fmt"
	"net/netip"
	"os"
	"sort"

	jsp "github.com/buger/jsonparser"
)

// Entry is one subnet's resolved metadata.
type Entry struct {
	Country string
	ASN     uint32
	Org     string
}

type record struct {
	prefix netip.Prefix
	entry  Entry
}

// Table resolves an address to its Entry by longest-prefix match.
type Table struct {
	records []record // sorted by prefix length, descending
}

// Load parses a JSON document of the form
//
//	{"10.0.0.0/8": {"country":"US","asn":64512,"org":"example"}, ...}
//
// into a Table. A row with a malformed prefix is skipped, and an entry
// field that is missing or of the wrong type is left at its zero value,
// rather than failing the whole document, since one bad row in an operator-supplied
// lookup table shouldn't disable lookups for every other row.
func Load(data []byte) (*Table, error) {
	t := &Table{}
	err := jsp.ObjectEach(data, func(key []byte, value []byte, _ jsp.ValueType, _ int) error {
		prefix, err := netip.ParsePrefix(string(key))
		if err != nil {
			return nil
		}

		var e Entry
		if s, err := jsp.GetString(value, "country"); err == nil {
			e.Country = s
		}
		if n, err := jsp.GetInt(value, "asn"); err == nil {
			e.ASN = uint32(n)
		}
		if s, err := jsp.GetString(value, "org"); err == nil {
			e.Org = s
		}

		t.records = append(t.records, record{prefix: prefix, entry: e})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("geolookup: parse document: %w", err)
	}

	sort.SliceStable(t.records, func(i, j int) bool {
		return t.records[i].prefix.Bits() > t.records[j].prefix.Bits()
	})
	return t, nil
}

// LoadFile reads path and parses it with Load.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Lookup returns the most specific (longest-prefix-match) Entry covering
// addr, or ok=false if no prefix in the table contains it.
func (t *Table) Lookup(addr netip.Addr) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	addr = addr.Unmap()
	for _, rec := range t.records {
		if rec.prefix.Contains(addr) {
			return rec.entry, true
		}
	}
	return Entry{}, false
}

// Len returns the number of loaded prefixes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.records)
}
