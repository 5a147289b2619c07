package tls

import (
	"strconv"
	"strings"
)

// computeJA3 builds a JA3-style raw fingerprint string from a
// ClientHello: "version,ciphers,extensions" joined with '-' within each
// field, per SPEC_FULL.md's supplemented-feature note that the raw
// fingerprint inputs are retained alongside the derived Tor verdict.
// Elliptic-curve and point-format lists (the remaining two JA3 fields)
// are not decoded by this package, so they are left empty rather than
// guessed at.
func computeJA3(ch clientHello) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(ch.version)))
	b.WriteByte(',')
	writeDashed(&b, ch.ciphers)
	b.WriteByte(',')
	writeDashed(&b, ch.extensions)
	b.WriteString(",,")

	return b.String()
}

func writeDashed(b *strings.Builder, vals []uint16) {
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
}
