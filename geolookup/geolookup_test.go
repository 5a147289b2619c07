package geolookup

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
	"10.0.0.0/8": {"country": "US", "asn": 64512, "org": "example-corp"},
	"10.1.0.0/16": {"country": "CA", "asn": 64513, "org": "example-branch"},
	"2001:db8::/32": {"country": "DE", "asn": 64514, "org": "example-eu"}
}`

func TestLoad_ParsesEveryPrefix(t *testing.T) {
	assert := assert.New(t)
	table, err := Load([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(3, table.Len())
}

func TestLookup_PrefersMostSpecificPrefix(t *testing.T) {
	assert := assert.New(t)
	table, err := Load([]byte(sampleDoc))
	require.NoError(t, err)

	entry, ok := table.Lookup(netip.MustParseAddr("10.1.2.3"))
	assert.True(ok)
	assert.Equal("CA", entry.Country)
	assert.EqualValues(64513, entry.ASN)

	entry, ok = table.Lookup(netip.MustParseAddr("10.2.2.3"))
	assert.True(ok)
	assert.Equal("US", entry.Country)
}

func TestLookup_IPv6PrefixMatches(t *testing.T) {
	assert := assert.New(t)
	table, err := Load([]byte(sampleDoc))
	require.NoError(t, err)

	entry, ok := table.Lookup(netip.MustParseAddr("2001:db8::1"))
	assert.True(ok)
	assert.Equal("DE", entry.Country)
}

func TestLookup_NoMatchReturnsFalse(t *testing.T) {
	assert := assert.New(t)
	table, err := Load([]byte(sampleDoc))
	require.NoError(t, err)

	_, ok := table.Lookup(netip.MustParseAddr("192.0.2.1"))
	assert.False(ok)
}

func TestLookup_NilTableIsSafe(t *testing.T) {
	assert := assert.New(t)
	var table *Table
	_, ok := table.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.False(ok)
	assert.Equal(0, table.Len())
}

func TestLoad_SkipsMalformedPrefixButKeepsOthers(t *testing.T) {
	assert := assert.New(t)
	doc := `{"not-a-prefix": {"country":"US"}, "192.0.2.0/24": {"country":"FR","asn":1,"org":"x"}}`
	table, err := Load([]byte(doc))
	require.NoError(t, err)
	assert.Equal(1, table.Len())

	entry, ok := table.Lookup(netip.MustParseAddr("192.0.2.5"))
	assert.True(ok)
	assert.Equal("FR", entry.Country)
}
