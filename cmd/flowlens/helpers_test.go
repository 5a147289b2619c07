package main

import (
	"testing"

	"github.com/flowlens/flowlens/dissectors/basicstats"
	"github.com/stretchr/testify/assert"
)

func TestResolveLengthLayer_MapsKnownNamesAndDefaultsToL4(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(basicstats.LenL2, resolveLengthLayer("l2"))
	assert.Equal(basicstats.LenL3, resolveLengthLayer("l3"))
	assert.Equal(basicstats.LenL4, resolveLengthLayer("l4"))
	assert.Equal(basicstats.LenL7, resolveLengthLayer("l7"))
	assert.Equal(basicstats.LenL4, resolveLengthLayer("bogus"))
}

func TestSanitize_ReplacesNonAlphanumericBytes(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("rtp-1-0000abcd", sanitize("rtp-1-0000abcd"))
	assert.Equal("a_b_c", sanitize("a/b:c"))
}
