package capture

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource_RoundTripsWriteRecord(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	ts := time.Unix(1700000000, 500000000)

	require.NoError(t, WriteRecord(&buf, ts, 64, []byte{1, 2, 3, 4}))
	require.NoError(t, WriteRecord(&buf, ts.Add(time.Second), 128, []byte{5, 6}))

	src := NewFileSource(&buf)

	rec, err := src.Next()
	require.NoError(t, err)
	assert.Equal(64, rec.WireLen)
	assert.Equal([]byte{1, 2, 3, 4}, rec.Raw)
	assert.Equal(ts.Unix(), rec.Timestamp.Unix())

	rec, err = src.Next()
	require.NoError(t, err)
	assert.Equal(128, rec.WireLen)
	assert.Equal([]byte{5, 6}, rec.Raw)

	_, err = src.Next()
	assert.Equal(io.EOF, err)
}

func TestFileSource_EmptyStreamReturnsEOF(t *testing.T) {
	assert := assert.New(t)
	src := NewFileSource(&bytes.Buffer{})
	_, err := src.Next()
	assert.Equal(io.EOF, err)
}
