package cqcorex

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionManagerDefaultCompress(t *testing.T) {
	mgr := NewCompressionManagerDefault(32, 0.83)

	compressible := bytes.Repeat([]byte("abcdefgh"), 64)

	out, datatype, err := mgr.Compress(true, 0, compressible)
	require.NoError(t, err)
	assert.NotZero(t, datatype&DatatypeFlagCompressed)
	assert.Less(t, len(out), len(compressible))

	decoded, err := snappy.Decode(nil, out)
	require.NoError(t, err)
	assert.Equal(t, compressible, decoded)
}

func TestCompressionManagerDefaultSkipsSmallValues(t *testing.T) {
	mgr := NewCompressionManagerDefault(32, 0.83)

	small := []byte("tiny")
	out, datatype, err := mgr.Compress(true, 0, small)
	require.NoError(t, err)
	assert.Zero(t, datatype&DatatypeFlagCompressed)
	assert.Equal(t, small, out)
}

func TestCompressionManagerDefaultSkipsIncompressible(t *testing.T) {
	mgr := NewCompressionManagerDefault(32, 0.83)

	random := make([]byte, 512)
	_, err := rand.Read(random)
	require.NoError(t, err)

	out, datatype, err := mgr.Compress(true, 0, random)
	require.NoError(t, err)
	assert.Zero(t, datatype&DatatypeFlagCompressed)
	assert.Equal(t, random, out)
}

func TestCompressionManagerDefaultUnsupportedClient(t *testing.T) {
	mgr := NewCompressionManagerDefault(32, 0.83)

	compressible := bytes.Repeat([]byte("abcdefgh"), 64)
	out, datatype, err := mgr.Compress(false, 0, compressible)
	require.NoError(t, err)
	assert.Zero(t, datatype&DatatypeFlagCompressed)
	assert.Equal(t, compressible, out)
}

func TestCompressionManagerDefaultAlreadyCompressed(t *testing.T) {
	mgr := NewCompressionManagerDefault(32, 0.83)

	value := bytes.Repeat([]byte("abcdefgh"), 64)
	out, datatype, err := mgr.Compress(true, DatatypeFlagCompressed, value)
	require.NoError(t, err)
	assert.Equal(t, DatatypeFlagCompressed, datatype)
	assert.Equal(t, value, out)
}

func TestCompressionManagerDefaultDecompress(t *testing.T) {
	mgr := NewCompressionManagerDefault(32, 0.83)

	value := bytes.Repeat([]byte("abcdefgh"), 64)
	compressed := snappy.Encode(nil, value)

	out, datatype, err := mgr.Decompress(DatatypeFlagCompressed, compressed)
	require.NoError(t, err)
	assert.Zero(t, datatype&DatatypeFlagCompressed)
	assert.Equal(t, value, out)

	// Uncompressed values pass straight through.
	out, _, err = mgr.Decompress(0, value)
	require.NoError(t, err)
	assert.Equal(t, value, out)

	// Garbage fails rather than returning junk.
	_, _, err = mgr.Decompress(DatatypeFlagCompressed, []byte{0xff, 0x00, 0x01})
	assert.Error(t, err)
}
