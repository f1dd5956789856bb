package arweave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkData_Empty(t *testing.T) {
	cd := ChunkData(nil)
	assert.Equal(t, int64(0), cd.DataSize)
	require.Len(t, cd.Chunks, 1)
	assert.Equal(t, int64(0), cd.Chunks[0].MinByteRange)
	assert.Equal(t, int64(0), cd.Chunks[0].MaxByteRange)
}

func TestChunkData_SingleChunk(t *testing.T) {
	data := make([]byte, 1000)
	cd := ChunkData(data)
	require.Len(t, cd.Chunks, 1)
	assert.Equal(t, int64(1000), cd.DataSize)
	assert.Equal(t, int64(0), cd.Chunks[0].MinByteRange)
	assert.Equal(t, int64(1000), cd.Chunks[0].MaxByteRange)
	assert.NotEqual(t, [32]byte{}, cd.DataRoot)
}

func TestChunkData_ExactMultiple(t *testing.T) {
	data := make([]byte, 2*MaxChunkSize)
	cd := ChunkData(data)
	require.Len(t, cd.Chunks, 2)
	assert.Equal(t, int64(MaxChunkSize), cd.Chunks[0].MaxByteRange)
	assert.Equal(t, int64(2*MaxChunkSize), cd.Chunks[1].MaxByteRange)
}

func TestChunkData_TailRebalance(t *testing.T) {
	// a tail just below MinChunkSize forces the last two chunks to split
	// evenly instead of leaving a tiny final chunk
	size := MaxChunkSize + MinChunkSize - 1
	cd := ChunkData(make([]byte, size))
	require.Len(t, cd.Chunks, 2)
	for i, c := range cd.Chunks {
		got := c.MaxByteRange - c.MinByteRange
		assert.GreaterOrEqualf(t, got, int64(MinChunkSize),
			"chunk %d is %d bytes, below the minimum", i, got)
	}
}

func TestChunkData_CoverageIsContiguous(t *testing.T) {
	size := 3*MaxChunkSize + 12345
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	cd := ChunkData(data)

	var cursor int64
	for i, c := range cd.Chunks {
		assert.Equalf(t, cursor, c.MinByteRange, "chunk %d does not start where the last ended", i)
		assert.Greater(t, c.MaxByteRange, c.MinByteRange)
		assert.LessOrEqual(t, c.MaxByteRange-c.MinByteRange, int64(MaxChunkSize))
		assert.NotEmpty(t, c.DataPath)
		cursor = c.MaxByteRange
	}
	assert.Equal(t, int64(size), cursor)
}

func TestChunkData_RootIsDeterministic(t *testing.T) {
	data := make([]byte, MaxChunkSize+500000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	a := ChunkData(data)
	b := ChunkData(data)
	assert.Equal(t, a.DataRoot, b.DataRoot)

	data[0] ^= 1
	c := ChunkData(data)
	assert.NotEqual(t, a.DataRoot, c.DataRoot)
}
