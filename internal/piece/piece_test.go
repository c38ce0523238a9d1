package piece_test

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BitTorrent/internal/piece"
)

// memFile is an in-memory io.WriterAt standing in for the torrent's output
// file, so these tests never touch disk.
type memFile struct {
	data []byte
}

func (f *memFile) WriteAt(b []byte, off int64) (int, error) {
	end := off + int64(len(b))
	if int64(len(f.data)) < end {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], b)
	return len(b), nil
}

func TestNewPieceBlockCount(t *testing.T) {
	p := piece.New(4, 256, 4, [20]byte{1, 2, 3})
	require.Len(t, p.Blocks, 1)
	assert.Equal(t, 256, p.Blocks[0].Length)
}

func TestNextBlockToRequest(t *testing.T) {
	p := piece.New(4, 256, 4, [20]byte{1, 2, 3})
	block := p.NextBlockToRequest()
	require.NotNil(t, block)
	assert.Equal(t, 0, block.Index)

	p.Complete = true
	assert.Nil(t, p.NextBlockToRequest())
}

func TestStoreBlockVerifiesAndWrites(t *testing.T) {
	blockA := make([]byte, 16384)
	blockB := make([]byte, 16384)
	for i := range blockA {
		blockA[i] = byte(i)
	}
	for i := range blockB {
		blockB[i] = byte(255 - i)
	}

	full := append(append([]byte{}, blockA...), blockB...)
	hash := sha1.Sum(full)

	p := piece.New(0, int64(len(full)), int64(len(full)), hash)
	require.Len(t, p.Blocks, 2)

	file := &memFile{}

	committed, err := p.StoreBlock(file, 0, blockA)
	require.NoError(t, err)
	assert.False(t, committed)
	assert.False(t, p.Complete)

	committed, err = p.StoreBlock(file, 1, blockB)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.True(t, p.Complete)
	assert.Equal(t, full, file.data)

	for _, b := range p.Blocks {
		assert.Nil(t, b.Data)
	}
}

func TestStoreBlockHashMismatchIsRecoverable(t *testing.T) {
	blockA := []byte("0123456789abcdef")
	wrongHash := sha1.Sum([]byte("not the right data"))

	p := piece.New(0, int64(len(blockA)), int64(len(blockA)), wrongHash)
	file := &memFile{}

	committed, err := p.StoreBlock(file, 0, blockA)
	require.NoError(t, err)
	assert.False(t, committed)
	assert.False(t, p.Complete)
	assert.Nil(t, p.Blocks[0].Data, "corrupt piece must release its block data")
	assert.Empty(t, file.data, "a corrupt piece must never be written to disk")

	// the piece remains requestable
	block := p.NextBlockToRequest()
	require.NotNil(t, block)
	assert.Equal(t, 0, block.Index)
}

func TestLastBlockIsShort(t *testing.T) {
	const length = 16384 + 100 // one full block + a short remainder
	p := piece.New(0, length, length, [20]byte{})
	require.Len(t, p.Blocks, 2)
	assert.Equal(t, 16384, p.Blocks[0].Length)
	assert.Equal(t, 100, p.Blocks[1].Length)
}

func TestSingleBlockPiece(t *testing.T) {
	p := piece.New(0, 10, 10, [20]byte{})
	require.Len(t, p.Blocks, 1)
	assert.Equal(t, 10, p.Blocks[0].Length)
}
