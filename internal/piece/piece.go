// Package piece implements the per-piece block ledger and hash
// verification described in spec §4.2: a piece is made up of fixed-size
// blocks, and transitions to complete only once every block is present and
// the concatenation's SHA-1 matches the expected hash.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	"BitTorrent/internal/wire"
)

// Block is a sub-unit of a piece, the unit of request. Data is nil until
// the block's payload has arrived.
type Block struct {
	Index  int
	Length int
	Data   []byte
}

// Piece is the unit of hash verification: an ordered sequence of blocks,
// an expected SHA-1 hash, and a completion flag.
type Piece struct {
	Index       int
	PieceLength int64 // uniform piece length from the metainfo
	Length      int64 // this piece's actual length, possibly short for the last piece
	Hash        [20]byte
	Blocks      []Block
	Complete    bool
}

// New builds a piece's block ledger. Block count is ceil(length / BlockSize).
func New(index int, length, pieceLength int64, hash [20]byte) *Piece {
	numBlocks := int((length + wire.BlockSize - 1) / wire.BlockSize)
	if numBlocks == 0 {
		numBlocks = 1
	}

	blocks := make([]Block, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blockLen := wire.BlockSize
		if i == numBlocks-1 {
			blockLen = int(length - int64(i)*wire.BlockSize)
		}
		blocks[i] = Block{Index: i, Length: blockLen}
	}

	return &Piece{
		Index:       index,
		PieceLength: pieceLength,
		Length:      length,
		Hash:        hash,
		Blocks:      blocks,
	}
}

// NextBlockToRequest returns the first block (ascending index) lacking
// data, or nil if the piece is complete or every block has been received
// and is pending verification.
func (p *Piece) NextBlockToRequest() *Block {
	if p.Complete {
		return nil
	}

	for i := range p.Blocks {
		if p.Blocks[i].Data == nil {
			return &p.Blocks[i]
		}
	}

	return nil
}

// haveAllBlocks reports whether every block's data has arrived.
func (p *Piece) haveAllBlocks() bool {
	for i := range p.Blocks {
		if p.Blocks[i].Data == nil {
			return false
		}
	}
	return true
}

// StoreBlock installs data at the given block index. If every block now
// has data, it hashes the concatenation: on match the piece is written to
// file at its offset (index * pieceLength), block payloads are released
// and Complete is set; on mismatch block payloads are released and the
// piece remains requestable. A hash mismatch is reported via the bool
// return, never as an error — only a write/seek failure returns err.
// A block for a piece that is already complete is ignored (committed is
// false), so a duplicate delivery is never written or counted twice.
func (p *Piece) StoreBlock(file io.WriterAt, blockIndex int, data []byte) (committed bool, err error) {
	if blockIndex < 0 || blockIndex >= len(p.Blocks) {
		return false, fmt.Errorf("piece: block index %d out of range (have %d blocks)", blockIndex, len(p.Blocks))
	}

	if p.Complete {
		return false, nil
	}

	p.Blocks[blockIndex].Data = data

	if !p.haveAllBlocks() {
		return false, nil
	}

	full := make([]byte, 0, p.Length)
	for i := range p.Blocks {
		full = append(full, p.Blocks[i].Data...)
	}

	sum := sha1.Sum(full)
	if !bytes.Equal(sum[:], p.Hash[:]) {
		p.clearBlockData()
		return false, nil
	}

	offset := int64(p.Index) * p.PieceLength
	if _, err := file.WriteAt(full, offset); err != nil {
		return false, fmt.Errorf("piece: writing piece %d at offset %d: %w", p.Index, offset, err)
	}

	p.clearBlockData()
	p.Complete = true
	return true, nil
}

// clearBlockData releases retained block payloads, bounding memory use to
// in-flight pieces only.
func (p *Piece) clearBlockData() {
	for i := range p.Blocks {
		p.Blocks[i].Data = nil
	}
}
