// Package store implements the shared torrent state described in spec
// §4.3: the piece set, the backing output file, peer-notification
// channels, block selection and piece commit. Every exported method that
// reads or changes piece or endpoint state takes a single store-wide lock;
// selection and commit are serialized across sessions by design (spec §5).
package store

import (
	"fmt"
	"os"
	"sync"

	"BitTorrent/internal/metainfo"
	"BitTorrent/internal/piece"
)

// CancelNotice tells a session it no longer needs to request (or act on an
// already-pipelined request for) the named block, because some other
// session's piece has already verified it.
type CancelNotice struct {
	PieceIndex int
	BlockIndex int
}

// notifyBufferSize is generous enough that a session's non-blocking drain
// never needs to race a slow broadcaster; if a session falls behind this
// far its endpoint is pruned on the next broadcast anyway.
const notifyBufferSize = 64

// Store is the single shared mutable object of a download: the metainfo,
// this client's peer id, the output file handle, the ordered piece list,
// and the live set of peer-notification endpoints.
type Store struct {
	mu sync.Mutex

	meta   *metainfo.Metainfo
	peerID [20]byte
	file   *os.File
	pieces []*piece.Piece

	endpoints []chan CancelNotice

	completedCount int
	done           chan struct{}
	doneOnce       sync.Once
}

// Open creates (or truncates) the output file at outPath to the torrent's
// exact total length and builds the piece ledger. The file is pre-sized up
// front so piece writes never grow it, per spec §3's invariant.
func Open(meta *metainfo.Metainfo, peerID [20]byte, outPath string) (*Store, error) {
	file, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: creating output file %q: %w", outPath, err)
	}

	if err := file.Truncate(meta.Length); err != nil {
		file.Close()
		return nil, fmt.Errorf("store: sizing output file %q to %d bytes: %w", outPath, meta.Length, err)
	}

	numPieces := meta.NumPieces()
	pieces := make([]*piece.Piece, numPieces)

	for i := 0; i < numPieces; i++ {
		length := meta.PieceLength
		if i == numPieces-1 {
			length = meta.Length - int64(i)*meta.PieceLength
		}
		pieces[i] = piece.New(i, length, meta.PieceLength, meta.PieceHashes[i])
	}

	return &Store{
		meta:   meta,
		peerID: peerID,
		file:   file,
		pieces: pieces,
		done:   make(chan struct{}),
	}, nil
}

// Close releases the output file handle.
func (s *Store) Close() error {
	return s.file.Close()
}

// NumPieces returns the piece count.
func (s *Store) NumPieces() int { return len(s.pieces) }

// PeerID returns this client's peer id.
func (s *Store) PeerID() [20]byte { return s.peerID }

// InfoHash returns the swarm's info hash.
func (s *Store) InfoHash() [20]byte { return s.meta.InfoHash }

// Done is closed once every piece has verified.
func (s *Store) Done() <-chan struct{} { return s.done }

// NextBlockToRequest scans pieces in ascending index; for each piece the
// peer claims to have (peerHave[i]) that is not yet complete, it asks that
// piece for its next missing block and returns the first one found. It
// never returns a piece the peer hasn't claimed, and never returns a piece
// that is already complete.
func (s *Store) NextBlockToRequest(peerHave []bool) (pieceIndex, blockIndex, blockLength int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pieces {
		if i >= len(peerHave) || !peerHave[i] {
			continue
		}
		if p.Complete {
			continue
		}

		block := p.NextBlockToRequest()
		if block == nil {
			continue
		}

		return i, block.Index, block.Length, true
	}

	return 0, 0, 0, false
}

// StoreBlock forwards block to its piece. The returned bool reports
// whether the *entire torrent* is now complete, matching spec §4.3. On
// successful piece verification, every registered peer is notified with a
// CancelRequest so it can avoid re-requesting (or mis-handling a duplicate
// delivery of) a block from that piece.
func (s *Store) StoreBlock(pieceIndex, blockIndex int, data []byte) (allComplete bool, err error) {
	s.mu.Lock()

	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		s.mu.Unlock()
		return false, fmt.Errorf("store: piece index %d out of range (have %d pieces)", pieceIndex, len(s.pieces))
	}

	p := s.pieces[pieceIndex]
	committed, err := p.StoreBlock(s.file, blockIndex, data)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}

	if committed {
		s.completedCount++
	}

	allComplete = s.completedCount == len(s.pieces)
	endpoints := s.endpointsSnapshot()
	s.mu.Unlock()

	if committed {
		s.broadcastCancel(endpoints, CancelNotice{PieceIndex: pieceIndex, BlockIndex: blockIndex})
	}

	if allComplete {
		s.doneOnce.Do(func() { close(s.done) })
	}

	return allComplete, nil
}

// endpointsSnapshot must be called with mu held.
func (s *Store) endpointsSnapshot() []chan CancelNotice {
	out := make([]chan CancelNotice, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// broadcastCancel delivers notice to every endpoint without holding the
// store lock (spec §5: cancellation notifications are delivered after the
// lock is released on the commit path). A full channel means its session
// has fallen behind or exited; such endpoints are pruned, under the lock,
// at the end of this same broadcast.
func (s *Store) broadcastCancel(endpoints []chan CancelNotice, notice CancelNotice) {
	var dead []chan CancelNotice

	for _, ch := range endpoints {
		select {
		case ch <- notice:
		default:
			dead = append(dead, ch)
		}
	}

	if len(dead) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneEndpoints(dead)
}

// pruneEndpoints must be called with mu held.
func (s *Store) pruneEndpoints(dead []chan CancelNotice) {
	kept := s.endpoints[:0]
	for _, ch := range s.endpoints {
		stale := false
		for _, d := range dead {
			if ch == d {
				stale = true
				break
			}
		}
		if !stale {
			kept = append(kept, ch)
		}
	}
	s.endpoints = kept
}

// RegisterPeer adds a new notification endpoint and returns its receive
// end for a session to drain. Endpoints are never reused (spec §3).
func (s *Store) RegisterPeer() <-chan CancelNotice {
	ch := make(chan CancelNotice, notifyBufferSize)

	s.mu.Lock()
	s.endpoints = append(s.endpoints, ch)
	s.mu.Unlock()

	return ch
}

// IsComplete reports whether every piece has verified.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedCount == len(s.pieces)
}

// CompletedBytes returns the total length of every piece that has verified
// so far, for progress reporting.
func (s *Store) CompletedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, p := range s.pieces {
		if p.Complete {
			total += p.Length
		}
	}
	return total
}
