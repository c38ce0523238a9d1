// Package session implements the connection-scoped peer protocol state
// machine described in spec §4.4: handshake, choke/interest tracking, the
// request pump, piece ingestion and cancellation handling. A Session owns
// its socket exclusively and terminates on whole-file completion or any
// protocol/IO fault; other sessions are unaffected.
package session

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"BitTorrent/internal/logging"
	"BitTorrent/internal/peerconn"
	"BitTorrent/internal/store"
	"BitTorrent/internal/wire"
)

// connectTimeout bounds how long an outbound dial may take.
const connectTimeout = 5 * time.Second

// Session is the connection-scoped state machine for one peer. It pulls
// "next block to request" from the shared store and pushes received block
// data back into it.
type Session struct {
	conn     net.Conn
	store    *store.Store
	peer     *peerconn.Peer
	notices  <-chan store.CancelNotice
	outbound bool
	log      *logging.Logger

	// suppressed records blocks a CancelRequest has told us to ignore: a
	// later Piece delivery for one of these must be treated as an
	// idempotent duplicate, not an error (spec §4.4, §5).
	suppressed map[blockKey]struct{}

	receivedBitfield bool
}

type blockKey struct {
	piece int
	block int
}

// Dial opens an outbound TCP connection to addr and wraps it in a Session.
// The handshake is not performed until Run is called.
func Dial(addr peerconn.Addr, st *store.Store, log *logging.Logger) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: dialing %s: %w", addr, err)
	}

	return newSession(conn, addr, st, true, log), nil
}

// Accept wraps an already-accepted inbound connection in a Session.
func Accept(conn net.Conn, st *store.Store, log *logging.Logger) (*Session, error) {
	remote, err := addrFromConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newSession(conn, remote, st, false, log), nil
}

func addrFromConn(conn net.Conn) (peerconn.Addr, error) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return peerconn.Addr{}, fmt.Errorf("session: unsupported remote address type %T", conn.RemoteAddr())
	}
	return peerconn.Addr{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}, nil
}

func newSession(conn net.Conn, addr peerconn.Addr, st *store.Store, outbound bool, log *logging.Logger) *Session {
	peer := &peerconn.Peer{Addr: addr}
	peer.Register(st.NumPieces())

	return &Session{
		conn:       conn,
		store:      st,
		peer:       peer,
		notices:    st.RegisterPeer(),
		outbound:   outbound,
		log:        log,
		suppressed: make(map[blockKey]struct{}),
	}
}

// Run drives the session through handshake and the steady state loop until
// the file completes or a fault occurs. The connection is always closed on
// return.
func (s *Session) Run() error {
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		s.log.Failf("peer %s: handshake failed: %v", s.peer.Addr, err)
		return err
	}

	if !s.outbound {
		// This leecher never serves blocks; an inbound session announces
		// that immediately and then runs the same state machine, since it
		// may still download if the peer unchokes us (spec §4.5).
		if err := s.send(&wire.Message{ID: wire.Choke}); err != nil {
			return err
		}
	}

	err := s.steadyState()
	if err != nil {
		s.log.Failf("peer %s: session ended: %v", s.peer.Addr, err)
	} else {
		s.log.Infof("peer %s: session ended cleanly", s.peer.Addr)
	}
	return err
}

func (s *Session) handshake() error {
	hs := wire.Handshake{InfoHash: s.store.InfoHash(), PeerID: s.store.PeerID()}

	if s.outbound {
		if err := wire.WriteHandshake(s.conn, hs); err != nil {
			return err
		}
		return s.readAndVerifyHandshake()
	}

	if err := s.readAndVerifyHandshake(); err != nil {
		return err
	}
	return wire.WriteHandshake(s.conn, hs)
}

func (s *Session) readAndVerifyHandshake() error {
	remote, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return err
	}

	if !bytes.Equal(remote.InfoHash[:], s.store.InfoHash()[:]) {
		return &wire.ProtocolError{Reason: "info hash mismatch"}
	}

	return nil
}

// steadyState is the S2 loop of spec §4.4: drain pending notifications,
// read one message, dispatch. Returning nil means the whole file
// completed via this session's own Piece delivery; any non-nil return is a
// fault.
func (s *Session) steadyState() error {
	for {
		s.drainNotices()

		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			return err
		}

		if msg == nil { // keep-alive
			continue
		}

		done, err := s.handleMessage(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) drainNotices() {
	for {
		select {
		case notice := <-s.notices:
			s.suppressed[blockKey{notice.PieceIndex, notice.BlockIndex}] = struct{}{}
		default:
			return
		}
	}
}

func (s *Session) handleMessage(msg *wire.Message) (done bool, err error) {
	switch msg.ID {
	case wire.Choke:
		s.peer.Choked = true

	case wire.Unchoke:
		s.peer.Choked = false
		if err := s.requestNext(); err != nil {
			return false, err
		}

	case wire.Bitfield:
		if s.receivedBitfield {
			// Bitfield is only valid as the first post-handshake message;
			// a later one is accepted but ignored rather than torn down,
			// since it carries no information we don't already have.
			return false, nil
		}
		s.receivedBitfield = true
		s.peer.SetBitfield(msg.Payload)
		if err := s.sendInterestedIfNeeded(); err != nil {
			return false, err
		}

	case wire.Have:
		index, err := wire.HaveIndex(msg.Payload)
		if err != nil {
			return false, err
		}
		s.peer.SetHave(int(index))
		if err := s.sendInterestedIfNeeded(); err != nil {
			return false, err
		}

	case wire.Piece:
		return s.handlePiece(msg.Payload)

	case wire.Request, wire.Cancel, wire.Port:
		// Accepted syntactically but not acted upon — this leecher core
		// never serves blocks (spec §4.4).

	case wire.Interested, wire.NotInterested:
		// Recorded implicitly by doing nothing: this leecher never
		// chokes/unchokes in response, since it never uploads.

	default:
		return false, &wire.ProtocolError{Reason: fmt.Sprintf("unhandled message id %s", msg.ID)}
	}

	return false, nil
}

func (s *Session) handlePiece(payload []byte) (done bool, err error) {
	index, offset, data, err := wire.PieceFields(payload)
	if err != nil {
		return false, err
	}

	blockIndex := int(offset) / wire.BlockSize
	key := blockKey{piece: int(index), block: blockIndex}

	if _, ok := s.suppressed[key]; ok {
		// A cancellation notice beat this delivery across the wire; the
		// block is already committed by another session. Treat it as an
		// idempotent duplicate, not an error (spec §5).
		delete(s.suppressed, key)
		return false, nil
	}

	complete, err := s.store.StoreBlock(int(index), blockIndex, data)
	if err != nil {
		return false, err
	}

	if complete {
		return true, nil
	}

	return false, s.requestNext()
}

func (s *Session) sendInterestedIfNeeded() error {
	if s.peer.Interested {
		return nil
	}
	if err := s.send(&wire.Message{ID: wire.Interested}); err != nil {
		return err
	}
	s.peer.Interested = true
	return nil
}

// requestNext asks the store for the next block this peer can supply and
// sends a Request for it. If the peer is choking us or has nothing left we
// can use, it is a no-op. It is called only after an Unchoke and after a
// stored Piece; a Have message or a cancellation notice does not call it,
// so once it has sent nothing the session issues no further Request until
// the peer unchokes us again or disconnects.
func (s *Session) requestNext() error {
	if s.peer.Choked {
		return nil
	}

	pieceIndex, blockIndex, blockLength, ok := s.store.NextBlockToRequest(s.peer.Have)
	if !ok {
		return nil
	}

	offset := uint32(blockIndex) * wire.BlockSize

	return s.send(wire.NewRequest(uint32(pieceIndex), offset, uint32(blockLength)))
}

func (s *Session) send(msg *wire.Message) error {
	return wire.WriteMessage(s.conn, msg)
}
