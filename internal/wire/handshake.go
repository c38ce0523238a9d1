package wire

import (
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// Handshake is the fixed 68-byte preamble exchanged before any framed
// message: [pstrlen][pstr][8 reserved][info_hash][peer_id].
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteHandshake sends the handshake with an all-zero reserved field; this
// leecher negotiates no extensions.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)

	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a peer's handshake. Reserved bits are
// read but never interpreted. A mismatched protocol name or length is a
// protocol error; the caller compares InfoHash against the expected swarm.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake

	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return hs, err
	}

	pstr := make([]byte, pstrlen[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return hs, fmt.Errorf("wire: reading protocol name: %w", err)
	}

	if string(pstr) != protocolName {
		return hs, &ProtocolError{Reason: fmt.Sprintf("unexpected protocol name %q", pstr)}
	}

	var reserved [8]byte
	if _, err := io.ReadFull(r, reserved[:]); err != nil {
		return hs, fmt.Errorf("wire: reading reserved bytes: %w", err)
	}

	if _, err := io.ReadFull(r, hs.InfoHash[:]); err != nil {
		return hs, fmt.Errorf("wire: reading info hash: %w", err)
	}

	if _, err := io.ReadFull(r, hs.PeerID[:]); err != nil {
		return hs, fmt.Errorf("wire: reading peer id: %w", err)
	}

	return hs, nil
}
