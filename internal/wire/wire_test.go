package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BitTorrent/internal/wire"
)

func TestEncodeChoke(t *testing.T) {
	got := wire.Encode(&wire.Message{ID: wire.Choke})
	assert.Equal(t, []byte{0, 0, 0, 1, 0}, got)

	msg, err := wire.ReadMessage(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Equal(t, wire.Choke, msg.ID)
	assert.Empty(t, msg.Payload)
}

func TestEncodeHave257(t *testing.T) {
	msg := wire.NewHave(257)
	got := wire.Encode(msg)
	assert.Equal(t, []byte{0, 0, 0, 5, 4, 0, 0, 1, 1}, got)

	decoded, err := wire.ReadMessage(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Equal(t, wire.Have, decoded.ID)

	index, err := wire.HaveIndex(decoded.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 257, index)
}

func TestEncodePiece(t *testing.T) {
	msg := wire.NewPiece(257, 258, []byte{0, 0, 1, 3, 4, 5})
	got := wire.Encode(msg)
	assert.Equal(t, []byte{
		0, 0, 0, 15,
		7,
		0, 0, 1, 1,
		0, 0, 1, 2,
		0, 0, 1, 3, 4, 5,
	}, got)

	decoded, err := wire.ReadMessage(bytes.NewReader(got))
	require.NoError(t, err)

	index, offset, data, err := wire.PieceFields(decoded.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 257, index)
	assert.EqualValues(t, 258, offset)
	assert.Equal(t, []byte{0, 0, 1, 3, 4, 5}, data)
}

func TestKeepAlive(t *testing.T) {
	got := wire.Encode(nil)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	msg, err := wire.ReadMessage(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRoundTripAllMessageTypes(t *testing.T) {
	messages := []*wire.Message{
		{ID: wire.Choke},
		{ID: wire.Unchoke},
		{ID: wire.Interested},
		{ID: wire.NotInterested},
		wire.NewHave(42),
		wire.NewBitfield([]byte{0b10110000}),
		wire.NewRequest(1, 2, 3),
		wire.NewPiece(1, 2, []byte("payload")),
		wire.NewCancel(1, 2, 3),
		wire.NewPort(6881),
	}

	for _, msg := range messages {
		encoded := wire.Encode(msg)

		length := uint32(len(encoded) - 4)
		assert.Equal(t, length, uint32(len(msg.Payload)+1), "length prefix must equal payload size for %s", msg.ID)

		decoded, err := wire.ReadMessage(bytes.NewReader(encoded))
		require.NoError(t, err)
		assert.Equal(t, msg.ID, decoded.ID)
		assert.Equal(t, msg.Payload, decoded.Payload)
	}
}

func TestReadMessageUnknownID(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 200}
	_, err := wire.ReadMessage(bytes.NewReader(frame))
	require.Error(t, err)
	assert.IsType(t, &wire.ProtocolError{}, err)
}

func TestReadMessageTruncatedFrame(t *testing.T) {
	frame := []byte{0, 0, 0, 5, 4, 0, 0} // promises 5 bytes, delivers 2
	_, err := wire.ReadMessage(bytes.NewReader(frame))
	require.Error(t, err)
}

func TestHasPieceLeavesPaddingBoundsToCaller(t *testing.T) {
	bitfield := []byte{0b10000011} // bits 0, 6, 7 set
	assert.True(t, wire.HasPiece(bitfield, 0))
	assert.False(t, wire.HasPiece(bitfield, 1))
	// caller only consults indices < num_pieces; padding bits 6,7 exist in
	// the byte but a caller with num_pieces=5 simply never asks about them.
	assert.True(t, wire.HasPiece(bitfield, 6))
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := wire.Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 8, 7}}

	require.NoError(t, wire.WriteHandshake(&buf, want))
	assert.Equal(t, byte(19), buf.Bytes()[0])

	got, err := wire.ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHandshakeRejectsBadProtocolName(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(4)
	buf.WriteString("fake")
	buf.Write(make([]byte, 8+20+20))

	_, err := wire.ReadHandshake(&buf)
	require.Error(t, err)
	assert.IsType(t, &wire.ProtocolError{}, err)
}
