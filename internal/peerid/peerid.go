// Package peerid generates the 20-byte client identifier sent in the
// handshake and tracker announce.
package peerid

import (
	"fmt"

	"github.com/google/uuid"
)

// DefaultPrefix follows the Azureus-style convention: two letters, four
// version digits, bracketed with dashes.
const DefaultPrefix = "-GT0001-"

const length = 20

// Generate builds a 20-byte peer id: prefix followed by random characters
// drawn from a UUIDv4, the way the teacher's GeneratePeerID filled the
// remainder with crypto/rand bytes mapped into an alphabet.
func Generate(prefix string) ([20]byte, error) {
	var id [20]byte

	if len(prefix) > length {
		return id, fmt.Errorf("peerid: prefix %q longer than %d bytes", prefix, length)
	}

	copy(id[:], prefix)

	random, err := uuid.NewRandom()
	if err != nil {
		return id, fmt.Errorf("peerid: generating random suffix: %w", err)
	}

	raw := random[:]
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	for i := len(prefix); i < length; i++ {
		id[i] = alphabet[int(raw[i%len(raw)])%len(alphabet)]
	}

	return id, nil
}
