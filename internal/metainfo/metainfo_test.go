package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bencodeString(s string) string {
	return fmt.Sprintf("%d:%s", len(s), s)
}

func bencodeInt(n int64) string {
	return fmt.Sprintf("i%de", n)
}

// buildTorrentFile hand-assembles a minimal single-file .torrent and returns
// its bytes alongside the independently computed SHA-1 of its info
// dictionary, so tests can assert Load agrees without relying on Load itself
// to do the extraction.
func buildTorrentFile(t *testing.T, announce, name string, pieceLength int64, hashes [][20]byte) ([]byte, [20]byte) {
	t.Helper()

	var pieces string
	for _, h := range hashes {
		pieces += string(h[:])
	}

	length := pieceLength * int64(len(hashes)-1)
	if len(hashes) > 0 {
		length += pieceLength / 2 // last piece short on purpose
	}

	info := "d" +
		bencodeString("length") + bencodeInt(length) +
		bencodeString("name") + bencodeString(name) +
		bencodeString("piece length") + bencodeInt(pieceLength) +
		bencodeString("pieces") + bencodeString(pieces) +
		"e"

	root := "d" +
		bencodeString("announce") + bencodeString(announce) +
		bencodeString("info") + info +
		"e"

	return []byte(root), sha1.Sum([]byte(info))
}

func TestLoadParsesBasicFields(t *testing.T) {
	hashes := [][20]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	data, wantHash := buildTorrentFile(t, "http://tracker.example/announce", "payload.bin", 16384, hashes)

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.torrent")
	require.NoError(t, os.WriteFile(path, data, 0644))

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example/announce", m.Announce)
	assert.Equal(t, "payload.bin", m.Name)
	assert.Equal(t, int64(16384), m.PieceLength)
	assert.Equal(t, wantHash, m.InfoHash)
	require.Len(t, m.PieceHashes, 3)
	assert.Equal(t, hashes, m.PieceHashes)
}

func TestNumPiecesDerivedFromHashVector(t *testing.T) {
	hashes := [][20]byte{{1}, {2}, {3}, {4}}
	data, _ := buildTorrentFile(t, "http://tracker.example/announce", "x.bin", 16384, hashes)

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.torrent")
	require.NoError(t, os.WriteFile(path, data, 0644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, m.NumPieces())
}

func TestLoadRejectsMisalignedPieces(t *testing.T) {
	info := "d" +
		bencodeString("length") + bencodeInt(100) +
		bencodeString("name") + bencodeString("x") +
		bencodeString("piece length") + bencodeInt(16384) +
		bencodeString("pieces") + bencodeString("not-twenty-bytes-aligned") +
		"e"
	root := "d" +
		bencodeString("announce") + bencodeString("http://t.example") +
		bencodeString("info") + info +
		"e"

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.torrent")
	require.NoError(t, os.WriteFile(path, []byte(root), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.torrent"))
	assert.Error(t, err)
}
