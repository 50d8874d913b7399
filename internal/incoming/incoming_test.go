package incoming

import (
	"crypto/sha256"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteChunksOutOfOrderThenFinalize(t *testing.T) {
	s, err := Open(t.TempDir(), [16]byte{0x01}, "payload.bin")
	require.NoError(t, err)
	defer s.Close()

	chunk0 := []byte("hello ")
	chunk1 := []byte("world!")

	require.NoError(t, s.WriteChunk(int64(len(chunk0)), chunk1))
	require.NoError(t, s.WriteChunk(0, chunk0))

	digest, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256([]byte("hello world!")), digest)
}

func TestRewritingSameOffsetIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir(), [16]byte{0x02}, "payload.bin")
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("retransmitted chunk")
	require.NoError(t, s.WriteChunk(0, payload))
	require.NoError(t, s.WriteChunk(0, payload))

	digest, err := s.Finalize()
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(payload), digest)
}

func TestRemoveDeletesDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, [16]byte{0x03}, "payload.bin")
	require.NoError(t, err)
	require.NoError(t, s.WriteChunk(0, []byte("x")))
	require.NoError(t, s.Remove())
	require.NoDirExists(t, s.dir)

	_, err = Open(dir, [16]byte{0x03}, "payload.bin")
	require.NoError(t, err) // Open recreates the directory fresh.
}

func TestOpenSanitizesTraversalAttempts(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, [16]byte{0x04}, "../../etc/passwd")
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, "passwd", filepath.Base(s.file.Name()))
	require.True(t, strings.HasPrefix(s.file.Name(), s.dir))
}
