package segbox

import (
	"bytes"
	"io"
	"testing"

	"github.com/mfedel/safefs/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealToBytes(t *testing.T, key []byte, id storage.ObjId, version uint64, content []byte) []byte {
	t.Helper()
	buf := NewBuffer(1024)
	if len(content) > 0 {
		_, err := buf.WriteAt(content, 0)
		require.Nil(t, err)
	}
	stream, err := SecretBox{}.Seal(key, id, version, buf)
	require.Nil(t, err)
	sealed, err := io.ReadAll(stream)
	require.Nil(t, err)
	require.Nil(t, stream.Close())
	return sealed
}

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(7)
	for _, tc := range []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"one segment", 1024},
		{"segment boundary plus one", 1025},
		{"several segments", 5000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			content := make([]byte, tc.size)
			for i := range content {
				content[i] = byte(i * 31)
			}
			sealed := sealToBytes(t, key, "an-object", 3, content)
			r, err := SecretBox{}.Open(key, "an-object", &storage.ObjSource{Version: 3, Bytes: sealed})
			require.Nil(t, err)
			assert.Equal(t, int64(tc.size), r.Len())
			assert.Equal(t, uint64(3), r.Version())
			got, err := r.ReadAll()
			require.Nil(t, err)
			assert.True(t, bytes.Equal(content, got))
		})
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealed := sealToBytes(t, testKey(1), "obj", 1, []byte("content"))
	_, err := SecretBox{}.Open(testKey(2), "obj", &storage.ObjSource{Version: 1, Bytes: sealed})
	assert.NotNil(t, err)
}

func TestOpenRejectsTamperedSegment(t *testing.T) {
	key := testKey(9)
	sealed := sealToBytes(t, key, "obj", 1, []byte("some content here"))
	// Flip a bit past the header.
	sealed[headerSealedLen+3] ^= 1
	r, err := SecretBox{}.Open(key, "obj", &storage.ObjSource{Version: 1, Bytes: sealed})
	require.Nil(t, err)
	_, err = r.ReadAll()
	assert.NotNil(t, err)
}

func TestOpenRejectsVersionMismatchWithStore(t *testing.T) {
	key := testKey(4)
	sealed := sealToBytes(t, key, "obj", 5, []byte("x"))
	_, err := SecretBox{}.Open(key, "obj", &storage.ObjSource{Version: 6, Bytes: sealed})
	assert.NotNil(t, err)
	// An unversioned store defers to the header.
	r, err := SecretBox{}.Open(key, "obj", &storage.ObjSource{Version: storage.VersionUnknown, Bytes: sealed})
	require.Nil(t, err)
	assert.Equal(t, uint64(5), r.Version())
}

func TestHeaderNonceIsPureFunctionOfObjId(t *testing.T) {
	a := HeaderNonce("same-id")
	b := HeaderNonce("same-id")
	c := HeaderNonce("other-id")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSealSameVersionIsDeterministic(t *testing.T) {
	key := testKey(11)
	content := []byte("deltas need identical bytes for identical input")
	one := sealToBytes(t, key, "obj", 2, content)
	two := sealToBytes(t, key, "obj", 2, content)
	assert.True(t, bytes.Equal(one, two))
}

func TestReaderRandomAccess(t *testing.T) {
	key := testKey(5)
	content := make([]byte, 3000)
	for i := range content {
		content[i] = byte(i)
	}
	sealed := sealToBytes(t, key, "obj", 1, content)
	r, err := SecretBox{}.Open(key, "obj", &storage.ObjSource{Version: 1, Bytes: sealed})
	require.Nil(t, err)

	p := make([]byte, 10)
	n, err := r.ReadAt(p, 1020) // spans the first segment boundary
	require.Nil(t, err)
	assert.Equal(t, 10, n)
	assert.True(t, bytes.Equal(content[1020:1030], p))

	_, err = r.ReadAt(p, 5000)
	assert.Equal(t, io.EOF, err)
}

func TestBufferWriteAtAndTruncate(t *testing.T) {
	b := NewBuffer(4)
	_, err := b.WriteAt([]byte("hello world"), 0)
	require.Nil(t, err)
	assert.Equal(t, int64(11), b.Len())

	// Overwrite in the middle, crossing a segment boundary.
	_, err = b.WriteAt([]byte("XYZ"), 3)
	require.Nil(t, err)
	assert.Equal(t, "helXYZworld", string(b.Bytes()))

	// Zero-extending write past the end.
	_, err = b.WriteAt([]byte("!"), 14)
	require.Nil(t, err)
	assert.Equal(t, int64(15), b.Len())
	assert.Equal(t, "helXYZworld\x00\x00\x00!", string(b.Bytes()))

	require.Nil(t, b.Truncate(5))
	assert.Equal(t, "helXY", string(b.Bytes()))

	// Growing after a shrink yields zeros, not stale bytes.
	require.Nil(t, b.Truncate(8))
	assert.Equal(t, "helXY\x00\x00\x00", string(b.Bytes()))
}

func TestBufferReadAt(t *testing.T) {
	b := NewBuffer(4)
	_, err := b.WriteAt([]byte("0123456789"), 0)
	require.Nil(t, err)

	p := make([]byte, 4)
	n, err := b.ReadAt(p, 3)
	require.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(p))

	n, err = b.ReadAt(p, 8)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "89", string(p[:n]))

	_, err = b.ReadAt(p, 10)
	assert.Equal(t, io.EOF, err)
}
