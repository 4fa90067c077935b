package fs

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/mfedel/safefs/internal/segbox"
	"github.com/mfedel/safefs/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRootKey() []byte {
	return bytes.Repeat([]byte{1}, segbox.KeySize)
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dir := storage.NewDir(storage.NewInMemory(), storage.Local)
	fsys, err := New(dir, testRootKey())
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = fsys.Close()
		_ = dir.Close()
	})
	return fsys
}

func newSyncedTestFS(t *testing.T) *FS {
	t.Helper()
	dir := storage.NewDir(storage.NewInMemory(), storage.Synced)
	fsys, err := New(dir, testRootKey())
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = fsys.Close()
		_ = dir.Close()
	})
	return fsys
}

func TestPathRoundTrip(t *testing.T) {
	fsys := newTestFS(t)
	for _, tc := range []struct {
		path    string
		content []byte
	}{
		{"/top.bin", []byte("at the root")},
		{"/a/b/c/deep.bin", []byte("nested")},
		{"/empty.bin", nil},
		{"/big.bin", bytes.Repeat([]byte{0xAB}, 3*segbox.DefaultSegSize+17)},
	} {
		require.Nil(t, fsys.WriteBytes(tc.path, tc.content, Flags{Create: true, Truncate: true}))
		got, version, err := fsys.ReadBytesRange(tc.path, 0, -1)
		require.Nil(t, err)
		assert.True(t, bytes.Equal(tc.content, got), tc.path)
		assert.GreaterOrEqual(t, version, uint64(1))
	}
}

func TestVersionMonotonicity(t *testing.T) {
	fsys := newTestFS(t)
	var last uint64
	for i := 0; i < 5; i++ {
		require.Nil(t, fsys.WriteBytes("/f", []byte{byte(i)}, Flags{Create: true, Truncate: true}))
		_, version, err := fsys.ReadBytesRange("/f", 0, -1)
		require.Nil(t, err)
		assert.Greater(t, version, last)
		last = version
	}
}

func TestMoveKeepsIdentityAndContent(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteBytes("/a/file", []byte("contents"), Flags{Create: true, Truncate: true}))
	require.Nil(t, fsys.MakeFolder("/b"))

	before, err := fsys.nodeAt("/a/file")
	require.Nil(t, err)

	require.Nil(t, fsys.Move("/a/file", "/b/renamed"))

	after, err := fsys.nodeAt("/b/renamed")
	require.Nil(t, err)
	assert.Equal(t, before.ObjId(), after.ObjId())

	got, err := fsys.ReadBytes("/b/renamed")
	require.Nil(t, err)
	assert.Equal(t, "contents", string(got))

	present, err := fsys.CheckFilePresence("/a/file")
	require.Nil(t, err)
	assert.False(t, present)
}

// Create, list, read back.
func TestCreateAndReadText(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/a/b.txt", "hello", Flags{Create: true, Truncate: true}))

	entries, err := fsys.ListFolder("/a")
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Name)
	assert.True(t, entries[0].IsFile)

	text, err := fsys.ReadTextFile("/a/b.txt")
	require.Nil(t, err)
	assert.Equal(t, "hello", text)
}

// An exclusive write against an existing file fails and changes nothing.
func TestExclusiveCollision(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/a/b.txt", "hello", Flags{Create: true, Truncate: true}))
	_, beforeVersion, err := fsys.ReadBytesRange("/a/b.txt", 0, -1)
	require.Nil(t, err)

	err = fsys.WriteTextFile("/a/b.txt", "x", Flags{Create: true, Exclusive: true, Truncate: true})
	require.NotNil(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, EEXIST, fe.Code)
	assert.Equal(t, "/a/b.txt", fe.Path)

	text, err := fsys.ReadTextFile("/a/b.txt")
	require.Nil(t, err)
	assert.Equal(t, "hello", text)
	_, afterVersion, err := fsys.ReadBytesRange("/a/b.txt", 0, -1)
	require.Nil(t, err)
	assert.Equal(t, beforeVersion, afterVersion)
}

// Deleting a non-empty folder needs removeContent.
func TestNonEmptyFolderDelete(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.MakeFolder("/d"))
	require.Nil(t, fsys.WriteTextFile("/d/f", "1", Flags{Create: true, Truncate: true}))

	err := fsys.DeleteFolder("/d", false)
	assert.True(t, errors.Is(err, ErrNotEmpty))

	require.Nil(t, fsys.DeleteFolder("/d", true))
	present, err := fsys.CheckFolderPresence("/d")
	require.Nil(t, err)
	assert.False(t, present)
}

// A move across folders keeps the bytes and vacates the source.
func TestCrossFolderMove(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.MakeFolder("/x"))
	require.Nil(t, fsys.MakeFolder("/y"))
	require.Nil(t, fsys.WriteTextFile("/x/f", "v1", Flags{Create: true, Truncate: true}))

	require.Nil(t, fsys.Move("/x/f", "/y/g"))

	text, err := fsys.ReadTextFile("/y/g")
	require.Nil(t, err)
	assert.Equal(t, "v1", text)
	present, err := fsys.CheckFilePresence("/x/f")
	require.Nil(t, err)
	assert.False(t, present)
}

// A stale version precondition fails before any byte is written.
func TestVersionMismatchOnStreamingWrite(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/a", "live", Flags{Create: true, Truncate: true}))
	_, live, err := fsys.ReadBytesRange("/a", 0, -1)
	require.Nil(t, err)

	stale := live - 1
	_, _, err = fsys.GetByteSink("/a", Flags{CurrentVersion: &stale})
	assert.True(t, errors.Is(err, ErrVersion))

	text, err := fsys.ReadTextFile("/a")
	require.Nil(t, err)
	assert.Equal(t, "live", text)
}

func TestCloseIdempotence(t *testing.T) {
	defer leaktest.Check(t)()
	dir := storage.NewDir(storage.NewInMemory(), storage.Local)
	defer func() { _ = dir.Close() }()
	fsys, err := New(dir, testRootKey())
	require.Nil(t, err)
	require.Nil(t, fsys.WriteTextFile("/f", "x", Flags{Create: true, Truncate: true}))

	require.Nil(t, fsys.Close())
	require.Nil(t, fsys.Close())

	expectClosed := func(err error, path string) {
		t.Helper()
		var fe *Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, ECLOSED, fe.Code)
		assert.Equal(t, path, fe.Path)
	}
	_, err = fsys.ReadTextFile("/f")
	expectClosed(err, "/f")
	expectClosed(fsys.WriteTextFile("/f", "y", Flags{}), "/f")
	expectClosed(fsys.MakeFolder("/d"), "/d")
	expectClosed(fsys.Move("/f", "/g"), "/f")
	_, err = fsys.Stat("/f")
	expectClosed(err, "/f")
	_, err = fsys.ListFolder("/")
	expectClosed(err, "/")
	_, err = fsys.ReadonlySubRoot("/")
	expectClosed(err, "/")
	_, err = fsys.WatchTree("/", func(TreeEvent) {})
	expectClosed(err, "/")
}

// A folder's payload carries the keys of its whole subtree, so a
// reader holding only the folder's entry can decrypt every descendant.
func TestSubtreeKeyContainment(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/share/docs/a.txt", "alpha", Flags{Create: true, Truncate: true}))
	require.Nil(t, fsys.WriteTextFile("/share/docs/deep/b.txt", "beta", Flags{Create: true, Truncate: true}))

	// Take only the entry the parent holds for /share: id and key.
	root := fsys.root
	ref, ok := root.entry("share")
	require.True(t, ok)

	// A fresh node graph built from just that entry must reach everything.
	n, err := fsys.loadNode("", ref.ObjId, "share", KindFolder, ref.Key)
	require.Nil(t, err)
	share := n.(*Folder)
	docs, err := share.GetFolder("docs")
	require.Nil(t, err)
	a, err := docs.GetFile("a.txt", false)
	require.Nil(t, err)
	got, _, err := a.ReadBytes(0, -1)
	require.Nil(t, err)
	assert.Equal(t, "alpha", string(got))
	deep, err := docs.GetFolder("deep")
	require.Nil(t, err)
	b, err := deep.GetFile("b.txt", false)
	require.Nil(t, err)
	got, _, err = b.ReadBytes(0, -1)
	require.Nil(t, err)
	assert.Equal(t, "beta", string(got))

	// The exported JSON form carries each child's own key, not the parent's.
	export := docs.ExportJSON()
	aRef, ok := docs.entry("a.txt")
	require.True(t, ok)
	assert.Equal(t, base64.StdEncoding.EncodeToString(aRef.Key), export.Nodes["a.txt"].Key)
	assert.NotEqual(t, base64.StdEncoding.EncodeToString(docs.key), export.Nodes["a.txt"].Key)
}

func TestSubRoots(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/sub/inner/f", "data", Flags{Create: true, Truncate: true}))

	ro, err := fsys.ReadonlySubRoot("/sub")
	require.Nil(t, err)
	text, err := ro.ReadTextFile("/inner/f")
	require.Nil(t, err)
	assert.Equal(t, "data", text)

	err = ro.WriteTextFile("/inner/f", "nope", Flags{})
	assert.True(t, errors.Is(err, ErrPermission))
	err = ro.DeleteFile("/inner/f")
	assert.True(t, errors.Is(err, ErrPermission))
	_, err = ro.WritableSubRoot("/inner", Flags{})
	assert.True(t, errors.Is(err, ErrPermission))

	rw, err := fsys.WritableSubRoot("/sub/other", Flags{Create: true})
	require.Nil(t, err)
	require.Nil(t, rw.WriteTextFile("/g", "via subroot", Flags{Create: true, Truncate: true}))
	text, err = fsys.ReadTextFile("/sub/other/g")
	require.Nil(t, err)
	assert.Equal(t, "via subroot", text)

	// Closing a sub-root does not close the parent.
	require.Nil(t, rw.Close())
	_, err = rw.ReadTextFile("/g")
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = fsys.ReadTextFile("/sub/other/g")
	assert.Nil(t, err)
}

func TestReadRangeSemantics(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/r", "0123456789", Flags{Create: true, Truncate: true}))

	b, _, err := fsys.ReadBytesRange("/r", 2, 5)
	require.Nil(t, err)
	assert.Equal(t, "234", string(b))

	// end past the size clamps.
	b, _, err = fsys.ReadBytesRange("/r", 5, 100)
	require.Nil(t, err)
	assert.Equal(t, "56789", string(b))

	// start at or past the size yields empty bytes, with a version, no error.
	b, version, err := fsys.ReadBytesRange("/r", 10, 20)
	require.Nil(t, err)
	assert.Empty(t, b)
	assert.GreaterOrEqual(t, version, uint64(1))

	// Negative bounds are caller errors.
	_, _, err = fsys.ReadBytesRange("/r", -1, 5)
	assert.True(t, errors.Is(err, ErrBadArg))
}

func TestJSONFiles(t *testing.T) {
	fsys := newTestFS(t)
	type doc struct {
		N int    `json:"n"`
		S string `json:"s"`
	}
	require.Nil(t, fsys.WriteJSONFile("/doc.json", doc{N: 42, S: "x"}, Flags{Create: true, Truncate: true}))
	var got doc
	require.Nil(t, fsys.ReadJSONFile("/doc.json", &got))
	assert.Equal(t, doc{N: 42, S: "x"}, got)

	require.Nil(t, fsys.WriteTextFile("/broken.json", "{not json", Flags{Create: true, Truncate: true}))
	err := fsys.ReadJSONFile("/broken.json", &got)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestWriteFlagSemantics(t *testing.T) {
	fsys := newTestFS(t)

	t.Run("create false and missing", func(t *testing.T) {
		err := fsys.WriteTextFile("/missing", "x", Flags{})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
	t.Run("streaming write without truncate starts from the current base", func(t *testing.T) {
		require.Nil(t, fsys.WriteTextFile("/base", "0123456789", Flags{Create: true, Truncate: true}))
		sink, _, err := fsys.GetByteSink("/base", Flags{})
		require.Nil(t, err)
		_, err = sink.WriteAt([]byte("AB"), 3)
		require.Nil(t, err)
		require.Nil(t, sink.Done(nil))
		text, err := fsys.ReadTextFile("/base")
		require.Nil(t, err)
		assert.Equal(t, "012AB56789", text)
	})
	t.Run("truncate true starts from empty", func(t *testing.T) {
		require.Nil(t, fsys.WriteTextFile("/trunc", "0123456789", Flags{Create: true, Truncate: true}))
		sink, _, err := fsys.GetByteSink("/trunc", Flags{Truncate: true})
		require.Nil(t, err)
		_, err = sink.Write([]byte("new"))
		require.Nil(t, err)
		require.Nil(t, sink.Done(nil))
		text, err := fsys.ReadTextFile("/trunc")
		require.Nil(t, err)
		assert.Equal(t, "new", text)
	})
}

func TestCopyAndImport(t *testing.T) {
	fsys := newTestFS(t)
	require.Nil(t, fsys.WriteTextFile("/src/a", "A", Flags{Create: true, Truncate: true}))
	require.Nil(t, fsys.WriteTextFile("/src/sub/b", "B", Flags{Create: true, Truncate: true}))

	require.Nil(t, fsys.CopyFile("/src/a", "/copy-a"))
	text, err := fsys.ReadTextFile("/copy-a")
	require.Nil(t, err)
	assert.Equal(t, "A", text)

	require.Nil(t, fsys.CopyFolder("/src", "/dst", false))
	text, err = fsys.ReadTextFile("/dst/sub/b")
	require.Nil(t, err)
	assert.Equal(t, "B", text)

	// Without merge, an existing destination collides.
	err = fsys.CopyFolder("/src", "/dst", false)
	assert.True(t, errors.Is(err, ErrExists))
	require.Nil(t, fsys.CopyFolder("/src", "/dst", true))

	// Import across filesystem views.
	other := newTestFS(t)
	require.Nil(t, other.SaveFolder(fsys, "/src", "/imported", false))
	text, err = other.ReadTextFile("/imported/sub/b")
	require.Nil(t, err)
	assert.Equal(t, "B", text)
}
