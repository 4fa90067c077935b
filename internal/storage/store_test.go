package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBackends(t *testing.T) {
	tempDir := t.TempDir()
	bolt, err := NewBoltStore(filepath.Join(tempDir, "objects.db"))
	require.Nil(t, err)
	defer func() { _ = bolt.Close() }()

	backends := map[string]Enumerable{
		"inmemory": NewInMemory(),
		"disk":     NewDiskStore(filepath.Join(tempDir, "disk")),
		"bolt":     bolt,
	}
	for name, store := range backends {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Run("get missing key", func(t *testing.T) {
				_, err := store.Get("missing")
				assert.True(t, errors.Is(err, ErrNotFound))
			})
			t.Run("put get delete", func(t *testing.T) {
				require.Nil(t, store.Put("akey", Value("some value")))
				v, err := store.Get("akey")
				require.Nil(t, err)
				assert.Equal(t, "some value", string(v))
				ok, err := store.Contains("akey")
				require.Nil(t, err)
				assert.True(t, ok)
				require.Nil(t, store.Delete("akey"))
				_, err = store.Get("akey")
				assert.True(t, errors.Is(err, ErrNotFound))
			})
			t.Run("overwrite", func(t *testing.T) {
				require.Nil(t, store.Put("k", Value("one")))
				require.Nil(t, store.Put("k", Value("two")))
				v, err := store.Get("k")
				require.Nil(t, err)
				assert.Equal(t, "two", string(v))
			})
			t.Run("for each", func(t *testing.T) {
				require.Nil(t, store.Put("enum", Value("x")))
				seen := make(map[Key]bool)
				require.Nil(t, store.ForEach(func(k Key) error {
					seen[k] = true
					return nil
				}))
				assert.True(t, seen["enum"])
			})
		})
	}
}

func TestRandomKey(t *testing.T) {
	k, err := RandomKey(16)
	require.Nil(t, err)
	assert.Len(t, string(k), 32)
	k2, err := RandomKey(16)
	require.Nil(t, err)
	assert.NotEqual(t, k, k2)
	empty, err := RandomKey(0)
	require.Nil(t, err)
	assert.Equal(t, Key(""), empty)
}

func TestNullStore(t *testing.T) {
	var s NullStore
	assert.Nil(t, s.Put("k", Value("v")))
	_, err := s.Get("k")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDiskStoreFansOutByPrefix(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskStore(dir)
	require.Nil(t, s.Put("abcdef", Value("v")))
	_, err := os.Stat(filepath.Join(dir, "ab", "abcdef"))
	assert.Nil(t, err)
}
