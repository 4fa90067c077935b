package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairedReadsThroughAndReplenishes(t *testing.T) {
	fast := NewInMemory()
	slow := NewInMemory()
	p, err := NewPaired(fast, slow, "")
	require.Nil(t, err)

	require.Nil(t, slow.Put("k", Value("remote value")))
	v, err := p.Get("k")
	require.Nil(t, err)
	assert.Equal(t, "remote value", string(v))

	// The item has been copied to the fast store for next time.
	v, err = fast.Get("k")
	require.Nil(t, err)
	assert.Equal(t, "remote value", string(v))
}

func TestPairedWithoutLogIsReadOnly(t *testing.T) {
	p, err := NewPaired(NewInMemory(), NewInMemory(), "")
	require.Nil(t, err)
	assert.True(t, errors.Is(p.Put("k", Value("v")), ErrReadOnly))
}

func TestPairedPropagatesWrites(t *testing.T) {
	fast := NewInMemory()
	slow := NewInMemory()
	p, err := NewPaired(fast, slow, filepath.Join(t.TempDir(), "propagation.log"))
	require.Nil(t, err)

	require.Nil(t, p.Put("akey", Value("payload")))

	// Written synchronously to the fast store.
	v, err := fast.Get("akey")
	require.Nil(t, err)
	assert.Equal(t, "payload", string(v))

	// And eventually to the slow store.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if v, err := slow.Get("akey"); err == nil {
			assert.Equal(t, "payload", string(v))
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("write was not propagated to the slow store")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPairedRejectsOverlongKey(t *testing.T) {
	p, err := NewPaired(NewInMemory(), NewInMemory(), filepath.Join(t.TempDir(), "log"))
	require.Nil(t, err)
	long := make([]byte, logKeyWidth+1)
	for i := range long {
		long[i] = 'k'
	}
	assert.NotNil(t, p.Put(Key(long), Value("v")))
}

func TestPairedDeleteRemovesFromBothStores(t *testing.T) {
	fast := NewInMemory()
	slow := NewInMemory()
	p, err := NewPaired(fast, slow, "")
	require.Nil(t, err)
	require.Nil(t, fast.Put("k", Value("v")))
	require.Nil(t, slow.Put("k", Value("v")))
	require.Nil(t, p.Delete("k"))
	_, err = p.Get("k")
	assert.True(t, errors.Is(err, ErrNotFound))
}
