package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeAndLoad(t *testing.T) {
	base := filepath.Join(t.TempDir(), "safefs")
	require.Nil(t, Initialize(base))

	c, err := Load(base)
	require.Nil(t, err)
	assert.Len(t, c.RootKeyBytes(), 32)
	assert.Equal(t, "bolt", c.Store)
	assert.Equal(t, base, c.Base())
	assert.Equal(t, filepath.Join(base, "objects.db"), c.BoltFilePath())

	// A second init must not clobber the key.
	assert.NotNil(t, Initialize(base))
}

func TestLoadRejectsLoosepermissions(t *testing.T) {
	base := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(base, "config"), []byte("root-key 00\n"), 0644))
	_, err := Load(base)
	assert.NotNil(t, err)
}

func TestLoadParsesKeys(t *testing.T) {
	base := t.TempDir()
	contents := `# comment line
root-key 000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f
store disk
remote s3
disk-store-dir store
s3-profile personal
s3-region eu-west-1
s3-bucket my-objects
`
	require.Nil(t, os.WriteFile(filepath.Join(base, "config"), []byte(contents), 0600))
	c, err := Load(base)
	require.Nil(t, err)
	assert.Equal(t, "disk", c.Store)
	assert.Equal(t, "s3", c.Remote)
	assert.Equal(t, "personal", c.S3Profile)
	assert.Equal(t, "eu-west-1", c.S3Region)
	assert.Equal(t, "my-objects", c.S3Bucket)
	assert.Equal(t, filepath.Join(base, "store"), c.DiskStoreDir)
	assert.Len(t, c.RootKeyBytes(), 32)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	base := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(base, "config"), []byte("bogus value\n"), 0600))
	_, err := Load(base)
	assert.NotNil(t, err)
}
