// Package config loads the safefs configuration: a base directory holding a
// "config" file of key-value lines, the local object store, and the
// propagation log for synced deployments.
package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultBaseDirectoryPath is where safefs commands store configuration and
// data. It defaults to $SAFEFS_BASE if set, otherwise to $HOME/lib/safefs.
// Commands override this via the --base flag.
var DefaultBaseDirectoryPath string

func init() {
	if base := os.Getenv("SAFEFS_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/safefs")
	}
}

type C struct {
	// 64 hex digits - do not lose this or you lose access to all data.
	RootKey string

	// Local store backend - "bolt" or "disk".
	Store string

	// Remote storage type - "s3" or "null". Empty means purely local.
	Remote string

	// If the path is relative, it will be assumed relative to the base dir.
	DiskStoreDir string

	// These only make sense if the remote type is "s3".
	S3Profile string
	S3Region  string
	S3Bucket  string

	// Directory holding the safefs config file and other files.
	// Other directories and files are derived from this.
	base string

	// Computed from the corresponding string at load time.
	rootKey []byte
}

// Load loads the configuration from the file called "config" in the provided
// base directory. The file must not be group- or world-accessible, it holds
// the root key.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	if fi, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	} else if fi.Mode()&0077 != 0 {
		return nil, fmt.Errorf("config.Load %q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Ignore error closing file opened only for reading.
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	c.rootKey, err = hex.DecodeString(c.RootKey)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", c.RootKey, err)
	}
	if c.DiskStoreDir != "" && !filepath.IsAbs(c.DiskStoreDir) {
		c.DiskStoreDir = filepath.Clean(filepath.Join(c.base, c.DiskStoreDir))
	}
	if c.Store == "" {
		c.Store = "bolt"
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		switch key, val := line[:i], strings.TrimSpace(line[i:]); key {
		case "root-key":
			c.RootKey = val
		case "store":
			c.Store = val
		case "remote":
			c.Remote = val
		case "disk-store-dir":
			c.DiskStoreDir = val
		case "s3-profile":
			c.S3Profile = val
		case "s3-region":
			c.S3Region = val
		case "s3-bucket":
			c.S3Bucket = val
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}

// Initialize creates the base directory with a config file holding a fresh
// random root key. It refuses to touch an existing config file.
func Initialize(base string) error {
	filename := filepath.Join(base, "config")
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("config.Initialize: %q already exists", filename)
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	contents := fmt.Sprintf("root-key %s\nstore bolt\n", hex.EncodeToString(key))
	return os.WriteFile(filename, []byte(contents), 0600)
}

func (c *C) Base() string { return c.base }

func (c *C) RootKeyBytes() []byte { return c.rootKey }

func (c *C) BoltFilePath() string {
	return path.Join(c.base, "objects.db")
}

func (c *C) DiskStorePath() string {
	if c.DiskStoreDir != "" {
		return c.DiskStoreDir
	}
	return path.Join(c.base, "store")
}

// An instance of *storage.Paired will log keys to propagate from the fast
// store to the slow store to this append-only log. This ensures all data is
// eventually copied to the slow store, even across restarts.
func (c *C) PropagationLogFilePath() string {
	return path.Join(c.base, "propagation.log")
}
