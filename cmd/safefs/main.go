package main

import (
	"fmt"
	"os"

	"github.com/google/gops/agent"
	"github.com/mfedel/safefs/internal/config"
	"github.com/mfedel/safefs/internal/fs"
	"github.com/mfedel/safefs/internal/storage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	baseFlag  string
	debugFlag bool
	gopsFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "safefs",
	Short: "safefs encrypted filesystem",
	Long: `safefs keeps a tree of independently encrypted, versioned objects in a
local or synced object store and exposes it as a filesystem. Every command
operates on the store under the base directory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugFlag {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if gopsFlag {
			if err := agent.Listen(agent.Options{}); err != nil {
				log.WithField("cause", err).Warning("Could not start gops agent")
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseFlag, "base", config.DefaultBaseDirectoryPath, "base directory")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&gopsFlag, "gops", false, "start a gops diagnostics agent")
}

// mount opens the configured store and the filesystem in it. The returned
// cleanup releases the store; the filesystem is closed by it as well.
func mount() (*fs.FS, func(), error) {
	c, err := config.Load(baseFlag)
	if err != nil {
		return nil, nil, err
	}
	var kv storage.Store
	var closeKV func()
	switch c.Store {
	case "disk":
		kv = storage.NewDiskStore(c.DiskStorePath())
		closeKV = func() {}
	case "bolt":
		b, err := storage.NewBoltStore(c.BoltFilePath())
		if err != nil {
			return nil, nil, err
		}
		kv = b
		closeKV = func() { _ = b.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown store %q", c.Store)
	}
	typ := storage.Local
	switch c.Remote {
	case "":
	case "null":
		typ = storage.Synced
		paired, err := storage.NewPaired(kv, storage.NullStore{}, c.PropagationLogFilePath())
		if err != nil {
			closeKV()
			return nil, nil, err
		}
		kv = paired
	case "s3":
		typ = storage.Synced
		paired, err := storage.NewPaired(kv, storage.NewS3Store(c.S3Profile, c.S3Region, c.S3Bucket), c.PropagationLogFilePath())
		if err != nil {
			closeKV()
			return nil, nil, err
		}
		kv = paired
	default:
		closeKV()
		return nil, nil, fmt.Errorf("unknown remote %q", c.Remote)
	}
	dir := storage.NewDir(kv, typ)
	fsys, err := fs.New(dir, c.RootKeyBytes())
	if err != nil {
		closeKV()
		return nil, nil, err
	}
	cleanup := func() {
		_ = fsys.Close()
		_ = dir.Close()
		closeKV()
	}
	return fsys, cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
