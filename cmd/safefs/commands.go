package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfedel/safefs/internal/config"
	"github.com/mfedel/safefs/internal/fs"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd, lsCmd, catCmd, putCmd, mkdirCmd, rmCmd, mvCmd, statCmd, watchCmd)
	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "remove folder contents too")
	putCmd.Flags().BoolVar(&putExclusive, "exclusive", false, "fail if the file already exists")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the base directory with a fresh root key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(baseFlag); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", baseFlag)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls PATH",
	Short: "List a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		entries, err := fsys.ListFolder(args[0])
		if err != nil {
			return err
		}
		for _, e := range entries {
			marker := ""
			switch {
			case e.IsFolder:
				marker = "/"
			case e.IsLink:
				marker = "@"
			}
			fmt.Printf("%s%s\n", e.Name, marker)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat PATH",
	Short: "Print a file's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		b, err := fsys.ReadBytes(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}

var putExclusive bool

var putCmd = &cobra.Command{
	Use:   "put PATH",
	Short: "Write standard input to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		return fsys.WriteBytes(args[0], b, fs.Flags{
			Create:    true,
			Exclusive: putExclusive,
			Truncate:  true,
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a folder, with intermediates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		return fsys.MakeFolder(args[0])
	},
}

var rmRecursive bool

var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Remove a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		st, err := fsys.Stat(args[0])
		if err != nil {
			return err
		}
		switch {
		case st.IsFolder:
			return fsys.DeleteFolder(args[0], rmRecursive)
		case st.IsLink:
			return fsys.DeleteLink(args[0])
		default:
			return fsys.DeleteFile(args[0])
		}
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv SRC DST",
	Short: "Move or rename a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		return fsys.Move(args[0], args[1])
	},
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Print a node's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		st, err := fsys.Stat(args[0])
		if err != nil {
			return err
		}
		kind := "file"
		switch {
		case st.IsFolder:
			kind = "folder"
		case st.IsLink:
			kind = "link"
		}
		fmt.Printf("name\t%s\nkind\t%s\nsize\t%d\nversion\t%d\nctime\t%s\nmtime\t%s\n",
			st.Name, kind, st.Size, st.Version,
			time.UnixMilli(st.CTime).Format(time.RFC3339),
			time.UnixMilli(st.MTime).Format(time.RFC3339))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch PATH",
	Short: "Watch a subtree, printing path events until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsys, cleanup, err := mount()
		if err != nil {
			return err
		}
		defer cleanup()
		detach, err := fsys.WatchTree(args[0], func(ev fs.TreeEvent) {
			if ev.Event.MoveLabel != "" {
				fmt.Printf("%s\t%s\tlabel=%s\n", ev.Event.Kind, ev.Path, ev.Event.MoveLabel)
				return
			}
			fmt.Printf("%s\t%s\n", ev.Event.Kind, ev.Path)
		})
		if err != nil {
			return err
		}
		defer detach()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
