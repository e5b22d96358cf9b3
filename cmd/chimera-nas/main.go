// Command chimera-nas is the process entry point: it assembles a
// vfsproc.VFS, registers the built-in back-end modules, mounts the root
// pseudo-module at "/" (spec.md §4.7 "registered as the first mount, so
// the mount table is always non-empty"), mounts whatever --mount flags
// were given, and serves until signaled.
//
// No teacher source file exists for this package: the retrieved example
// pool's rclone cmd/ tree contains only its test files, not cmd.go or
// main.go. The cobra/pflag wiring below follows those libraries' own
// conventions, which is the form the teacher's go.mod already commits to.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "chimera-nas",
		Short:         "Chimera-NAS user-space VFS core",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newServeCommand())
	return root
}
