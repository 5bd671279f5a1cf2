// handoff: clipboard and drag-and-drop transfer runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/handoff/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "handoff",
		Short: "Clipboard and drag-and-drop transfer runtime",
		Long: `handoff owns the clipboard and drag-and-drop sessions of this host and
exposes them over gRPC and HTTP/JSON.

Run "handoff serve" once per host. "handoff copy/paste/formats/watch/status"
talk to it over the local IPC socket, or over TCP with --server.

Config file search order (first found wins):
  /etc/handoff/handoff.toml
  $HOME/.config/handoff/handoff.toml
  path supplied via --config

All flags can be set via HANDOFF_<FLAG> env vars or config-file keys.
See "handoff serve --help" for the full flag reference.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCopyCmd(),
		newPasteCmd(),
		newFormatsCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "handoff %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level)
}
