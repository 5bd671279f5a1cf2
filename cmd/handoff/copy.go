package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/handoff/internal/format"
)

func newCopyCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy stdin to the clipboard (like pbcopy)",
		Long: `Reads stdin and puts it on the clipboard of a running handoff server.

Without --format the type is sniffed from the data:

  handoff copy < screenshot.png`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runCopy(cmd, v) },
	}

	cmd.Flags().String("format", "", "format of the data, e.g. text/html (default: sniffed)")
	addClientFlags(cmd)
	return cmd
}

func runCopy(cmd *cobra.Command, v *viper.Viper) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	c, err := dial(cmd, v)
	if err != nil {
		return err
	}
	defer c.Close()

	id := format.ID(v.GetString("format"))
	if _, err := c.Write(context.Background(), id, data); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	slog.Debug("copied", "format", id, "size_bytes", len(data), "via", c.transport)
	return nil
}
