package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/vfile"
)

func newPasteCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "paste",
		Short: "Print the clipboard to stdout (like pbpaste)",
		Long: `Writes one format of the clipboard to stdout.

If the clipboard does not hold --format, nothing is printed (exit 0). To
retrieve an image:

  handoff paste --format image/png --output screenshot.png

With --output the file appears only once it is complete. An empty --format
prints the clipboard's first format.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runPaste(cmd, v) },
	}

	cmd.Flags().String("format", string(format.Text), "format to output")
	cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	addClientFlags(cmd)
	return cmd
}

func runPaste(cmd *cobra.Command, v *viper.Viper) error {
	c, err := dial(cmd, v)
	if err != nil {
		return err
	}
	defer c.Close()

	_, b, err := c.Read(context.Background(), format.ID(v.GetString("format")))
	if errs.KindOf(err) == errs.KindNotFound {
		// Requested type not present: exit 0, print nothing (pbpaste behaviour).
		return nil
	}
	if err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	if out := v.GetString("output"); out != "" {
		return writeFile(out, b)
	}
	_, err = os.Stdout.Write(b)
	return err
}

// writeFile replaces path with b, leaving the old file untouched on failure.
func writeFile(path string, b []byte) error {
	sink, err := vfile.NewFileSink(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := sink.Write(b); err != nil {
		return errors.Join(err, sink.Abort())
	}
	return sink.Commit()
}
