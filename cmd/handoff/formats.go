package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newFormatsCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "formats",
		Short:   "List the formats on the clipboard, richest first",
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dial(cmd, v)
			if err != nil {
				return err
			}
			defer c.Close()

			ids, err := c.Formats(context.Background())
			if err != nil {
				return fmt.Errorf("formats: %w", err)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	addClientFlags(cmd)
	return cmd
}
