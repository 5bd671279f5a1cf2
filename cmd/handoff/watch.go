package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/handoff/internal/events"
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream transfer events as JSON lines",
		Long: `Prints one JSON object per event until interrupted. Kinds:

  drag_update drop drag_end target_enter target_move target_leave
  target_drop clipboard_changed

  handoff watch --kind clipboard_changed`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runWatch(cmd, v) },
	}

	cmd.Flags().StringSlice("kind", nil, "event kinds to show (empty = all)")
	addClientFlags(cmd)
	return cmd
}

func runWatch(cmd *cobra.Command, v *viper.Viper) error {
	c, err := dial(cmd, v)
	if err != nil {
		return err
	}
	defer c.Close()

	var kinds []events.Kind
	for _, k := range v.GetStringSlice("kind") {
		kinds = append(kinds, events.Kind(strings.TrimSpace(k)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	err = c.Watch(ctx, func(ev events.Event) {
		if err := enc.Encode(ev); err != nil {
			stop()
		}
	}, kinds...)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
