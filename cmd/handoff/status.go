package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the server's driver, drag session and clipboard",
		Long: `Displays the driver and platform a handoff server runs on, its live
provider count, any running drag session and the clipboard's formats.

If a local server is running the request goes over the IPC socket. Pass
--server to target a specific server directly over TCP.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd, v) },
	}

	cmd.Flags().Bool("json", false, "output raw JSON")
	addClientFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper) error {
	c, err := dial(cmd, v)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status(context.Background())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if v.GetBool("json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(cmd.OutOrStdout(), st, c.transport)
	return nil
}

func printStatus(out io.Writer, st map[string]any, transport string) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Transport:\t%s\n", transport)
	fmt.Fprintf(w, "Driver:\t%v (%v)\n", st["driver"], st["platform"])
	if secs, ok := st["uptime_seconds"].(float64); ok {
		fmt.Fprintf(w, "Uptime:\t%s\n", time.Duration(secs*float64(time.Second)).Round(time.Second))
	}
	fmt.Fprintf(w, "Capabilities:\t%s\n", capabilities(st["capabilities"]))
	fmt.Fprintf(w, "Providers:\t%v\n", st["providers"])
	fmt.Fprintf(w, "Listeners:\t%v\n", st["listeners"])
	if d, ok := st["drag"].(map[string]any); ok {
		fmt.Fprintf(w, "Drag:\t%v (%v)\n", d["session"], d["state"])
	} else {
		fmt.Fprintf(w, "Drag:\t-\n")
	}
	_ = w.Flush()

	formats, _ := st["formats"].([]any)
	if len(formats) == 0 {
		fmt.Fprintln(out, "\nClipboard is empty.")
		return
	}
	fmt.Fprintln(out, "\nClipboard formats:")
	for _, f := range formats {
		fmt.Fprintf(out, "  %v\n", f)
	}
}

// capabilities lists the enabled capability flags, sorted.
func capabilities(v any) string {
	m, _ := v.(map[string]any)
	var on []string
	for k, enabled := range m {
		if b, _ := enabled.(bool); b {
			on = append(on, k)
		}
	}
	if len(on) == 0 {
		return "-"
	}
	slices.Sort(on)
	return strings.Join(on, ", ")
}
