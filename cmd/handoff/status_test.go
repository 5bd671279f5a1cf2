package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, map[string]any{
		"driver":         "memory",
		"platform":       "linux",
		"uptime_seconds": 61.4,
		"capabilities":   map[string]any{"drag": true, "async_read": true, "virtual_files": false},
		"providers":      float64(1),
		"listeners":      float64(2),
		"drag":           map[string]any{"session": "abc", "state": "active"},
		"formats":        []any{"text/html", "text/plain"},
	}, "ipc (/run/handoff.sock)")

	out := buf.String()
	require.Contains(t, out, "memory (linux)")
	require.Contains(t, out, "1m1s")
	require.Contains(t, out, "async_read, drag")
	require.Contains(t, out, "abc (active)")
	require.Contains(t, out, "  text/html\n  text/plain\n")
}

func TestPrintStatusEmpty(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, map[string]any{"driver": "memory"}, "tcp")
	require.Contains(t, buf.String(), "Drag:")
	require.Contains(t, buf.String(), "Clipboard is empty.")
}
