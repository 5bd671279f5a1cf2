package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"go.klb.dev/handoff/internal/ipc"
	"go.klb.dev/handoff/internal/rpc"
)

// defaultSource returns a human-readable identifier for this host.
func defaultSource() string {
	if v := os.Getenv("HANDOFF_SOURCE"); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// conn is an open client plus a description of how it got there.
type conn struct {
	*rpc.Client
	cc        *grpc.ClientConn
	transport string
}

func (c *conn) Close() error { return c.cc.Close() }

// dial reaches a handoff server. The local IPC socket wins unless --server
// was given explicitly.
func dial(cmd *cobra.Command, v *viper.Viper) (*conn, error) {
	source := v.GetString("source")
	if !cmd.Flags().Changed("server") && ipc.IsRunning() {
		opts, err := rpc.DialOptions("", source, false)
		if err != nil {
			return nil, err
		}
		cc, err := grpc.NewClient(ipc.Target(), opts...)
		if err == nil {
			return &conn{Client: rpc.NewClient(cc), cc: cc, transport: fmt.Sprintf("ipc (%s)", ipc.SocketPath())}, nil
		}
	}

	addr := v.GetString("server")
	opts, err := rpc.DialOptions(v.GetString("token"), source, v.GetBool("tls"))
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &conn{Client: rpc.NewClient(cc), cc: cc, transport: fmt.Sprintf("tcp (%s)", addr)}, nil
}
