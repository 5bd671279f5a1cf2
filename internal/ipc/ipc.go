// Package ipc locates and opens the local channel that CLI commands (copy,
// paste, formats, watch) use to reach a running "handoff serve" without
// going through its TCP listener.
//
// The channel carries the same gRPC service as the TCP port. It is local and
// owner-restricted by the OS, so it needs no token.
package ipc

import (
	"net"
	"os"
)

// EnvSocket overrides the socket path.
const EnvSocket = "HANDOFF_SOCKET"

// SocketPath returns the platform-appropriate address of the IPC channel.
//
//   - Linux:   $XDG_RUNTIME_DIR/handoff.sock, else $TMPDIR/handoff.sock
//   - macOS:   $TMPDIR/handoff.sock
//   - Windows: a loopback TCP address
func SocketPath() string {
	if s := os.Getenv(EnvSocket); s != "" {
		return s
	}
	return socketPath()
}

// Target is SocketPath in the form grpc.NewClient expects.
func Target() string { return target(SocketPath()) }

// IsRunning reports whether a server appears to be listening on the IPC
// channel. It does a cheap dial-and-close; no data is exchanged.
func IsRunning() bool {
	c, err := Dial()
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen opens the IPC channel, removing a stale socket left by a crashed
// run first.
func Listen() (net.Listener, error) { return listenIPC(SocketPath()) }

// Dial connects to the IPC channel.
func Dial() (net.Conn, error) { return dialIPC(SocketPath()) }
