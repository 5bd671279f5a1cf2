//go:build windows

package ipc

import "net"

// Windows listens on a loopback port instead of a named pipe.
const loopback = "127.0.0.1:8753"

func socketPath() string                          { return loopback }
func target(addr string) string                   { return addr }
func listenIPC(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }
func dialIPC(addr string) (net.Conn, error)       { return net.Dial("tcp", addr) }
