//go:build !windows

package ipc

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
)

func socketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "handoff.sock")
	}
	return filepath.Join(os.TempDir(), "handoff.sock")
}

func target(path string) string { return "unix://" + path }

func listenIPC(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func dialIPC(path string) (net.Conn, error) { return net.Dial("unix", path) }
