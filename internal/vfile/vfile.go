// Package vfile provides destinations for virtual files materialized during
// a transfer.
//
// A sink is written incrementally, then either committed or aborted. Until
// Commit succeeds nothing is visible to the receiver, so a cancelled
// materialization leaves either no file at all or a complete one.
package vfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrFinished is returned when a sink is used after Commit or Abort.
var ErrFinished = errors.New("vfile: sink already finished")

// FileSink writes into a hidden temporary file next to the destination and
// renames it into place on Commit.
type FileSink struct {
	path string

	mu   sync.Mutex
	tmp  *os.File
	done bool
}

// NewFileSink prepares a sink for dir/name. name is reduced to its base so a
// suggested name cannot escape dir.
func NewFileSink(dir, name string) (*FileSink, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("vfile: invalid file name %q", name)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vfile: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".partial-*")
	if err != nil {
		return nil, fmt.Errorf("vfile: create temp: %w", err)
	}
	return &FileSink{path: filepath.Join(dir, name), tmp: tmp}, nil
}

// Path returns the final location of the file.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, ErrFinished
	}
	return s.tmp.Write(p)
}

// Commit syncs the temporary file and renames it to Path.
func (s *FileSink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrFinished
	}
	s.done = true
	tmpName := s.tmp.Name()
	if err := s.tmp.Sync(); err != nil {
		_ = s.tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("vfile: sync: %w", err)
	}
	if err := s.tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("vfile: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("vfile: rename: %w", err)
	}
	return nil
}

// Abort removes the temporary file. Aborting a finished sink is a no-op.
func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	_ = s.tmp.Close()
	if err := os.Remove(s.tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("vfile: remove partial: %w", err)
	}
	return nil
}

// MemorySink buffers a virtual file in memory. Bytes returns nil until the
// sink is committed.
type MemorySink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	done      bool
	committed bool
}

func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, ErrFinished
	}
	return s.buf.Write(p)
}

func (s *MemorySink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrFinished
	}
	s.done, s.committed = true, true
	return nil
}

func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.buf.Reset()
	}
	return nil
}

// Bytes returns the committed content, or nil.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		return nil
	}
	return bytes.Clone(s.buf.Bytes())
}

// Committed reports whether Commit succeeded.
func (s *MemorySink) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}
