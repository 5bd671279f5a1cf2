//go:build !darwin && !windows && !linux

package sysclip

import "errors"

// system has no clipboard on this platform; the driver runs headless.
type system struct{}

func (system) Init() error                        { return errors.New("no clipboard support on this platform") }
func (system) Read(kind) []byte                   { return nil }
func (system) Write(kind, []byte) <-chan struct{} { return make(chan struct{}) }
