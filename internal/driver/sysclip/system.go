//go:build darwin || windows || linux

package sysclip

import "golang.design/x/clipboard"

// system is the real clipboard. clipboard.Init is deferred to New so that
// commands which never touch the clipboard don't trigger its warnings.
type system struct{}

func (system) Init() error { return clipboard.Init() }

func (system) Read(k kind) []byte { return clipboard.Read(libFormat(k)) }

func (system) Write(k kind, b []byte) <-chan struct{} { return clipboard.Write(libFormat(k), b) }

func libFormat(k kind) clipboard.Format {
	if k == kindImage {
		return clipboard.FmtImage
	}
	return clipboard.FmtText
}
