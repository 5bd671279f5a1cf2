// Package driver defines the contract between the handoff core and a native
// platform backend.
//
// The core never references a concrete driver type. A driver is selected at
// startup (see sysclip and memdriver), told where to deliver its callbacks
// with SetDelegate, and from then on only talks to the core through the
// Delegate interface, using provider handles instead of Go references.
package driver

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
)

// Capabilities describes what a driver's native API can do.
type Capabilities struct {
	// AsyncRead is set when the platform has an asynchronous read primitive.
	// Without it reads are emulated synchronously with a bounded wait.
	AsyncRead bool
	// StableSnapshot is set when a Source keeps returning the contents it
	// had when it was obtained, even after the clipboard changes.
	StableSnapshot bool
	// LazyClipboard is set when the platform asks the owner for clipboard
	// data on demand instead of requiring it up front.
	LazyClipboard bool
	// Drag is set when the driver can run a native drag loop.
	Drag bool
	// VirtualFiles is set when the platform can materialize files on demand.
	VirtualFiles bool
}

// Offer is one format published by the core, already translated.
type Offer struct {
	Native        string
	Format        format.ID
	Virtual       bool
	SuggestedName string
}

// Offers translates provider entries for the driver's platform. Virtual
// files are left out when the platform cannot materialize them.
func Offers(infos []provider.EntryInfo, formats *format.Registry, drv Driver) []Offer {
	platform := drv.Platform()
	virtual := drv.Capabilities().VirtualFiles
	out := make([]Offer, 0, len(infos))
	for _, info := range infos {
		if info.Virtual && !virtual {
			slog.Debug("virtual file not offered", "format", info.Format, "driver", drv.Name())
			continue
		}
		out = append(out, Offer{
			Native:        formats.ToNative(info.Format, platform),
			Format:        info.Format,
			Virtual:       info.Virtual,
			SuggestedName: info.SuggestedName,
		})
	}
	return out
}

// Operation is a drag-and-drop operation.
type Operation uint8

const (
	OpNone Operation = 0
	OpCopy Operation = 1 << (iota - 1)
	OpMove
	OpLink
)

// Has reports whether every bit of op is set in o.
func (o Operation) Has(op Operation) bool { return op != OpNone && o&op == op }

// Pick returns the first of copy, move, link allowed in o, or OpNone.
func (o Operation) Pick() Operation {
	for _, op := range []Operation{OpCopy, OpMove, OpLink} {
		if o.Has(op) {
			return op
		}
	}
	return OpNone
}

func (o Operation) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpCopy:
		return "copy"
	case OpMove:
		return "move"
	case OpLink:
		return "link"
	}
	s := ""
	for _, op := range []Operation{OpCopy, OpMove, OpLink} {
		if o.Has(op) {
			if s != "" {
				s += "|"
			}
			s += op.String()
		}
	}
	return s
}

// DragItem is one provider taking part in a drag, with its drag image.
type DragItem struct {
	Handle provider.Handle
	Offers []Offer
	Image  image.Image
	Offset image.Point
}

// DragRequest asks the driver to start a native drag loop.
type DragRequest struct {
	Items   []DragItem
	Allowed Operation
}

// SessionID identifies a native drag loop.
type SessionID string

// Outcome is how a native drag loop ended.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// ErrContentsChanged is returned by a clipboard Source of a platform without
// stable snapshots once the clipboard has changed since the source was
// obtained. Readers start over.
var ErrContentsChanged = errors.New("clipboard contents changed")

// Source is a platform-native data object: the clipboard contents, or the
// payload of a drag that entered one of our drop targets.
type Source interface {
	// Formats lists native names, richest first.
	Formats(ctx context.Context) ([]string, error)
	// Read returns the complete value of native.
	Read(ctx context.Context, native string) ([]byte, error)
}

// LocalSource is implemented by sources backed by providers of this
// process (an in-process drag). Readers use the providers directly.
type LocalSource interface {
	Source
	// Handles lists the provider of each dragged item, in item order.
	Handles() []provider.Handle
}

// Sink receives a virtual file. Commit publishes the bytes written so far;
// Abort discards them so that a receiver never observes a partial file.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// Driver is the capability interface every platform backend satisfies.
type Driver interface {
	// Name returns a human-readable name for the driver.
	Name() string
	// Platform selects the format table used to translate names.
	Platform() format.Platform
	// Thread is the context the driver's native API must be called on.
	Thread() marshal.Thread
	Capabilities() Capabilities

	// SetDelegate installs the core's callback receiver. Called once,
	// before any other method.
	SetDelegate(Delegate)

	// Publish replaces the clipboard contents with the offers of h.
	// Eager drivers fetch every offer through the delegate first and only
	// swap contents once all of them succeeded.
	Publish(ctx context.Context, h provider.Handle, offers []Offer) error
	// Clear empties the clipboard.
	Clear(ctx context.Context) error
	// QueryClipboardFormats lists the native names currently on the clipboard.
	QueryClipboardFormats(ctx context.Context) ([]string, error)
	// ClipboardSource returns the clipboard's native data object.
	ClipboardSource(ctx context.Context) (Source, error)

	// MaterializeVirtualFile writes the virtual file native of src into sink.
	// The driver commits or aborts sink.
	MaterializeVirtualFile(ctx context.Context, src Source, native string, sink Sink) error

	// BeginNativeDrag starts a native drag loop and returns its id. Progress
	// is reported through the delegate's Drag* callbacks.
	BeginNativeDrag(ctx context.Context, req DragRequest) (SessionID, error)
	// CancelNativeDrag aborts a running drag loop.
	CancelNativeDrag(ctx context.Context, id SessionID) error

	// Close releases native resources.
	Close() error
}

// TargetID identifies a drop target registered with the core.
type TargetID string

// Delegate receives driver callbacks. Implementations must be safe to call
// from the driver's callback thread; they hand off to their own queues.
type Delegate interface {
	// FetchData resolves a lazily published format.
	FetchData(ctx context.Context, h provider.Handle, id format.ID) ([]byte, error)
	// WriteVirtualFile streams a virtual file of h into w.
	WriteVirtualFile(ctx context.Context, h provider.Handle, id format.ID, w io.Writer) error
	// ClipboardLost tells the previous owner that h is no longer published.
	ClipboardLost(h provider.Handle)

	// DragMoved reports the operation the hovered target would perform.
	DragMoved(id SessionID, op Operation)
	// DragDropped reports a successful drop and the formats the target asked for.
	DragDropped(id SessionID, op Operation, requested []string)
	// BeginVirtualFile reports that the drop target wants a virtual file
	// written into sink. Drivers must call it before DragEnded.
	BeginVirtualFile(id SessionID, item int, native string, sink Sink) error
	// DragEnded reports that the native loop finished.
	DragEnded(id SessionID, outcome Outcome, err error)

	// TargetEntered reports a drag entering target t. natives lists the
	// formats src offers, as enumerated on the driver's thread.
	TargetEntered(t TargetID, src Source, natives []string, allowed Operation)
	TargetMoved(t TargetID, allowed Operation)
	TargetLeft(t TargetID)
	// TargetDropped reports a drop on t; it returns the operation performed.
	TargetDropped(t TargetID) Operation
}

// Watcher is implemented by drivers that notice clipboard changes made by
// other applications. The channel receives a signal per change and is never
// closed.
type Watcher interface {
	Watch() <-chan struct{}
}

// NopEvents implements every Delegate callback except the data path
// (FetchData and WriteVirtualFile) as a no-op. Embed it in delegates that
// only serve data.
type NopEvents struct{}

func (NopEvents) ClipboardLost(provider.Handle)                       {}
func (NopEvents) DragMoved(SessionID, Operation)                      {}
func (NopEvents) DragDropped(SessionID, Operation, []string)          {}
func (NopEvents) DragEnded(SessionID, Outcome, error)                 {}
func (NopEvents) TargetEntered(TargetID, Source, []string, Operation) {}
func (NopEvents) TargetMoved(TargetID, Operation)                     {}
func (NopEvents) TargetLeft(TargetID)                                 {}
func (NopEvents) TargetDropped(TargetID) Operation                    { return OpNone }
func (NopEvents) BeginVirtualFile(SessionID, int, string, Sink) error {
	return errs.Unsupported("virtual files")
}
