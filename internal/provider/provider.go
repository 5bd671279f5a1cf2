// Package provider implements the producer side of a transfer: a lazy,
// format-indexed source of bytes or virtual-file content, and the handle
// table native callbacks use to find it again.
package provider

import (
	"context"
	"io"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
)

// FetchFunc produces the complete value of one format.
type FetchFunc func(ctx context.Context) ([]byte, error)

// StreamFunc pushes the content of a virtual file into w. It must return
// promptly once ctx is done; files larger than memory are expected.
type StreamFunc func(ctx context.Context, w io.Writer) error

// Entry describes one format a Provider can produce. Exactly one of Fetch
// and Stream is set; Stream marks the entry as a virtual file.
type Entry struct {
	Format format.ID
	Fetch  FetchFunc
	Stream StreamFunc

	// Thread is the context Fetch/Stream must run on. marshal.Any (the zero
	// value) lets fetches run concurrently on the caller's goroutine.
	Thread marshal.Thread

	// SuggestedName is the file name offered to receivers of a virtual file.
	SuggestedName string
}

// EntryInfo is the metadata of an Entry, without its functions.
type EntryInfo struct {
	Format        format.ID `json:"format"`
	Virtual       bool      `json:"virtual,omitempty"`
	SuggestedName string    `json:"suggested_name,omitempty"`
}

// Info returns the entry's metadata.
func (e Entry) Info() EntryInfo {
	return EntryInfo{Format: e.Format, Virtual: e.Stream != nil, SuggestedName: e.SuggestedName}
}

// Provider is an immutable, ordered set of entries. Order is priority:
// the richest representation first.
type Provider struct {
	entries   []Entry
	index     map[format.ID]int
	onRelease func()
}

// New validates entries and returns a Provider.
func New(entries ...Entry) (*Provider, error) {
	if len(entries) == 0 {
		return nil, errs.InvalidArgument("provider needs at least one format")
	}
	p := &Provider{
		entries: make([]Entry, len(entries)),
		index:   make(map[format.ID]int, len(entries)),
	}
	for i, e := range entries {
		if e.Format == "" {
			return nil, errs.InvalidArgument("entry %d has no format", i)
		}
		if _, dup := p.index[e.Format]; dup {
			return nil, errs.InvalidArgument("duplicate format %q", e.Format)
		}
		if (e.Fetch == nil) == (e.Stream == nil) {
			return nil, errs.InvalidArgument("format %q needs exactly one of Fetch or Stream", e.Format)
		}
		p.entries[i] = e
		p.index[e.Format] = i
	}
	return p, nil
}

// Bytes returns an Entry serving a constant value.
func Bytes(id format.ID, data []byte) Entry {
	return Entry{
		Format: id,
		Fetch:  func(context.Context) ([]byte, error) { return data, nil },
	}
}

// OnRelease sets fn to run exactly once, after the provider's handle has been
// released and every outstanding fetch has finished. Call before Register.
func (p *Provider) OnRelease(fn func()) *Provider {
	p.onRelease = fn
	return p
}

// Formats returns the registered format IDs in registration order.
func (p *Provider) Formats() []format.ID {
	out := make([]format.ID, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Format
	}
	return out
}

// Infos returns the metadata of every entry in registration order.
func (p *Provider) Infos() []EntryInfo {
	out := make([]EntryInfo, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Info()
	}
	return out
}

// Info returns the metadata for id.
func (p *Provider) Info(id format.ID) (EntryInfo, bool) {
	e, ok := p.entry(id)
	if !ok {
		return EntryInfo{}, false
	}
	return e.Info(), true
}

func (p *Provider) entry(id format.ID) (Entry, bool) {
	i, ok := p.index[id]
	if !ok {
		return Entry{}, false
	}
	return p.entries[i], true
}

// Data is the result of a fetch: the complete Bytes of a regular format, or
// a Reader streaming a virtual file. The receiver must close Reader.
type Data struct {
	Format format.ID
	Bytes  []byte
	Reader io.ReadCloser
}

// IsStream reports whether d carries a virtual-file stream.
func (d Data) IsStream() bool { return d.Reader != nil }

// ReadAll returns the complete payload, draining and closing Reader if set.
func (d Data) ReadAll() ([]byte, error) {
	if d.Reader == nil {
		return d.Bytes, nil
	}
	defer d.Reader.Close()
	return io.ReadAll(d.Reader)
}

// Close releases Reader, if any.
func (d Data) Close() error {
	if d.Reader == nil {
		return nil
	}
	return d.Reader.Close()
}
