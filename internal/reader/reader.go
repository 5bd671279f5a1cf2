// Package reader is the consumer side of a transfer: a uniform, read-only
// view over a local provider, a native data object, or a copied snapshot.
package reader

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"time"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
)

// DefaultSyncTimeout bounds a synchronously emulated native read.
const DefaultSyncTimeout = 2 * time.Second

// Reader enumerates and fetches the formats of one transfer. The order
// returned by Formats is fixed for the reader's lifetime.
type Reader interface {
	Formats(ctx context.Context) ([]format.ID, error)
	Fetch(ctx context.Context, id format.ID) (provider.Data, error)
	// Stream writes id into w. A virtual file is streamed incrementally.
	Stream(ctx context.Context, id format.ID, w io.Writer) error
	Info(id format.ID) (provider.EntryInfo, bool)
}

// Env is what a native reader needs from the surrounding runtime.
type Env struct {
	Driver      driver.Driver
	Formats     *format.Registry
	Dispatcher  *marshal.Dispatcher
	SyncTimeout time.Duration
}

func (e Env) syncTimeout() time.Duration {
	if e.SyncTimeout > 0 {
		return e.SyncTimeout
	}
	return DefaultSyncTimeout
}

// FromSource returns a Local reader when src is backed by providers of this
// process and a Native reader otherwise. A local reader is limited to the
// formats src exposes, so a drop that asked for a subset sees only that.
func FromSource(ctx context.Context, env Env, reg *provider.Registry, src driver.Source) (Reader, error) {
	if ls, ok := src.(driver.LocalSource); ok && reg != nil {
		natives, err := ls.Formats(ctx)
		if err != nil {
			return nil, err
		}
		only := make([]format.ID, 0, len(natives))
		for _, n := range natives {
			only = append(only, env.Formats.ToCanonical(n, env.Driver.Platform()))
		}
		return NewLocalItems(ctx, reg, ls.Handles(), only...)
	}
	return NewNative(ctx, env, src)
}

// Local forwards to registered providers. A multi-item drag is read
// through one Local whose formats route to the item that offers them.
type Local struct {
	reg     *provider.Registry
	handles []provider.Handle
	entries []localEntry
}

type localEntry struct {
	info provider.EntryInfo
	h    provider.Handle
}

// NewLocal returns a reader over h. When only is non-empty the reader
// exposes just those formats, in the provider's order.
func NewLocal(ctx context.Context, reg *provider.Registry, h provider.Handle, only ...format.ID) (*Local, error) {
	return NewLocalItems(ctx, reg, []provider.Handle{h}, only...)
}

// NewLocalItems returns a reader over several providers, in item order.
// A format offered by more than one item is read from the first.
func NewLocalItems(ctx context.Context, reg *provider.Registry, hs []provider.Handle, only ...format.ID) (*Local, error) {
	if len(hs) == 0 {
		return nil, errs.InvalidArgument("local reader needs at least one provider")
	}
	l := &Local{reg: reg, handles: slices.Clone(hs)}
	for _, h := range hs {
		infos, err := reg.Describe(ctx, h)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if len(only) > 0 && !slices.Contains(only, info.Format) {
				continue
			}
			if _, dup := l.entry(info.Format); dup {
				continue
			}
			l.entries = append(l.entries, localEntry{info: info, h: h})
		}
	}
	return l, nil
}

// Handles returns the provider handles the reader forwards to.
func (l *Local) Handles() []provider.Handle { return slices.Clone(l.handles) }

func (l *Local) entry(id format.ID) (localEntry, bool) {
	for _, e := range l.entries {
		if e.info.Format == id {
			return e, true
		}
	}
	return localEntry{}, false
}

func (l *Local) Formats(context.Context) ([]format.ID, error) {
	out := make([]format.ID, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.info.Format
	}
	return out, nil
}

func (l *Local) Info(id format.ID) (provider.EntryInfo, bool) {
	e, ok := l.entry(id)
	return e.info, ok
}

func (l *Local) Fetch(ctx context.Context, id format.ID) (provider.Data, error) {
	e, ok := l.entry(id)
	if !ok {
		return provider.Data{}, errs.NotFound("format %q", id)
	}
	return l.reg.Fetch(ctx, e.h, id)
}

func (l *Local) Stream(ctx context.Context, id format.ID, w io.Writer) error {
	e, ok := l.entry(id)
	if !ok {
		return errs.NotFound("format %q", id)
	}
	return l.reg.Stream(ctx, e.h, id, w)
}

// Native extracts data from a platform data object. Every native call runs
// on the driver's thread.
type Native struct {
	env     Env
	src     driver.Source
	ids     []format.ID
	natives map[format.ID]string
}

// NewNative lists the formats of src once and translates them. When several
// native names map to one ID the first (richest) one is used.
func NewNative(ctx context.Context, env Env, src driver.Source) (*Native, error) {
	names, err := nativeCall(ctx, env, func(ctx context.Context) ([]string, error) {
		return src.Formats(ctx)
	})
	if err != nil {
		return nil, err
	}
	n := &Native{env: env, src: src, natives: make(map[format.ID]string, len(names))}
	platform := env.Driver.Platform()
	for _, name := range names {
		id := env.Formats.ToCanonical(name, platform)
		if _, dup := n.natives[id]; dup {
			continue
		}
		n.natives[id] = name
		n.ids = append(n.ids, id)
	}
	return n, nil
}

func (n *Native) Formats(context.Context) ([]format.ID, error) { return slices.Clone(n.ids), nil }

func (n *Native) Info(id format.ID) (provider.EntryInfo, bool) {
	if _, ok := n.natives[id]; !ok {
		return provider.EntryInfo{}, false
	}
	return provider.EntryInfo{Format: id}, true
}

func (n *Native) Fetch(ctx context.Context, id format.ID) (provider.Data, error) {
	name, ok := n.natives[id]
	if !ok {
		return provider.Data{}, errs.NotFound("format %q", id)
	}
	b, err := nativeCall(ctx, n.env, func(ctx context.Context) ([]byte, error) {
		return n.src.Read(ctx, name)
	})
	if err != nil {
		return provider.Data{}, err
	}
	return provider.Data{Format: id, Bytes: b}, nil
}

// Stream writes id into w. If w is a driver.Sink it is committed or aborted
// here: by the driver when the platform supports virtual files, after a
// plain fetch otherwise.
func (n *Native) Stream(ctx context.Context, id format.ID, w io.Writer) error {
	sink, _ := w.(driver.Sink)
	name, ok := n.natives[id]
	if !ok {
		return abortSink(sink, errs.NotFound("format %q", id))
	}
	if sink != nil && n.env.Driver.Capabilities().VirtualFiles {
		err := n.env.Dispatcher.RunOn(ctx, n.env.Driver.Thread(), func(ctx context.Context) error {
			return n.env.Driver.MaterializeVirtualFile(ctx, n.src, name, sink)
		})
		if err != nil {
			// The driver may never have run; a settled sink ignores this.
			return abortSink(sink, err)
		}
		return nil
	}
	d, err := n.Fetch(ctx, id)
	if err == nil {
		_, err = w.Write(d.Bytes)
	}
	if err != nil {
		return abortSink(sink, err)
	}
	if sink != nil {
		return sink.Commit()
	}
	return nil
}

// abortSink discards a partial sink and returns err.
func abortSink(sink driver.Sink, err error) error {
	if sink == nil {
		return err
	}
	if aerr := sink.Abort(); aerr != nil {
		slog.Debug("sink abort failed", "err", aerr)
	}
	return err
}

// nativeCall runs fn on the driver thread. Platforms with an async read
// primitive honour ctx directly. Others block in the native call, so the
// wait is bounded by the sync timeout and an overrun is reported as
// UnsupportedOnPlatform rather than hanging the caller.
func nativeCall[T any](ctx context.Context, env Env, fn func(context.Context) (T, error)) (T, error) {
	thread := env.Driver.Thread()
	if env.Driver.Capabilities().AsyncRead {
		return marshal.Call(ctx, env.Dispatcher, thread, fn)
	}

	timeout := env.syncTimeout()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out T
	settled := env.Dispatcher.Do(tctx, thread, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	var zero T
	select {
	case err := <-settled:
		if err != nil {
			if ctx.Err() == nil && tctx.Err() != nil && errs.KindOf(err) == errs.KindCancelled {
				return zero, errs.Unsupported("synchronous read did not finish within %s", timeout)
			}
			return zero, err
		}
		return out, nil
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, errs.Cancelled(err)
		}
		slog.Debug("native read timed out", "driver", env.Driver.Name(), "timeout", timeout)
		return zero, errs.Unsupported("synchronous read did not finish within %s", timeout)
	}
}

// Restrict returns a view of r exposing only the formats in ids, in r's
// order. An empty ids leaves r unchanged.
func Restrict(ctx context.Context, r Reader, ids []format.ID) (Reader, error) {
	if len(ids) == 0 {
		return r, nil
	}
	all, err := r.Formats(ctx)
	if err != nil {
		return nil, err
	}
	kept := slices.DeleteFunc(all, func(id format.ID) bool { return !slices.Contains(ids, id) })
	return &restricted{Reader: r, ids: kept}, nil
}

type restricted struct {
	Reader
	ids []format.ID
}

func (r *restricted) Formats(context.Context) ([]format.ID, error) { return slices.Clone(r.ids), nil }

func (r *restricted) Info(id format.ID) (provider.EntryInfo, bool) {
	if !slices.Contains(r.ids, id) {
		return provider.EntryInfo{}, false
	}
	return r.Reader.Info(id)
}

func (r *restricted) Fetch(ctx context.Context, id format.ID) (provider.Data, error) {
	if !slices.Contains(r.ids, id) {
		return provider.Data{}, errs.NotFound("format %q", id)
	}
	return r.Reader.Fetch(ctx, id)
}

func (r *restricted) Stream(ctx context.Context, id format.ID, w io.Writer) error {
	if !slices.Contains(r.ids, id) {
		return errs.NotFound("format %q", id)
	}
	return r.Reader.Stream(ctx, id, w)
}
