package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
)

// TableThread serializes every access to the handle table.
const TableThread marshal.Thread = "handoff/provider-table"

// Handle identifies a registered Provider across the native boundary.
// Handles are assigned in increasing order and never reissued.
type Handle uint64

type record struct {
	p        *Provider
	inflight int
	holds    int
	// Release was asked for while held.
	releaseWanted bool
	released      bool
	disposed      chan struct{}
}

// Registry is the handle table. Its maps are only touched by closures
// running on TableThread, so there are no locks here.
type Registry struct {
	disp *marshal.Dispatcher
	pool *marshal.Pool

	next       Handle
	live       map[Handle]*record
	byProvider map[*Provider]Handle
	gone       map[Handle]chan struct{}
}

// NewRegistry returns an empty handle table. Fetch functions run through
// disp; virtual-file pipes are fed from pool.
func NewRegistry(disp *marshal.Dispatcher, pool *marshal.Pool) *Registry {
	return &Registry{
		disp:       disp,
		pool:       pool,
		live:       make(map[Handle]*record),
		byProvider: make(map[*Provider]Handle),
		gone:       make(map[Handle]chan struct{}),
	}
}

// Register assigns a handle to p. A provider can have at most one live handle.
func (r *Registry) Register(ctx context.Context, p *Provider) (Handle, error) {
	if p == nil {
		return 0, errs.InvalidArgument("nil provider")
	}
	return marshal.Call(ctx, r.disp, TableThread, func(context.Context) (Handle, error) {
		if h, ok := r.byProvider[p]; ok {
			return 0, errs.InvalidArgument("provider already registered as handle %d", h)
		}
		r.next++
		h := r.next
		r.live[h] = &record{p: p, disposed: make(chan struct{})}
		r.byProvider[p] = h
		slog.Debug("provider registered", "handle", uint64(h), "formats", p.Formats())
		return h, nil
	})
}

// Describe returns the entry metadata of h in registration order.
func (r *Registry) Describe(ctx context.Context, h Handle) ([]EntryInfo, error) {
	return marshal.Call(ctx, r.disp, TableThread, func(context.Context) ([]EntryInfo, error) {
		rec, ok := r.live[h]
		if !ok || rec.released {
			return nil, errs.NotFound("provider handle %d", h)
		}
		return rec.p.Infos(), nil
	})
}

// acquire looks up id on h and counts a new in-flight fetch. The returned
// finish func must be called exactly once when the fetch has settled.
func (r *Registry) acquire(ctx context.Context, h Handle, id format.ID) (Entry, func(), error) {
	type acquired struct {
		e   Entry
		rec *record
	}
	a, err := marshal.Call(ctx, r.disp, TableThread, func(context.Context) (acquired, error) {
		rec, ok := r.live[h]
		if !ok || rec.released {
			return acquired{}, errs.NotFound("provider handle %d", h)
		}
		e, ok := rec.p.entry(id)
		if !ok {
			return acquired{}, errs.NotFound("format %q on handle %d", id, h)
		}
		rec.inflight++
		return acquired{e, rec}, nil
	})
	if err != nil {
		return Entry{}, nil, err
	}
	finish := sync.OnceFunc(func() {
		err := r.disp.Post(TableThread, func(context.Context) {
			a.rec.inflight--
			if a.rec.released && a.rec.inflight == 0 {
				r.dispose(h, a.rec)
			}
		})
		if err != nil {
			slog.Debug("provider finish after shutdown", "handle", uint64(h), "err", err)
		}
	})
	return a.e, finish, nil
}

// dispose runs on TableThread.
func (r *Registry) dispose(h Handle, rec *record) {
	delete(r.live, h)
	delete(r.byProvider, rec.p)
	r.gone[h] = rec.disposed
	slog.Debug("provider disposed", "handle", uint64(h))
	go func() {
		defer close(rec.disposed)
		if rec.p.onRelease != nil {
			rec.p.onRelease()
		}
	}()
}

// Fetch produces id from h. Regular entries return Bytes; virtual files
// return a Reader fed by the stream function on the background pool.
// Fetch is safe to call from any goroutine.
func (r *Registry) Fetch(ctx context.Context, h Handle, id format.ID) (Data, error) {
	e, finish, err := r.acquire(ctx, h, id)
	if err != nil {
		return Data{}, err
	}
	if e.Stream != nil {
		return r.openStream(ctx, e, finish)
	}

	var out []byte
	settled := r.disp.Do(ctx, e.Thread, func(ctx context.Context) error {
		b, err := e.Fetch(ctx)
		out = b
		return err
	})
	select {
	case err := <-settled:
		finish()
		if err != nil {
			return Data{}, classify(ctx, err)
		}
		return Data{Format: id, Bytes: out}, nil
	case <-ctx.Done():
		go func() {
			<-settled
			finish()
		}()
		return Data{}, errs.Cancelled(ctx.Err())
	}
}

// openStream starts a virtual-file stream and hands back the read side.
// Closing the reader early cancels the stream function.
func (r *Registry) openStream(ctx context.Context, e Entry, finish func()) (Data, error) {
	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	err := r.pool.Go(ctx, func() {
		defer finish()
		defer cancel()
		err := <-r.disp.Do(sctx, e.Thread, func(ctx context.Context) error {
			return e.Stream(ctx, pw)
		})
		if err != nil {
			_ = pw.CloseWithError(classify(sctx, err))
			return
		}
		_ = pw.Close()
	})
	if err != nil {
		cancel()
		finish()
		return Data{}, err
	}
	return Data{Format: e.Format, Reader: &streamReader{PipeReader: pr, cancel: cancel}}, nil
}

type streamReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (s *streamReader) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

// Stream writes id from h into w and returns once the producer has finished.
// Regular entries are fetched and written in one piece. Cancelling ctx
// propagates into the stream function; the caller owns cleanup of w.
func (r *Registry) Stream(ctx context.Context, h Handle, id format.ID, w io.Writer) error {
	e, finish, err := r.acquire(ctx, h, id)
	if err != nil {
		return err
	}
	defer finish()

	err = <-r.disp.Do(ctx, e.Thread, func(ctx context.Context) error {
		if e.Stream != nil {
			return e.Stream(ctx, w)
		}
		b, err := e.Fetch(ctx)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	})
	if err != nil {
		return classify(ctx, err)
	}
	return nil
}

// Release marks h as no longer needed. Fetches already running complete; new
// ones fail with NotFound. The returned channel closes once the last fetch
// has drained and the provider's OnRelease hook ran. Releasing a handle
// twice is a no-op returning the same channel. A held handle stays readable
// until its last hold is dropped.
func (r *Registry) Release(ctx context.Context, h Handle) (<-chan struct{}, error) {
	return marshal.Call(ctx, r.disp, TableThread, func(context.Context) (<-chan struct{}, error) {
		if ch, ok := r.gone[h]; ok {
			return ch, nil
		}
		rec, ok := r.live[h]
		if !ok {
			return nil, errs.NotFound("provider handle %d", h)
		}
		switch {
		case rec.released || rec.releaseWanted:
		case rec.holds > 0:
			rec.releaseWanted = true
			slog.Debug("provider release deferred", "handle", uint64(h), "holds", rec.holds)
		default:
			r.markReleased(h, rec)
		}
		return rec.disposed, nil
	})
}

// markReleased runs on TableThread.
func (r *Registry) markReleased(h Handle, rec *record) {
	rec.released = true
	slog.Debug("provider released", "handle", uint64(h), "inflight", rec.inflight)
	if rec.inflight == 0 {
		r.dispose(h, rec)
	}
}

// Hold keeps h readable for a consumer that has not fetched yet, such as a
// drop target whose handler runs after the drag ended. The returned func
// drops the hold and may be called more than once.
func (r *Registry) Hold(ctx context.Context, h Handle) (func(), error) {
	rec, err := marshal.Call(ctx, r.disp, TableThread, func(context.Context) (*record, error) {
		rec, ok := r.live[h]
		if !ok || rec.released {
			return nil, errs.NotFound("provider handle %d", h)
		}
		rec.holds++
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return sync.OnceFunc(func() {
		err := r.disp.Post(TableThread, func(context.Context) {
			rec.holds--
			if rec.holds == 0 && rec.releaseWanted && !rec.released {
				r.markReleased(h, rec)
			}
		})
		if err != nil {
			slog.Debug("provider unhold after shutdown", "handle", uint64(h), "err", err)
		}
	}), nil
}

// Live returns the number of handles not yet disposed.
func (r *Registry) Live(ctx context.Context) (int, error) {
	return marshal.Call(ctx, r.disp, TableThread, func(context.Context) (int, error) {
		return len(r.live), nil
	})
}

// classify maps a producer error to the taxonomy. Errors already carrying a
// kind are kept; context errors become Cancelled; anything else is a
// producer-side FetchFailed.
func classify(ctx context.Context, err error) error {
	switch errs.KindOf(err) {
	case errs.KindNone:
		return nil
	case errs.KindCancelled:
		if errors.Is(err, errs.ErrCancelled) {
			return err
		}
		return errs.Cancelled(err)
	case errs.KindInternal:
		if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
			return errs.Cancelled(err)
		}
		return errs.FetchFailed(err)
	default:
		return err
	}
}

func (h Handle) String() string { return fmt.Sprintf("provider#%d", uint64(h)) }

// FetchData resolves id from h into a complete buffer, draining a virtual
// file if needed. It is the data path drivers call back into.
func (r *Registry) FetchData(ctx context.Context, h Handle, id format.ID) ([]byte, error) {
	d, err := r.Fetch(ctx, h, id)
	if err != nil {
		return nil, err
	}
	b, err := d.ReadAll()
	if err != nil {
		return nil, classify(ctx, err)
	}
	return b, nil
}

// WriteVirtualFile is Stream under the name drivers call it by.
func (r *Registry) WriteVirtualFile(ctx context.Context, h Handle, id format.ID, w io.Writer) error {
	return r.Stream(ctx, h, id, w)
}
