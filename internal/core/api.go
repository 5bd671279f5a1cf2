package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/handoff/internal/drag"
	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
)

// WriteClipboard publishes p.
func (c *Context) WriteClipboard(ctx context.Context, p *provider.Provider) errs.Result {
	_, err := c.clip.Write(ctx, p)
	c.metrics.ClipboardOp("write", err)
	return errs.ToResult(err)
}

// ReadClipboard returns a snapshot of the clipboard.
func (c *Context) ReadClipboard(ctx context.Context) (reader.Reader, errs.Result) {
	r, err := c.clip.Read(ctx)
	c.metrics.ClipboardOp("read", err)
	return r, errs.ToResult(err)
}

// ClearClipboard empties the clipboard.
func (c *Context) ClearClipboard(ctx context.Context) errs.Result {
	err := c.clip.Clear(ctx)
	c.metrics.ClipboardOp("clear", err)
	return errs.ToResult(err)
}

// ClipboardFormats lists the formats currently on the clipboard.
func (c *Context) ClipboardFormats(ctx context.Context) ([]format.ID, errs.Result) {
	ids, err := c.clip.Formats(ctx)
	c.metrics.ClipboardOp("formats", err)
	return ids, errs.ToResult(err)
}

// StartDrag begins a drag session.
func (c *Context) StartDrag(ctx context.Context, req drag.Request) (*drag.Session, errs.Result) {
	s, err := c.drag.Start(ctx, req)
	return s, errs.ToResult(err)
}

// RegisterTarget adds a drop target.
func (c *Context) RegisterTarget(ctx context.Context, id driver.TargetID, accepts []format.ID, h drag.TargetHandler) errs.Result {
	return errs.ToResult(c.drag.RegisterTarget(ctx, id, accepts, h))
}

// OnDragUpdate calls fn for every operation change of a running drag. The
// returned func unsubscribes.
func (c *Context) OnDragUpdate(fn func(events.Event)) (cancel func()) {
	return c.subscribe(fn, events.DragUpdate)
}

// OnDrop calls fn when a drag started here is dropped.
func (c *Context) OnDrop(fn func(events.Event)) (cancel func()) {
	return c.subscribe(fn, events.Drop)
}

// OnDragEnd calls fn when a drag session completes.
func (c *Context) OnDragEnd(fn func(events.Event)) (cancel func()) {
	return c.subscribe(fn, events.DragEnd)
}

// Subscribe calls fn for every event of the given kinds, or of every kind
// when none are given.
func (c *Context) Subscribe(fn func(events.Event), kinds ...events.Kind) (cancel func()) {
	return c.subscribe(fn, kinds...)
}

// subscribeBuffer is how many events a callback may lag behind before the
// hub starts dropping for it.
const subscribeBuffer = 64

// subscribe pumps a channel listener into fn on its own goroutine so that a
// slow callback never stalls the publisher.
func (c *Context) subscribe(fn func(events.Event), kinds ...events.Kind) func() {
	l := events.NewChan(uuid.NewString(), subscribeBuffer, kinds...)
	done := make(chan struct{})
	c.hub.Register(l)
	go func() {
		for {
			select {
			case ev := <-l.C():
				fn(ev)
			case <-done:
				return
			}
		}
	}()
	return sync.OnceFunc(func() {
		c.hub.Unregister(l)
		close(done)
	})
}

// Status is a point-in-time summary of the runtime.
type Status struct {
	Driver       string
	Platform     format.Platform
	Capabilities driver.Capabilities
	Providers    int
	Listeners    int
	Drag         string
	DragState    string
	Formats      []format.ID
	Uptime       time.Duration
}

// Status reports the driver, live provider count, the running drag and the
// clipboard's current formats.
func (c *Context) Status(ctx context.Context) (Status, error) {
	st := Status{
		Driver:       c.drv.Name(),
		Platform:     c.drv.Platform(),
		Capabilities: c.drv.Capabilities(),
		Listeners:    c.hub.Listeners(),
		Uptime:       time.Since(c.started),
	}
	n, err := c.reg.Live(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Providers = n
	s, err := c.drag.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	if s != nil {
		st.Drag, st.DragState = s.ID(), s.State().String()
	}
	if ids, err := c.clip.Formats(ctx); err == nil {
		st.Formats = ids
	} else {
		slog.Debug("status: clipboard formats", "err", err)
	}
	return st, nil
}

// delegate routes driver callbacks to the component that owns them.
type delegate struct{ c *Context }

func (d delegate) FetchData(ctx context.Context, h provider.Handle, id format.ID) ([]byte, error) {
	return d.c.reg.FetchData(ctx, h, id)
}

func (d delegate) WriteVirtualFile(ctx context.Context, h provider.Handle, id format.ID, w io.Writer) error {
	return d.c.reg.WriteVirtualFile(ctx, h, id, w)
}

func (d delegate) ClipboardLost(h provider.Handle) { d.c.clip.ClipboardLost(h) }

func (d delegate) DragMoved(id driver.SessionID, op driver.Operation) { d.c.drag.DragMoved(id, op) }

func (d delegate) DragDropped(id driver.SessionID, op driver.Operation, requested []string) {
	d.c.drag.DragDropped(id, op, requested)
}

func (d delegate) BeginVirtualFile(id driver.SessionID, item int, native string, sink driver.Sink) error {
	return d.c.drag.BeginVirtualFile(id, item, native, sink)
}

func (d delegate) DragEnded(id driver.SessionID, outcome driver.Outcome, err error) {
	d.c.drag.DragEnded(id, outcome, err)
}

func (d delegate) TargetEntered(t driver.TargetID, src driver.Source, natives []string, allowed driver.Operation) {
	d.c.drag.TargetEntered(t, src, natives, allowed)
}

func (d delegate) TargetMoved(t driver.TargetID, allowed driver.Operation) {
	d.c.drag.TargetMoved(t, allowed)
}

func (d delegate) TargetLeft(t driver.TargetID) { d.c.drag.TargetLeft(t) }

func (d delegate) TargetDropped(t driver.TargetID) driver.Operation {
	return d.c.drag.TargetDropped(t)
}
