// Package drag runs drag sessions started by this process and the drop
// targets registered with it.
//
// All engine state lives on its own marshal thread. Driver callbacks are
// posted there, so a callback never waits for the engine; the two callbacks
// that must answer synchronously (BeginVirtualFile, TargetDropped) wait on
// the engine thread, which in turn never waits on the driver thread.
package drag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
)

// Thread owns the engine's state.
const Thread marshal.Thread = "handoff/drag"

// Policy tunes how sessions finish.
type Policy struct {
	// WaitForVirtualFiles keeps a dropped session out of Completed until
	// every virtual-file request committed or aborted. Without it the
	// session completes at once and its providers are released in the
	// background when the last request finishes.
	WaitForVirtualFiles bool
}

// Notifier receives engine events. *events.Hub satisfies it.
type Notifier interface {
	Publish(events.Event)
}

// Config wires an Engine.
type Config struct {
	Env      reader.Env
	Registry *provider.Registry
	Pool     *marshal.Pool
	Policy   Policy
	Notifier Notifier
}

// Engine is the drag-session state machine and drop-target registry.
type Engine struct {
	drv     driver.Driver
	formats *format.Registry
	disp    *marshal.Dispatcher
	reg     *provider.Registry
	pool    *marshal.Pool
	env     reader.Env
	policy  Policy
	notify  Notifier

	// Owned by Thread.
	current  *Session
	byNative map[driver.SessionID]*Session
	early    map[driver.SessionID][]func(*Session)
	targets  map[driver.TargetID]*target
}

// New returns an Engine. Its callbacks must be routed to it by the
// driver's delegate.
func New(cfg Config) *Engine {
	return &Engine{
		drv:      cfg.Env.Driver,
		formats:  cfg.Env.Formats,
		disp:     cfg.Env.Dispatcher,
		reg:      cfg.Registry,
		pool:     cfg.Pool,
		env:      cfg.Env,
		policy:   cfg.Policy,
		notify:   cfg.Notifier,
		byNative: make(map[driver.SessionID]*Session),
		early:    make(map[driver.SessionID][]func(*Session)),
		targets:  make(map[driver.TargetID]*target),
	}
}

// Start begins a drag of req's items. Only one session may run at a time;
// a second Start fails with AlreadyInProgress and leaves the first alone.
func (e *Engine) Start(ctx context.Context, req Request) (*Session, error) {
	if len(req.Items) == 0 {
		return nil, errs.InvalidArgument("drag needs at least one item")
	}
	if req.Allowed&(driver.OpCopy|driver.OpMove|driver.OpLink) == driver.OpNone {
		return nil, errs.InvalidArgument("drag allows no operation")
	}
	for i, it := range req.Items {
		if it.Provider == nil {
			return nil, errs.InvalidArgument("drag item %d has no provider", i)
		}
	}

	s := &Session{
		id:      uuid.NewString(),
		engine:  e,
		allowed: req.Allowed,
		items:   req.Items,
		done:    make(chan struct{}),
		state:   Starting,
		pending: make(map[*VirtualFileRequest]struct{}),
	}
	err := e.disp.RunOn(ctx, Thread, func(context.Context) error {
		if cur := e.current; cur != nil {
			return fmt.Errorf("drag %s is %s: %w", cur.id, cur.state, errs.ErrAlreadyInProgress)
		}
		e.current = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("drag starting", "session", s.id, "items", len(req.Items), "allowed", req.Allowed.String())

	dreq := driver.DragRequest{Allowed: req.Allowed}
	var handles []provider.Handle
	for _, it := range req.Items {
		h, err := e.reg.Register(ctx, it.Provider)
		if err != nil {
			e.abortStart(s, handles, err)
			return nil, err
		}
		handles = append(handles, h)
		dreq.Items = append(dreq.Items, driver.DragItem{
			Handle: h,
			Offers: driver.Offers(it.Provider.Infos(), e.formats, e.drv),
			Image:  it.Image,
			Offset: it.Offset,
		})
	}

	native, err := marshal.Call(ctx, e.disp, e.drv.Thread(), func(ctx context.Context) (driver.SessionID, error) {
		return e.drv.BeginNativeDrag(ctx, dreq)
	})
	if err != nil {
		e.abortStart(s, handles, err)
		return nil, err
	}

	// The native loop is running; map it even if ctx ended meanwhile.
	var cancelNow bool
	err = e.disp.RunOn(context.WithoutCancel(ctx), Thread, func(context.Context) error {
		s.native = native
		s.handles = handles
		e.byNative[native] = s
		s.setState(Active)
		cancelNow = s.cancelWanted
		e.publish(events.Event{Kind: events.DragUpdate, Session: s.id, State: Active.String()})
		early := e.early[native]
		clear(e.early)
		for _, fn := range early {
			fn(s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("drag started", "session", s.id, "native", native)
	if cancelNow {
		_ = s.Cancel(context.WithoutCancel(ctx))
	}
	return s, nil
}

// Cancel aborts s. A session still starting is cancelled as soon as its
// native loop exists; a dropped session cancels its pending virtual files.
func (s *Session) Cancel(ctx context.Context) error {
	return s.engine.cancel(ctx, s)
}

func (e *Engine) cancel(ctx context.Context, s *Session) error {
	var native driver.SessionID
	var viaDriver bool
	err := e.disp.RunOn(ctx, Thread, func(context.Context) error {
		switch {
		case s.ended:
			for r := range s.pending {
				r.cancel()
			}
		case s.state == Starting:
			s.cancelWanted = true
		case s.state == Active || s.state == Dropped:
			native, viaDriver = s.native, true
		}
		return nil
	})
	if err != nil || !viaDriver {
		return err
	}
	err = e.disp.RunOn(ctx, e.drv.Thread(), func(ctx context.Context) error {
		return e.drv.CancelNativeDrag(ctx, native)
	})
	if err != nil {
		slog.Debug("native cancel failed, ending drag locally", "session", s.id, "err", err)
		e.DragEnded(native, driver.OutcomeCancelled, nil)
	}
	return nil
}

// Current returns the running session, if any.
func (e *Engine) Current(ctx context.Context) (*Session, error) {
	return marshal.Call(ctx, e.disp, Thread, func(context.Context) (*Session, error) {
		return e.current, nil
	})
}

// Close cancels the running session and waits for it to complete.
func (e *Engine) Close(ctx context.Context) error {
	s, err := e.Current(ctx)
	if err != nil || s == nil {
		return err
	}
	if err := s.Cancel(ctx); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errs.Cancelled(ctx.Err())
	}
}

// abortStart settles a session whose native loop never started. It runs
// synchronously so the next Start is not refused.
func (e *Engine) abortStart(s *Session, handles []provider.Handle, cause error) {
	ctx := context.Background()
	for _, h := range handles {
		if ch, err := e.reg.Release(ctx, h); err == nil {
			<-ch
		}
	}
	err := e.disp.RunOn(ctx, Thread, func(context.Context) error {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		s.setState(Failed)
		s.ended, s.releasing = true, true
		e.complete(s)
		return nil
	})
	if err != nil {
		slog.Debug("drag abort after shutdown", "session", s.id, "err", err)
	}
	slog.Info("drag failed to start", "session", s.id, "err", cause)
}

// post queues fn on Thread. Callbacks arriving after shutdown are dropped.
func (e *Engine) post(fn func()) {
	if err := e.disp.Post(Thread, func(context.Context) { fn() }); err != nil {
		slog.Debug("drag callback after shutdown", "err", err)
	}
}

// onSession runs fn for the session of native id. Callbacks that beat the
// mapping (the driver may report before BeginNativeDrag returns) are held
// until the session is Active.
func (e *Engine) onSession(id driver.SessionID, fn func(*Session)) {
	e.post(func() {
		if s, ok := e.byNative[id]; ok {
			fn(s)
			return
		}
		if cur := e.current; cur != nil && cur.state == Starting {
			e.early[id] = append(e.early[id], fn)
			return
		}
		slog.Debug("callback for unknown drag", "native", id)
	})
}

func (e *Engine) publish(ev events.Event) {
	if e.notify != nil {
		e.notify.Publish(ev)
	}
}

func (e *Engine) canonical(natives []string) []format.ID {
	platform := e.drv.Platform()
	out := make([]format.ID, 0, len(natives))
	for _, n := range natives {
		out = append(out, e.formats.ToCanonical(n, platform))
	}
	return out
}

// DragMoved implements driver.Delegate.
func (e *Engine) DragMoved(id driver.SessionID, op driver.Operation) {
	e.onSession(id, func(s *Session) {
		if s.state != Active {
			return
		}
		s.mu.Lock()
		s.lastOp = op
		s.mu.Unlock()
		e.publish(events.Event{Kind: events.DragUpdate, Session: s.id, State: Active.String(), Operation: op.String()})
	})
}

// DragDropped implements driver.Delegate.
func (e *Engine) DragDropped(id driver.SessionID, op driver.Operation, requested []string) {
	e.onSession(id, func(s *Session) {
		if s.state != Active {
			return
		}
		ids := e.canonical(requested)
		s.mu.Lock()
		s.lastOp = op
		s.requested = ids
		s.mu.Unlock()
		s.setState(Dropped)
		e.publish(events.Event{Kind: events.Drop, Session: s.id, State: Dropped.String(), Operation: op.String(), Formats: ids})
	})
}

// DragEnded implements driver.Delegate.
func (e *Engine) DragEnded(id driver.SessionID, outcome driver.Outcome, cause error) {
	e.onSession(id, func(s *Session) {
		if s.ended {
			return
		}
		s.ended = true
		switch outcome {
		case driver.OutcomeDropped:
			if s.state != Dropped {
				s.setState(Dropped)
			}
		case driver.OutcomeCancelled:
			s.setState(Cancelled)
		default:
			if cause == nil {
				cause = errors.New("native drag loop failed")
			}
			s.mu.Lock()
			s.err = errs.Failed(cause)
			s.mu.Unlock()
			s.setState(Failed)
		}
		slog.Debug("drag ended", "session", s.id, "outcome", outcome.String(), "pending", len(s.pending))
		e.finish(s)
	})
}

// BeginVirtualFile implements driver.Delegate. The request is accepted or
// refused synchronously; the bytes are streamed on the pool.
func (e *Engine) BeginVirtualFile(id driver.SessionID, item int, native string, sink driver.Sink) error {
	var s *Session
	var r *VirtualFileRequest
	err := e.disp.RunOn(context.Background(), Thread, func(context.Context) error {
		var ok bool
		if s, ok = e.byNative[id]; !ok {
			return errs.NotFound("drag %s", id)
		}
		if s.ended || (s.state != Active && s.state != Dropped) {
			return errs.NotFound("drag %s is %s", id, s.state)
		}
		if item < 0 || item >= len(s.handles) {
			return errs.InvalidArgument("drag %s has no item %d", id, item)
		}
		fid := e.formats.ToCanonical(native, e.drv.Platform())
		info, ok := s.items[item].Provider.Info(fid)
		if !ok || !info.Virtual {
			return errs.NotFound("virtual file %q on item %d", fid, item)
		}
		ctx, cancel := context.WithCancel(context.Background())
		r = &VirtualFileRequest{
			Item:          item,
			Format:        fid,
			Native:        native,
			SuggestedName: info.SuggestedName,
			handle:        s.handles[item],
			sink:          sink,
			ctx:           ctx,
			cancel:        cancel,
			done:          make(chan struct{}),
		}
		s.pending[r] = struct{}{}
		s.mu.Lock()
		s.requests = append(s.requests, r)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		_ = sink.Abort()
		return err
	}

	if err := e.pool.Go(r.ctx, func() { e.materialize(s, r) }); err != nil {
		e.settleRequest(s, r, err)
	}
	slog.Debug("virtual file requested", "session", s.id, "format", r.Format, "item", item)
	return nil
}

func (e *Engine) materialize(s *Session, r *VirtualFileRequest) {
	err := e.reg.Stream(r.ctx, r.handle, r.Format, r.sink)
	if err == nil {
		err = r.sink.Commit()
	}
	e.settleRequest(s, r, err)
}

// settleRequest aborts the sink on failure, marks r done and lets the
// session finish.
func (e *Engine) settleRequest(s *Session, r *VirtualFileRequest, err error) {
	if err != nil {
		if aerr := r.sink.Abort(); aerr != nil {
			slog.Debug("virtual file abort failed", "session", s.id, "err", aerr)
		}
		if r.ctx.Err() != nil {
			err = errs.Cancelled(err)
		}
	}
	r.err = err
	r.cancel()
	close(r.done)
	slog.Debug("virtual file settled", "session", s.id, "format", r.Format, "err", err)
	e.post(func() {
		delete(s.pending, r)
		e.finish(s)
	})
}

// finish moves an ended session towards Completed. It runs on Thread after
// every change that could unblock completion.
func (e *Engine) finish(s *Session) {
	if !s.ended {
		return
	}
	if st := s.state; st == Cancelled || st == Failed {
		for r := range s.pending {
			r.cancel()
		}
	}
	if len(s.pending) > 0 {
		if !e.policy.WaitForVirtualFiles {
			e.complete(s)
		}
		return
	}
	if s.releasing {
		return
	}
	s.releasing = true
	handles := s.handles
	wait := !s.completed
	go func() {
		ctx := context.Background()
		var gone []<-chan struct{}
		for _, h := range handles {
			ch, err := e.reg.Release(ctx, h)
			if err != nil {
				slog.Debug("drag provider release failed", "session", s.id, "err", err)
				continue
			}
			gone = append(gone, ch)
		}
		if !wait {
			return
		}
		for _, ch := range gone {
			<-ch
		}
		e.post(func() { e.complete(s) })
	}()
}

// complete publishes the session's end. Runs on Thread.
func (e *Engine) complete(s *Session) {
	if s.completed {
		return
	}
	s.completed = true
	outcome := s.Outcome()
	s.setState(Completed)
	delete(e.byNative, s.native)
	if e.current == s {
		e.current = nil
	}
	close(s.done)
	slog.Info("drag completed", "session", s.id, "outcome", outcome.String())
	e.publish(events.Event{
		Kind:    events.DragEnd,
		Session: s.id,
		State:   outcome.String(),
		Result:  errs.ToResult(s.Err()),
	})
}
