package drag

import (
	"context"
	"log/slog"
	"slices"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/reader"
)

// TargetState is the state of a registered drop target.
type TargetState int

const (
	TargetIdle TargetState = iota
	TargetHovering
	TargetDropped
	TargetLeft
)

func (s TargetState) String() string {
	switch s {
	case TargetIdle:
		return "idle"
	case TargetHovering:
		return "hovering"
	case TargetDropped:
		return "dropped"
	case TargetLeft:
		return "left"
	}
	return "unknown"
}

// TargetHandler decides what a drop target does with a drag. Hover and
// Leave run on the engine thread and must not block. Drop runs on its own
// goroutine and may read the data at leisure; the reader stays valid until
// Drop returns, and a dropped session does not complete before that.
type TargetHandler interface {
	// Hover returns the operation the target would perform given the
	// formats it accepts from the drag, or OpNone to refuse.
	Hover(formats []format.ID, allowed driver.Operation) driver.Operation
	Drop(ctx context.Context, r reader.Reader, op driver.Operation)
	Leave()
}

// TargetFuncs adapts plain functions to a TargetHandler. A nil OnHover
// accepts with the first allowed operation.
type TargetFuncs struct {
	OnHover func(formats []format.ID, allowed driver.Operation) driver.Operation
	OnDrop  func(ctx context.Context, r reader.Reader, op driver.Operation)
	OnLeave func()
}

func (f TargetFuncs) Hover(formats []format.ID, allowed driver.Operation) driver.Operation {
	if f.OnHover == nil {
		return allowed.Pick()
	}
	return f.OnHover(formats, allowed)
}

func (f TargetFuncs) Drop(ctx context.Context, r reader.Reader, op driver.Operation) {
	if f.OnDrop != nil {
		f.OnDrop(ctx, r, op)
	}
}

func (f TargetFuncs) Leave() {
	if f.OnLeave != nil {
		f.OnLeave()
	}
}

type target struct {
	id      driver.TargetID
	accepts []format.ID
	h       TargetHandler
	state   TargetState

	// Set while a drag is over the target.
	src     driver.Source
	formats []format.ID
	allowed driver.Operation
	op      driver.Operation
}

// hover asks the handler for an operation. A target offered none of the
// formats it accepts always refuses.
func (t *target) hover() {
	t.op = driver.OpNone
	if len(t.formats) == 0 {
		return
	}
	op := t.h.Hover(slices.Clone(t.formats), t.allowed) & t.allowed
	t.op = op.Pick()
}

// RegisterTarget adds a drop target accepting the given formats. An empty
// accepts list accepts everything.
func (e *Engine) RegisterTarget(ctx context.Context, id driver.TargetID, accepts []format.ID, h TargetHandler) error {
	if id == "" || h == nil {
		return errs.InvalidArgument("drop target needs an id and a handler")
	}
	return e.disp.RunOn(ctx, Thread, func(context.Context) error {
		if _, dup := e.targets[id]; dup {
			return errs.InvalidArgument("drop target %q already registered", id)
		}
		e.targets[id] = &target{id: id, accepts: slices.Clone(accepts), h: h}
		slog.Debug("drop target registered", "target", id, "accepts", accepts)
		return nil
	})
}

// UnregisterTarget removes a drop target. A drag hovering it is ignored
// from then on.
func (e *Engine) UnregisterTarget(ctx context.Context, id driver.TargetID) error {
	return e.disp.RunOn(ctx, Thread, func(context.Context) error {
		if _, ok := e.targets[id]; !ok {
			return errs.NotFound("drop target %q", id)
		}
		delete(e.targets, id)
		return nil
	})
}

// Target returns the state of a drop target.
func (e *Engine) Target(ctx context.Context, id driver.TargetID) (TargetState, error) {
	return marshal.Call(ctx, e.disp, Thread, func(context.Context) (TargetState, error) {
		t, ok := e.targets[id]
		if !ok {
			return TargetIdle, errs.NotFound("drop target %q", id)
		}
		return t.state, nil
	})
}

// TargetEntered implements driver.Delegate.
func (e *Engine) TargetEntered(id driver.TargetID, src driver.Source, natives []string, allowed driver.Operation) {
	offered := e.canonical(natives)
	e.post(func() {
		t, ok := e.targets[id]
		if !ok {
			slog.Debug("drag entered unknown target", "target", id)
			return
		}
		if t.state == TargetHovering {
			return
		}
		t.state = TargetHovering
		t.src, t.allowed = src, allowed
		t.formats = t.formats[:0]
		for _, f := range offered {
			if (len(t.accepts) == 0 || slices.Contains(t.accepts, f)) && !slices.Contains(t.formats, f) {
				t.formats = append(t.formats, f)
			}
		}
		t.hover()
		e.publish(events.Event{Kind: events.TargetEnter, Target: string(id), Operation: t.op.String(), Formats: slices.Clone(t.formats)})
	})
}

// TargetMoved implements driver.Delegate.
func (e *Engine) TargetMoved(id driver.TargetID, allowed driver.Operation) {
	e.post(func() {
		t, ok := e.targets[id]
		if !ok || t.state != TargetHovering {
			return
		}
		t.allowed = allowed
		t.hover()
		e.publish(events.Event{Kind: events.TargetMove, Target: string(id), Operation: t.op.String()})
	})
}

// TargetLeft implements driver.Delegate.
func (e *Engine) TargetLeft(id driver.TargetID) {
	e.post(func() {
		t, ok := e.targets[id]
		if !ok || t.state != TargetHovering {
			return
		}
		t.state = TargetLeft
		t.src, t.formats, t.op = nil, nil, driver.OpNone
		t.h.Leave()
		e.publish(events.Event{Kind: events.TargetLeave, Target: string(id)})
	})
}

// TargetDropped implements driver.Delegate. It answers with the operation
// the target performs; the handler then reads the data on its own
// goroutine, limited to the formats the target accepted.
func (e *Engine) TargetDropped(id driver.TargetID) driver.Operation {
	type drop struct {
		t       *target
		src     driver.Source
		formats []format.ID
		op      driver.Operation
	}
	d, err := marshal.Call(context.Background(), e.disp, Thread, func(context.Context) (drop, error) {
		t, ok := e.targets[id]
		if !ok || t.state != TargetHovering {
			return drop{}, errs.NotFound("no drag over target %q", id)
		}
		if t.op == driver.OpNone {
			t.state = TargetLeft
			t.src, t.formats = nil, nil
			t.h.Leave()
			e.publish(events.Event{Kind: events.TargetLeave, Target: string(id)})
			return drop{}, nil
		}
		t.state = TargetDropped
		d := drop{t: t, src: t.src, formats: slices.Clone(t.formats), op: t.op}
		t.src, t.formats = nil, nil
		return d, nil
	})
	if err != nil {
		slog.Debug("drop refused", "target", id, "err", err)
		return driver.OpNone
	}
	if d.t == nil {
		return driver.OpNone
	}

	ev := events.Event{Kind: events.TargetDrop, Target: string(id), Operation: d.op.String(), Formats: d.formats}
	unhold, err := e.holdSource(d.src)
	if err != nil {
		slog.Warn("drop target could not read drop", "target", id, "err", err)
		ev.Result = errs.ToResult(err)
		e.publish(ev)
		return driver.OpNone
	}

	go func() {
		defer unhold()
		ctx := context.Background()
		r, err := reader.FromSource(ctx, e.env, e.reg, d.src)
		if err == nil {
			r, err = reader.Restrict(ctx, r, d.formats)
		}
		if err != nil {
			slog.Warn("drop target could not read drop", "target", id, "err", err)
			ev.Result = errs.ToResult(err)
			e.publish(ev)
			return
		}
		e.publish(ev)
		d.t.h.Drop(ctx, r, d.op)
	}()
	return d.op
}

// holdSource keeps the providers behind an in-process drop alive until the
// target's handler returns. The drag may end, and release its providers,
// as soon as TargetDropped answers.
func (e *Engine) holdSource(src driver.Source) (func(), error) {
	ls, ok := src.(driver.LocalSource)
	if !ok || e.reg == nil {
		return func() {}, nil
	}
	var unholds []func()
	unhold := func() {
		for _, fn := range unholds {
			fn()
		}
	}
	for _, h := range ls.Handles() {
		fn, err := e.reg.Hold(context.Background(), h)
		if err != nil {
			unhold()
			return nil, err
		}
		unholds = append(unholds, fn)
	}
	return unhold, nil
}
