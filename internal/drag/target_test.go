package drag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/driver/memdriver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
)

type dropped struct {
	r  reader.Reader
	op driver.Operation
}

func TestTargetReceivesAcceptedFormats(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	got := make(chan dropped, 1)
	var hovered []format.ID
	require.NoError(t, f.e.RegisterTarget(ctx, "canvas", []format.ID{format.Text}, TargetFuncs{
		OnHover: func(formats []format.ID, allowed driver.Operation) driver.Operation {
			hovered = formats
			return driver.OpMove
		},
		OnDrop: func(_ context.Context, r reader.Reader, op driver.Operation) { got <- dropped{r, op} },
	}))

	src := memdriver.NewSource(
		memdriver.Item{Native: f.native(format.HTML), Data: []byte("<b>hi</b>")},
		memdriver.Item{Native: f.native(format.Text), Data: []byte("hi")},
	)
	require.NoError(t, f.drv.Enter("canvas", src, driver.OpCopy|driver.OpMove))
	require.Equal(t, driver.OpMove, f.drv.DropOn("canvas"))
	require.Equal(t, []format.ID{format.Text}, hovered)

	var d dropped
	select {
	case d = <-got:
	case <-time.After(time.Second):
		t.Fatal("drop handler not called")
	}
	require.Equal(t, driver.OpMove, d.op)
	ids, err := d.r.Formats(ctx)
	require.NoError(t, err)
	require.Equal(t, []format.ID{format.Text}, ids)
	data, err := d.r.Fetch(ctx, format.Text)
	require.NoError(t, err)
	require.Equal(t, "hi", string(data.Bytes))
	_, err = d.r.Fetch(ctx, format.HTML)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))

	st, err := f.e.Target(ctx, "canvas")
	require.NoError(t, err)
	require.Equal(t, TargetDropped, st)
	ev := waitEvent(t, f.ch, events.TargetDrop)
	require.Equal(t, "canvas", ev.Target)
	require.Equal(t, "move", ev.Operation)
}

func TestTargetRefusesUnacceptedDrag(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	left := make(chan struct{}, 1)
	require.NoError(t, f.e.RegisterTarget(ctx, "images", []format.ID{format.PNG}, TargetFuncs{
		OnDrop:  func(context.Context, reader.Reader, driver.Operation) { t.Error("unexpected drop") },
		OnLeave: func() { left <- struct{}{} },
	}))

	src := memdriver.NewSource(memdriver.Item{Native: f.native(format.Text), Data: []byte("hi")})
	require.NoError(t, f.drv.Enter("images", src, driver.OpCopy))
	require.Equal(t, driver.OpNone, f.drv.DropOn("images"))
	<-left

	st, err := f.e.Target(ctx, "images")
	require.NoError(t, err)
	require.Equal(t, TargetLeft, st)
}

func TestTargetEnterLeave(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	left := make(chan struct{}, 1)
	require.NoError(t, f.e.RegisterTarget(ctx, "list", nil, TargetFuncs{OnLeave: func() { left <- struct{}{} }}))

	src := memdriver.NewSource(memdriver.Item{Native: f.native(format.Text), Data: []byte("hi")})
	require.NoError(t, f.drv.Enter("list", src, driver.OpCopy|driver.OpLink))
	st, err := f.e.Target(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, TargetHovering, st)
	ev := waitEvent(t, f.ch, events.TargetEnter)
	require.Equal(t, "copy", ev.Operation)

	f.drv.Move("list", driver.OpLink)
	ev = waitEvent(t, f.ch, events.TargetMove)
	require.Equal(t, "link", ev.Operation)

	f.drv.Leave("list")
	<-left
	st, err = f.e.Target(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, TargetLeft, st)

	// A target can be entered again after a drag left it.
	require.NoError(t, f.drv.Enter("list", src, driver.OpCopy))
	st, err = f.e.Target(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, TargetHovering, st)
}

func TestRegisterTargetTwice(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	require.NoError(t, f.e.RegisterTarget(ctx, "a", nil, TargetFuncs{}))
	err := f.e.RegisterTarget(ctx, "a", nil, TargetFuncs{})
	require.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))

	require.NoError(t, f.e.UnregisterTarget(ctx, "a"))
	_, err = f.e.Target(ctx, "a")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestDragOntoOwnTarget(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	got := make(chan dropped, 1)
	require.NoError(t, f.e.RegisterTarget(ctx, "self", []format.ID{format.Text}, TargetFuncs{
		OnDrop: func(_ context.Context, r reader.Reader, op driver.Operation) { got <- dropped{r, op} },
	}))

	s, id, _ := f.start(t, driver.OpCopy, provider.Bytes(format.Text, []byte("local")))
	payload, err := f.drv.Payload(id)
	require.NoError(t, err)
	require.NoError(t, f.drv.Enter("self", payload, driver.OpCopy))
	require.Equal(t, driver.OpCopy, f.drv.DropOn("self"))

	d := <-got
	data, err := d.r.Fetch(ctx, format.Text)
	require.NoError(t, err)
	require.Equal(t, "local", string(data.Bytes))

	require.NoError(t, f.drv.End(id, driver.OutcomeDropped, nil))
	require.NoError(t, wait(t, s))
}

func TestOwnDropOutlivesDragEnd(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	ended := make(chan struct{})
	got := make(chan string, 1)
	require.NoError(t, f.e.RegisterTarget(ctx, "self", []format.ID{format.Text}, TargetFuncs{
		OnDrop: func(ctx context.Context, r reader.Reader, _ driver.Operation) {
			<-ended
			d, err := r.Fetch(ctx, format.Text)
			if err != nil {
				got <- "error: " + err.Error()
				return
			}
			got <- string(d.Bytes)
		},
	}))

	s, id, gone := f.start(t, driver.OpCopy, provider.Bytes(format.Text, []byte("local")))
	payload, err := f.drv.Payload(id)
	require.NoError(t, err)
	require.NoError(t, f.drv.Enter("self", payload, driver.OpCopy))
	require.Equal(t, driver.OpCopy, f.drv.DropOn("self"))
	require.NoError(t, f.drv.End(id, driver.OutcomeDropped, nil))

	// The session cannot complete while the target still holds the data.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, s.Wait(short))
	close(ended)

	select {
	case v := <-got:
		require.Equal(t, "local", v)
	case <-time.After(time.Second):
		t.Fatal("drop handler not called")
	}
	require.NoError(t, wait(t, s))
	<-gone
}

func TestOwnDropOfSeveralItems(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	got := make(chan map[format.ID]string, 1)
	require.NoError(t, f.e.RegisterTarget(ctx, "board", nil, TargetFuncs{
		OnDrop: func(ctx context.Context, r reader.Reader, _ driver.Operation) {
			out := make(map[format.ID]string)
			ids, _ := r.Formats(ctx)
			for _, id := range ids {
				if d, err := r.Fetch(ctx, id); err == nil {
					out[id] = string(d.Bytes)
				}
			}
			got <- out
		},
	}))

	text, err := provider.New(provider.Bytes(format.Text, []byte("caption")))
	require.NoError(t, err)
	img, err := provider.New(provider.Bytes(format.PNG, []byte("\x89PNG")))
	require.NoError(t, err)
	s, err := f.e.Start(ctx, Request{Items: []Item{{Provider: text}, {Provider: img}}, Allowed: driver.OpCopy})
	require.NoError(t, err)
	id, ok := f.drv.ActiveDrag()
	require.True(t, ok)

	payload, err := f.drv.Payload(id)
	require.NoError(t, err)
	require.NoError(t, f.drv.Enter("board", payload, driver.OpCopy))
	require.Equal(t, driver.OpCopy, f.drv.DropOn("board"))
	require.NoError(t, f.drv.End(id, driver.OutcomeDropped, nil))

	select {
	case m := <-got:
		require.Equal(t, map[format.ID]string{format.Text: "caption", format.PNG: "\x89PNG"}, m)
	case <-time.After(time.Second):
		t.Fatal("drop handler not called")
	}
	require.NoError(t, wait(t, s))
}
