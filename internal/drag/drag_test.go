package drag

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/driver/memdriver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
	"go.klb.dev/handoff/internal/vfile"
)

type delegate struct {
	*provider.Registry
	*Engine
}

func (delegate) ClipboardLost(provider.Handle) {}

type fixture struct {
	e   *Engine
	drv *memdriver.Driver
	reg *provider.Registry
	env reader.Env
	ch  *events.Chan
}

func setup(t *testing.T, policy Policy) *fixture {
	t.Helper()
	disp := marshal.New(marshal.WithoutOSThreadLock())
	t.Cleanup(disp.Close)
	pool := marshal.NewPool(4)
	reg := provider.NewRegistry(disp, pool)
	drv := memdriver.New()
	hub := events.New()
	ch := events.NewChan("test", 128)
	hub.Register(ch)
	env := reader.Env{Driver: drv, Formats: format.New(), Dispatcher: disp}
	e := New(Config{Env: env, Registry: reg, Pool: pool, Policy: policy, Notifier: hub})
	drv.SetDelegate(delegate{reg, e})
	return &fixture{e: e, drv: drv, reg: reg, env: env, ch: ch}
}

func (f *fixture) native(id format.ID) string { return f.env.Formats.ToNative(id, format.Linux) }

func (f *fixture) start(t *testing.T, allowed driver.Operation, entries ...provider.Entry) (*Session, driver.SessionID, <-chan struct{}) {
	t.Helper()
	p, err := provider.New(entries...)
	require.NoError(t, err)
	gone := make(chan struct{})
	p.OnRelease(func() { close(gone) })
	s, err := f.e.Start(context.Background(), Request{Items: []Item{{Provider: p}}, Allowed: allowed})
	require.NoError(t, err)
	id, ok := f.drv.ActiveDrag()
	require.True(t, ok)
	return s, id, gone
}

func waitEvent(t *testing.T, ch *events.Chan, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch.C():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func wait(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.Wait(ctx)
}

// gated streams a prefix, then blocks until gate closes or ctx ends.
func gated(gate <-chan struct{}) provider.StreamFunc {
	return func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "%PDF-"); err != nil {
			return err
		}
		select {
		case <-gate:
			_, err := io.WriteString(w, "1.7")
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestDragDropText(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	s, id, gone := f.start(t, driver.OpCopy|driver.OpMove, provider.Bytes(format.Text, []byte("hello")))
	require.Equal(t, Active, s.State())

	require.NoError(t, f.drv.Hover(id, driver.OpCopy))
	require.Eventually(t, func() bool { return s.LastOperation() == driver.OpCopy }, time.Second, 5*time.Millisecond)

	src, err := f.drv.Drop(id, driver.OpCopy, f.native(format.Text))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == Dropped }, time.Second, 5*time.Millisecond)
	require.Equal(t, []format.ID{format.Text}, s.Requested())

	r, err := reader.FromSource(ctx, f.env, f.reg, src)
	require.NoError(t, err)
	d, err := r.Fetch(ctx, format.Text)
	require.NoError(t, err)
	require.Equal(t, "hello", string(d.Bytes))
	_, err = r.Fetch(ctx, format.HTML)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))

	require.NoError(t, f.drv.End(id, driver.OutcomeDropped, nil))
	require.NoError(t, wait(t, s))
	require.Equal(t, Completed, s.State())
	require.Equal(t, Dropped, s.Outcome())
	<-gone

	ev := waitEvent(t, f.ch, events.DragEnd)
	require.Equal(t, s.ID(), ev.Session)
	require.Equal(t, "dropped", ev.State)
	require.True(t, ev.Result.OK())
}

func TestSecondStartIsRefused(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	first, _, _ := f.start(t, driver.OpCopy, provider.Bytes(format.Text, []byte("a")))

	p, err := provider.New(provider.Bytes(format.Text, []byte("b")))
	require.NoError(t, err)
	_, err = f.e.Start(ctx, Request{Items: []Item{{Provider: p}}, Allowed: driver.OpCopy})
	require.Equal(t, errs.KindAlreadyInProgress, errs.KindOf(err))
	require.Equal(t, Active, first.State())

	require.NoError(t, first.Cancel(ctx))
	require.NoError(t, wait(t, first))
	require.Equal(t, Cancelled, first.Outcome())
	_, running := f.drv.ActiveDrag()
	require.False(t, running)

	next, err := f.e.Start(ctx, Request{Items: []Item{{Provider: p}}, Allowed: driver.OpCopy})
	require.NoError(t, err)
	require.Equal(t, Active, next.State())
}

func TestStartValidates(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	p, err := provider.New(provider.Bytes(format.Text, []byte("a")))
	require.NoError(t, err)

	for _, req := range []Request{
		{Allowed: driver.OpCopy},
		{Items: []Item{{Provider: p}}},
		{Items: []Item{{}}, Allowed: driver.OpCopy},
	} {
		_, err := f.e.Start(ctx, req)
		require.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
	}
}

func TestStartFailureReleasesProviders(t *testing.T) {
	f := setup(t, Policy{})
	ctx := context.Background()
	f.drv.FailNextDrag(errors.New("no pointer grab"))

	p, err := provider.New(provider.Bytes(format.Text, []byte("a")))
	require.NoError(t, err)
	gone := make(chan struct{})
	p.OnRelease(func() { close(gone) })
	_, err = f.e.Start(ctx, Request{Items: []Item{{Provider: p}}, Allowed: driver.OpCopy})
	require.ErrorContains(t, err, "no pointer grab")
	<-gone

	cur, err := f.e.Current(ctx)
	require.NoError(t, err)
	require.Nil(t, cur)
	live, err := f.reg.Live(ctx)
	require.NoError(t, err)
	require.Zero(t, live)
}

func TestNativeFailure(t *testing.T) {
	f := setup(t, Policy{})
	s, id, gone := f.start(t, driver.OpCopy, provider.Bytes(format.Text, []byte("a")))

	require.NoError(t, f.drv.End(id, driver.OutcomeFailed, errors.New("window destroyed")))
	err := wait(t, s)
	require.Equal(t, errs.KindFailed, errs.KindOf(err))
	require.Equal(t, Failed, s.Outcome())
	<-gone

	ev := waitEvent(t, f.ch, events.DragEnd)
	require.Equal(t, errs.KindFailed, ev.Result.Kind)
}

func TestCancelledDragLeavesNoPartialFile(t *testing.T) {
	f := setup(t, Policy{WaitForVirtualFiles: true})
	dir := t.TempDir()
	s, id, gone := f.start(t, driver.OpCopy, provider.Entry{
		Format:        format.PDF,
		Stream:        gated(make(chan struct{})),
		SuggestedName: "report.pdf",
	})

	_, err := f.drv.Drop(id, driver.OpCopy, f.native(format.PDF))
	require.NoError(t, err)
	sink, err := vfile.NewFileSink(dir, "report.pdf")
	require.NoError(t, err)
	require.NoError(t, f.drv.RequestVirtualFile(id, 0, f.native(format.PDF), sink))

	require.NoError(t, f.drv.End(id, driver.OutcomeCancelled, nil))
	require.NoError(t, wait(t, s))
	require.Equal(t, Cancelled, s.Outcome())
	<-gone

	reqs := s.Requests()
	require.Len(t, reqs, 1)
	<-reqs[0].Done()
	require.Equal(t, errs.KindCancelled, errs.KindOf(reqs[0].Err()))
	require.Equal(t, "report.pdf", reqs[0].SuggestedName)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWaitForVirtualFiles(t *testing.T) {
	f := setup(t, Policy{WaitForVirtualFiles: true})
	gate := make(chan struct{})
	s, id, gone := f.start(t, driver.OpCopy, provider.Entry{Format: format.PDF, Stream: gated(gate)})

	_, err := f.drv.Drop(id, driver.OpCopy, f.native(format.PDF))
	require.NoError(t, err)
	sink := &vfile.MemorySink{}
	require.NoError(t, f.drv.RequestVirtualFile(id, 0, f.native(format.PDF), sink))
	require.NoError(t, f.drv.End(id, driver.OutcomeDropped, nil))

	require.Never(t, func() bool { return s.State() == Completed }, 50*time.Millisecond, 5*time.Millisecond)
	close(gate)
	require.NoError(t, wait(t, s))
	require.True(t, sink.Committed())
	require.Equal(t, "%PDF-1.7", string(sink.Bytes()))
	<-gone
}

func TestCompleteBeforeVirtualFiles(t *testing.T) {
	f := setup(t, Policy{})
	gate := make(chan struct{})
	s, id, gone := f.start(t, driver.OpCopy, provider.Entry{Format: format.PDF, Stream: gated(gate)})

	_, err := f.drv.Drop(id, driver.OpCopy, f.native(format.PDF))
	require.NoError(t, err)
	sink := &vfile.MemorySink{}
	require.NoError(t, f.drv.RequestVirtualFile(id, 0, f.native(format.PDF), sink))
	require.NoError(t, f.drv.End(id, driver.OutcomeDropped, nil))

	require.NoError(t, wait(t, s))
	require.False(t, sink.Committed())
	select {
	case <-gone:
		t.Fatal("provider released while its virtual file was still streaming")
	default:
	}

	close(gate)
	req := s.Requests()[0]
	<-req.Done()
	require.NoError(t, req.Err())
	require.Equal(t, "%PDF-1.7", string(sink.Bytes()))
	<-gone
}

func TestVirtualFileRequestRejected(t *testing.T) {
	f := setup(t, Policy{})
	s, id, _ := f.start(t, driver.OpCopy, provider.Bytes(format.Text, []byte("a")))

	sink := &vfile.MemorySink{}
	err := f.drv.RequestVirtualFile(id, 0, f.native(format.Text), sink)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
	err = f.drv.RequestVirtualFile(id, 3, f.native(format.Text), sink)
	require.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
	require.Empty(t, s.Requests())

	require.NoError(t, s.Cancel(context.Background()))
	require.NoError(t, wait(t, s))
}

func TestEngineClose(t *testing.T) {
	f := setup(t, Policy{})
	s, _, gone := f.start(t, driver.OpCopy, provider.Bytes(format.Text, []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.e.Close(ctx))
	require.Equal(t, Completed, s.State())
	require.Equal(t, Cancelled, s.Outcome())
	<-gone
}
