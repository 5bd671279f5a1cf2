package memdriver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/vfile"
)

type delegate struct {
	driver.NopEvents

	mu      sync.Mutex
	data    map[format.ID]string
	fetches int
	lost    []provider.Handle
	ended   []driver.Outcome
}

func (d *delegate) FetchData(_ context.Context, _ provider.Handle, id format.ID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	s, ok := d.data[id]
	if !ok {
		return nil, errors.New("render failed")
	}
	return []byte(s), nil
}

func (d *delegate) WriteVirtualFile(_ context.Context, _ provider.Handle, id format.ID, w io.Writer) error {
	_, err := io.WriteString(w, "file:"+string(id))
	return err
}

func (d *delegate) ClipboardLost(h provider.Handle) {
	d.mu.Lock()
	d.lost = append(d.lost, h)
	d.mu.Unlock()
}

func (d *delegate) DragEnded(_ driver.SessionID, o driver.Outcome, _ error) {
	d.mu.Lock()
	d.ended = append(d.ended, o)
	d.mu.Unlock()
}

func newDriver(t *testing.T, opts ...Option) (*Driver, *delegate) {
	t.Helper()
	d := New(append([]Option{WithoutThreadCheck()}, opts...)...)
	del := &delegate{data: map[format.ID]string{format.Text: "hello", format.HTML: "<b>hello</b>"}}
	d.SetDelegate(del)
	t.Cleanup(func() { _ = d.Close() })
	return d, del
}

var textOffer = driver.Offer{Native: "text/plain;charset=utf-8", Format: format.Text}

func TestThreadCheck(t *testing.T) {
	d := New()
	err := d.Publish(context.Background(), 1, []driver.Offer{textOffer})
	require.ErrorContains(t, err, "off the driver thread")
}

func TestLazyPublishRendersOnRead(t *testing.T) {
	d, del := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, 1, []driver.Offer{textOffer}))
	require.Zero(t, del.fetches)

	src, err := d.ClipboardSource(ctx)
	require.NoError(t, err)
	b, err := src.Read(ctx, textOffer.Native)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	require.Equal(t, 1, del.fetches)

	_, err = src.Read(ctx, "text/html")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestEagerPublishIsAllOrNothing(t *testing.T) {
	d, _ := newDriver(t, WithCapabilities(driver.Capabilities{}))
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, 1, []driver.Offer{textOffer}))
	err := d.Publish(ctx, 2, []driver.Offer{textOffer, {Native: "image/png", Format: format.PNG}})
	require.ErrorContains(t, err, "render failed")

	names, err := d.QueryClipboardFormats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{textOffer.Native}, names)
}

func TestOverwriteReportsLoss(t *testing.T) {
	d, del := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, 1, []driver.Offer{textOffer}))
	require.NoError(t, d.Publish(ctx, 1, []driver.Offer{textOffer}))
	require.Empty(t, del.lost)

	d.SetExternal(Item{Native: "text/html", Data: []byte("<i>x</i>")})
	require.Equal(t, []provider.Handle{1}, del.lost)

	select {
	case <-d.Watch():
	default:
		t.Fatal("change not signalled")
	}
}

func TestUnstableSourceNoticesChange(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()

	d.SetExternal(Item{Native: "text/plain", Data: []byte("a")})
	src, err := d.ClipboardSource(ctx)
	require.NoError(t, err)
	d.SetExternal(Item{Native: "text/plain", Data: []byte("b")})

	_, err = src.Read(ctx, "text/plain")
	require.ErrorIs(t, err, driver.ErrContentsChanged)
}

func TestStableSourcePinsContents(t *testing.T) {
	d, _ := newDriver(t, WithCapabilities(driver.Capabilities{StableSnapshot: true, LazyClipboard: true}))
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, 1, []driver.Offer{textOffer}))
	src, err := d.ClipboardSource(ctx)
	require.NoError(t, err)
	d.SetExternal(Item{Native: "text/plain", Data: []byte("other")})

	b, err := src.Read(ctx, textOffer.Native)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestAccessDenied(t *testing.T) {
	d, _ := newDriver(t, WithAccessDenied())
	_, err := d.QueryClipboardFormats(context.Background())
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	d.SetAccessDenied(false)
	_, err = d.QueryClipboardFormats(context.Background())
	require.NoError(t, err)
}

func TestAsyncReadHonoursCancel(t *testing.T) {
	d, _ := newDriver(t, WithReadDelay(time.Hour))
	d.SetExternal(Item{Native: "text/plain", Data: []byte("a")})
	src, err := d.ClipboardSource(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Read(ctx, "text/plain")
	require.Equal(t, errs.KindCancelled, errs.KindOf(err))
}

func TestDragLifecycle(t *testing.T) {
	d, del := newDriver(t)
	ctx := context.Background()
	req := driver.DragRequest{
		Items: []driver.DragItem{{Handle: 3, Offers: []driver.Offer{
			textOffer,
			{Native: "text/html", Format: format.HTML},
			{Native: "handoff.custom:report.pdf", Format: format.PDF, Virtual: true},
		}}},
		Allowed: driver.OpCopy | driver.OpMove,
	}

	d.FailNextDrag(errors.New("no display"))
	_, err := d.BeginNativeDrag(ctx, req)
	require.ErrorContains(t, err, "no display")

	id, err := d.BeginNativeDrag(ctx, req)
	require.NoError(t, err)
	_, err = d.BeginNativeDrag(ctx, req)
	require.ErrorIs(t, err, errs.ErrAlreadyInProgress)

	_, err = d.Drop(id, driver.OpLink)
	require.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))

	src, err := d.Drop(id, driver.OpMove, textOffer.Native, "handoff.custom:report.pdf")
	require.NoError(t, err)
	names, err := src.Formats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{textOffer.Native, "handoff.custom:report.pdf"}, names)

	_, err = src.Read(ctx, "text/html")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))

	sink := &vfile.MemorySink{}
	require.NoError(t, d.MaterializeVirtualFile(ctx, src, "handoff.custom:report.pdf", sink))
	require.True(t, sink.Committed())
	require.Equal(t, "file:application/pdf", string(sink.Bytes()))

	require.NoError(t, d.End(id, driver.OutcomeDropped, nil))
	require.Equal(t, errs.KindNotFound, errs.KindOf(d.End(id, driver.OutcomeDropped, nil)))
	require.Equal(t, []driver.Outcome{driver.OutcomeDropped}, del.ended)
	_, ok := d.ActiveDrag()
	require.False(t, ok)
}

func TestMaterializeAbortsOnFailure(t *testing.T) {
	d, _ := newDriver(t)
	sink := &vfile.MemorySink{}
	err := d.MaterializeVirtualFile(context.Background(), NewSource(), "missing", sink)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
	require.False(t, sink.Committed())
}

func TestCloseCancelsDrags(t *testing.T) {
	d, del := newDriver(t)
	_, err := d.BeginNativeDrag(context.Background(), driver.DragRequest{Allowed: driver.OpCopy})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.Equal(t, []driver.Outcome{driver.OutcomeCancelled}, del.ended)
}
