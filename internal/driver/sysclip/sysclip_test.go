package sysclip

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
)

// fake stands in for the clipboard library.
type fake struct {
	initErr error

	mu      sync.Mutex
	data    [2][]byte
	changed chan struct{}
}

func (f *fake) Init() error { return f.initErr }

func (f *fake) Read(k kind) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[k]
}

func (f *fake) Write(k kind, b []byte) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changed != nil {
		close(f.changed)
	}
	f.data = [2][]byte{}
	f.data[k] = b
	f.changed = make(chan struct{})
	return f.changed
}

type delegate struct {
	driver.NopEvents
	data map[format.ID][]byte
	lost chan provider.Handle
}

func (d *delegate) FetchData(_ context.Context, _ provider.Handle, id format.ID) ([]byte, error) {
	b, ok := d.data[id]
	if !ok {
		return nil, errors.New("no such format")
	}
	return b, nil
}

func (d *delegate) WriteVirtualFile(context.Context, provider.Handle, format.ID, io.Writer) error {
	return errs.Unsupported("virtual files")
}

func (d *delegate) ClipboardLost(h provider.Handle) { d.lost <- h }

func newTestDriver(t *testing.T, f *fake) (*Driver, *delegate) {
	t.Helper()
	d := newDriver(f, 5*time.Millisecond)
	t.Cleanup(func() { _ = d.Close() })
	del := &delegate{
		data: map[format.ID][]byte{format.Text: []byte("hello"), format.PNG: {0x89, 'P', 'N', 'G'}},
		lost: make(chan provider.Handle, 4),
	}
	d.SetDelegate(del)
	return d, del
}

func offer(d *Driver, id format.ID, k kind) driver.Offer {
	return driver.Offer{Native: natives[d.platform][k], Format: id}
}

func TestPublishFirstSupportedOffer(t *testing.T) {
	f := &fake{}
	d, _ := newTestDriver(t, f)
	ctx := context.Background()

	err := d.Publish(ctx, 1, []driver.Offer{
		{Native: "text/html", Format: format.HTML},
		offer(d, format.Text, kindText),
		offer(d, format.PNG, kindImage),
	})
	require.NoError(t, err)
	require.Equal(t, "hello", string(f.Read(kindText)))
	require.Nil(t, f.Read(kindImage))

	names, err := d.QueryClipboardFormats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{natives[d.platform][kindText]}, names)

	src, err := d.ClipboardSource(ctx)
	require.NoError(t, err)
	b, err := src.Read(ctx, names[0])
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	_, err = src.Read(ctx, natives[d.platform][kindImage])
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestPublishNothingSupported(t *testing.T) {
	d, _ := newTestDriver(t, &fake{})
	err := d.Publish(context.Background(), 1, []driver.Offer{{Native: "text/html", Format: format.HTML}})
	require.Equal(t, errs.KindUnsupportedOnPlatform, errs.KindOf(err))
}

func TestPublishRenderFailure(t *testing.T) {
	f := &fake{}
	d, del := newTestDriver(t, f)
	delete(del.data, format.Text)
	err := d.Publish(context.Background(), 1, []driver.Offer{offer(d, format.Text, kindText)})
	require.ErrorContains(t, err, "no such format")
	require.Nil(t, f.Read(kindText))
}

func TestOverwriteReportsLoss(t *testing.T) {
	f := &fake{}
	d, del := newTestDriver(t, f)
	require.NoError(t, d.Publish(context.Background(), 7, []driver.Offer{offer(d, format.Text, kindText)}))

	f.Write(kindImage, []byte("other app"))
	select {
	case h := <-del.lost:
		require.Equal(t, provider.Handle(7), h)
	case <-time.After(time.Second):
		t.Fatal("loss not reported")
	}
}

func TestPollSignalsChanges(t *testing.T) {
	f := &fake{}
	d, _ := newTestDriver(t, f)
	f.Write(kindText, []byte("from elsewhere"))
	select {
	case <-d.Watch():
	case <-time.After(time.Second):
		t.Fatal("change not noticed")
	}
}

func TestHeadless(t *testing.T) {
	d, _ := newTestDriver(t, &fake{initErr: errors.New("no DISPLAY")})
	ctx := context.Background()
	require.True(t, d.Headless())
	require.Equal(t, "headless (no-op)", d.Name())

	err := d.Publish(ctx, 1, []driver.Offer{offer(d, format.Text, kindText)})
	require.Equal(t, errs.KindUnsupportedOnPlatform, errs.KindOf(err))
	names, err := d.QueryClipboardFormats(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
	require.NoError(t, d.Clear(ctx))
}

func TestNoDrag(t *testing.T) {
	d, _ := newTestDriver(t, &fake{})
	_, err := d.BeginNativeDrag(context.Background(), driver.DragRequest{})
	require.Equal(t, errs.KindUnsupportedOnPlatform, errs.KindOf(err))
	require.False(t, d.Capabilities().Drag)
}

func TestPlatformOf(t *testing.T) {
	require.Equal(t, format.MacOS, platformOf("darwin"))
	require.Equal(t, format.Windows, platformOf("windows"))
	require.Equal(t, format.Linux, platformOf("freebsd"))
}
