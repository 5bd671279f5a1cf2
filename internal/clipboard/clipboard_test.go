package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/driver/memdriver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
)

type delegate struct {
	*provider.Registry
	driver.NopEvents
	a *Adapter
}

func (d delegate) ClipboardLost(h provider.Handle) { d.a.ClipboardLost(h) }

func newAdapter(t *testing.T, opts ...memdriver.Option) (*Adapter, *memdriver.Driver) {
	t.Helper()
	disp := marshal.New(marshal.WithoutOSThreadLock())
	t.Cleanup(disp.Close)
	pool := marshal.NewPool(4)
	reg := provider.NewRegistry(disp, pool)
	drv := memdriver.New(opts...)
	a := New(reader.Env{Driver: drv, Formats: format.New(), Dispatcher: disp}, reg, pool)
	drv.SetDelegate(delegate{Registry: reg, a: a})
	return a, drv
}

// released returns a provider and a channel closed by its OnRelease hook.
func released(t *testing.T, entries ...provider.Entry) (*provider.Provider, <-chan struct{}) {
	t.Helper()
	p, err := provider.New(entries...)
	require.NoError(t, err)
	ch := make(chan struct{})
	p.OnRelease(func() { close(ch) })
	return p, ch
}

func fetch(t *testing.T, r reader.Reader, id format.ID) string {
	t.Helper()
	d, err := r.Fetch(context.Background(), id)
	require.NoError(t, err)
	b, err := d.ReadAll()
	require.NoError(t, err)
	return string(b)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("%s was not released", what)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		caps driver.Capabilities
	}{
		{"lazy", memdriver.DefaultCapabilities},
		{"eager", driver.Capabilities{AsyncRead: true}},
		{"stable", driver.Capabilities{StableSnapshot: true, LazyClipboard: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newAdapter(t, memdriver.WithCapabilities(tc.caps))
			ctx := context.Background()

			p, err := provider.New(
				provider.Bytes(format.Text, []byte("bytes A")),
				provider.Bytes("application/x-b", []byte("bytes B")),
			)
			require.NoError(t, err)
			_, err = a.Write(ctx, p)
			require.NoError(t, err)

			r, err := a.Read(ctx)
			require.NoError(t, err)
			ids, err := r.Formats(ctx)
			require.NoError(t, err)
			require.Equal(t, []format.ID{format.Text, "application/x-b"}, ids)
			require.Equal(t, "bytes A", fetch(t, r, format.Text))
			require.Equal(t, "bytes B", fetch(t, r, "application/x-b"))

			got, err := a.Formats(ctx)
			require.NoError(t, err)
			require.Equal(t, ids, got)
		})
	}
}

func TestSnapshotOutlivesOverwrite(t *testing.T) {
	for _, tc := range []struct {
		name string
		caps driver.Capabilities
	}{
		{"copy-on-read", memdriver.DefaultCapabilities},
		{"native-stable", driver.Capabilities{StableSnapshot: true, LazyClipboard: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newAdapter(t, memdriver.WithCapabilities(tc.caps))
			ctx := context.Background()

			first, firstGone := released(t, provider.Bytes(format.Text, []byte("first")))
			_, err := a.Write(ctx, first)
			require.NoError(t, err)
			snap, err := a.Read(ctx)
			require.NoError(t, err)

			second, _ := released(t, provider.Bytes(format.Text, []byte("second")))
			_, err = a.Write(ctx, second)
			require.NoError(t, err)
			waitClosed(t, firstGone, "previous owner")

			require.Equal(t, "first", fetch(t, snap, format.Text))

			now, err := a.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, "second", fetch(t, now, format.Text))
		})
	}
}

func TestFailedWriteKeepsPreviousContents(t *testing.T) {
	a, _ := newAdapter(t, memdriver.WithCapabilities(driver.Capabilities{AsyncRead: true}))
	ctx := context.Background()

	old, _ := released(t, provider.Bytes(format.Text, []byte("old")))
	h1, err := a.Write(ctx, old)
	require.NoError(t, err)

	boom := errors.New("render failed")
	bad, badGone := released(t,
		provider.Bytes(format.HTML, []byte("<b>new</b>")),
		provider.Entry{Format: format.Text, Fetch: func(context.Context) ([]byte, error) { return nil, boom }},
	)
	_, err = a.Write(ctx, bad)
	require.ErrorIs(t, err, errs.ErrFetchFailed)
	require.ErrorIs(t, err, boom)
	waitClosed(t, badGone, "failed provider")

	require.Equal(t, h1, a.Owner())
	r, err := a.Read(ctx)
	require.NoError(t, err)
	ids, _ := r.Formats(ctx)
	require.Equal(t, []format.ID{format.Text}, ids)
	require.Equal(t, "old", fetch(t, r, format.Text))
}

func TestConcurrentReadsNeverMixGenerations(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	write := func(n int) error {
		p, err := provider.New(
			provider.Bytes(format.Text, []byte(fmt.Sprint(n))),
			provider.Bytes(format.HTML, []byte(fmt.Sprintf("<p>%d</p>", n))),
		)
		if err != nil {
			return err
		}
		_, err = a.Write(ctx, p)
		return err
	}
	require.NoError(t, write(0))

	errc := make(chan error, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 1; n <= 50; n++ {
			if err := write(n); err != nil {
				errc <- err
			}
		}
	}()

	for i := 0; i < 50; i++ {
		r, err := a.Read(ctx)
		if errors.Is(err, driver.ErrContentsChanged) {
			continue
		}
		require.NoError(t, err)
		text, err := r.Fetch(ctx, format.Text)
		require.NoError(t, err)
		html, err := r.Fetch(ctx, format.HTML)
		require.NoError(t, err)
		if want := fmt.Sprintf("<p>%s</p>", text.Bytes); string(html.Bytes) != want {
			errc <- fmt.Errorf("mixed snapshot: text %q html %q", text.Bytes, html.Bytes)
		}
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}
}

func TestAccessDenied(t *testing.T) {
	a, drv := newAdapter(t, memdriver.WithAccessDenied())
	ctx := context.Background()

	p, gone := released(t, provider.Bytes(format.Text, []byte("secret")))
	_, err := a.Write(ctx, p)
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	waitClosed(t, gone, "rejected provider")

	_, err = a.Read(ctx)
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	require.Equal(t, errs.KindAccessDenied, errs.KindOf(err))

	drv.SetAccessDenied(false)
	_, err = a.Read(ctx)
	require.NoError(t, err)
}

func TestExternalChangeReleasesOwner(t *testing.T) {
	a, drv := newAdapter(t)
	ctx := context.Background()

	p, gone := released(t, provider.Bytes(format.Text, []byte("ours")))
	_, err := a.Write(ctx, p)
	require.NoError(t, err)

	drv.SetExternal(memdriver.Item{Native: "text/html", Data: []byte("<i>theirs</i>")})
	waitClosed(t, gone, "displaced provider")
	require.Zero(t, a.Owner())

	ids, err := a.Formats(ctx)
	require.NoError(t, err)
	require.Equal(t, []format.ID{format.HTML}, ids)
}

func TestClear(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	p, gone := released(t, provider.Bytes(format.Text, []byte("x")))
	_, err := a.Write(ctx, p)
	require.NoError(t, err)
	require.NoError(t, a.Clear(ctx))
	waitClosed(t, gone, "cleared provider")

	ids, err := a.Formats(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestVirtualOnlyProviderUnsupportedWithoutVirtualFiles(t *testing.T) {
	a, _ := newAdapter(t, memdriver.WithCapabilities(driver.Capabilities{AsyncRead: true, LazyClipboard: true}))

	p, err := provider.New(provider.Entry{
		Format: "application/x-archive",
		Stream: func(_ context.Context, w io.Writer) error { _, err := w.Write([]byte("zip")); return err },
	})
	require.NoError(t, err)
	_, err = a.Write(context.Background(), p)
	require.ErrorIs(t, err, errs.ErrUnsupportedOnPlatform)
}

func TestVirtualFileOnLazyClipboard(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	p, err := provider.New(provider.Entry{
		Format:        "application/x-archive",
		SuggestedName: "bundle.zip",
		Stream:        func(_ context.Context, w io.Writer) error { _, err := w.Write([]byte("PK")); return err },
	})
	require.NoError(t, err)
	_, err = a.Write(ctx, p)
	require.NoError(t, err)

	r, err := a.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "PK", fetch(t, r, "application/x-archive"))
}
