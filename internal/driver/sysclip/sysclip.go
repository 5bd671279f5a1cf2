// Package sysclip drives the real system clipboard through
// golang.design/x/clipboard. It carries plain text and PNG images, renders
// eagerly on publish and has no drag support. Without a display it runs
// headless: reads see an empty clipboard and writes are refused.
package sysclip

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
)

// Thread serializes every call into the clipboard library.
const Thread marshal.Thread = "handoff/sysclip"

const pollInterval = 250 * time.Millisecond

type kind int

const (
	kindText kind = iota
	kindImage
)

// backend is the slice of the clipboard library the driver uses.
type backend interface {
	Init() error
	Read(k kind) []byte
	// Write returns a channel that receives once the value was replaced.
	Write(k kind, b []byte) <-chan struct{}
}

// natives are the names the driver reports per platform, matching the
// format table's preferred names.
var natives = map[format.Platform][2]string{
	format.Linux:   {"text/plain;charset=utf-8", "image/png"},
	format.MacOS:   {"public.utf8-plain-text", "public.png"},
	format.Windows: {"CF_UNICODETEXT", "PNG"},
}

func platformOf(goos string) format.Platform {
	switch goos {
	case "darwin":
		return format.MacOS
	case "windows":
		return format.Windows
	}
	return format.Linux
}

// Driver is the system clipboard driver.
type Driver struct {
	b        backend
	platform format.Platform
	headless bool
	interval time.Duration

	mu       sync.Mutex
	delegate driver.Delegate

	watchCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New initializes the system clipboard. It never fails: without a display
// the driver runs headless.
func New() *Driver { return newDriver(system{}, pollInterval) }

func newDriver(b backend, interval time.Duration) *Driver {
	d := &Driver{
		b:        b,
		platform: platformOf(runtime.GOOS),
		interval: interval,
		watchCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if err := b.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		d.headless = true
		return d
	}
	go d.poll([2][]byte{b.Read(kindText), b.Read(kindImage)})
	return d
}

func (d *Driver) Name() string {
	if d.headless {
		return "headless (no-op)"
	}
	return fmt.Sprintf("system clipboard (%s, poll)", d.platform)
}

func (d *Driver) Platform() format.Platform { return d.platform }
func (d *Driver) Thread() marshal.Thread    { return Thread }
func (d *Driver) Watch() <-chan struct{}    { return d.watchCh }

// Headless reports whether the driver found no usable clipboard.
func (d *Driver) Headless() bool { return d.headless }

// Capabilities implements driver.Driver. Sources are copied when they are
// obtained, so they are stable.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{StableSnapshot: true}
}

func (d *Driver) SetDelegate(del driver.Delegate) {
	d.mu.Lock()
	d.delegate = del
	d.mu.Unlock()
}

func (d *Driver) del() driver.Delegate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delegate
}

func (d *Driver) kindOf(native string) (kind, bool) {
	names := natives[d.platform]
	switch native {
	case names[kindText]:
		return kindText, true
	case names[kindImage]:
		return kindImage, true
	}
	return 0, false
}

func (d *Driver) poll(last [2][]byte) {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-t.C:
			text, img := d.b.Read(kindText), d.b.Read(kindImage)
			if bytes.Equal(text, last[kindText]) && bytes.Equal(img, last[kindImage]) {
				continue
			}
			last = [2][]byte{text, img}
			select {
			case d.watchCh <- struct{}{}:
			default:
			}
		}
	}
}

// Publish implements driver.Driver. The library holds one value at a time,
// so the first offer it can carry wins.
func (d *Driver) Publish(ctx context.Context, h provider.Handle, offers []driver.Offer) error {
	if d.headless {
		return errs.Unsupported("no clipboard available")
	}
	del := d.del()
	for _, o := range offers {
		k, ok := d.kindOf(o.Native)
		if !ok {
			continue
		}
		b, err := del.FetchData(ctx, h, o.Format)
		if err != nil {
			return fmt.Errorf("sysclip: render %s: %w", o.Format, err)
		}
		changed := d.b.Write(k, b)
		slog.Debug("clipboard written", "format", o.Format, "bytes", len(b))
		go d.awaitLoss(h, changed)
		return nil
	}
	return errs.Unsupported("none of %d formats fits the system clipboard", len(offers))
}

func (d *Driver) awaitLoss(h provider.Handle, changed <-chan struct{}) {
	select {
	case <-changed:
		if del := d.del(); del != nil {
			del.ClipboardLost(h)
		}
	case <-d.done:
	}
}

// Clear implements driver.Driver by writing empty text.
func (d *Driver) Clear(context.Context) error {
	if d.headless {
		return nil
	}
	d.b.Write(kindText, []byte{})
	return nil
}

func (d *Driver) snapshot() *source {
	s := &source{data: make(map[string][]byte, 2)}
	if d.headless {
		return s
	}
	names := natives[d.platform]
	for _, k := range []kind{kindText, kindImage} {
		if b := d.b.Read(k); len(b) > 0 {
			s.order = append(s.order, names[k])
			s.data[names[k]] = b
		}
	}
	return s
}

// QueryClipboardFormats implements driver.Driver.
func (d *Driver) QueryClipboardFormats(context.Context) ([]string, error) {
	return d.snapshot().order, nil
}

// ClipboardSource implements driver.Driver.
func (d *Driver) ClipboardSource(context.Context) (driver.Source, error) {
	return d.snapshot(), nil
}

func (d *Driver) MaterializeVirtualFile(context.Context, driver.Source, string, driver.Sink) error {
	return errs.Unsupported("virtual files on the system clipboard")
}

func (d *Driver) BeginNativeDrag(context.Context, driver.DragRequest) (driver.SessionID, error) {
	return "", errs.Unsupported("drag on the system clipboard driver")
}

func (d *Driver) CancelNativeDrag(_ context.Context, id driver.SessionID) error {
	return errs.NotFound("native drag %s", id)
}

// Close stops polling.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}

type source struct {
	order []string
	data  map[string][]byte
}

func (s *source) Formats(context.Context) ([]string, error) { return s.order, nil }

func (s *source) Read(_ context.Context, native string) ([]byte, error) {
	b, ok := s.data[native]
	if !ok {
		return nil, errs.NotFound("format %q", native)
	}
	return b, nil
}
