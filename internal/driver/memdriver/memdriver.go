// Package memdriver is an in-process platform driver. It keeps the clipboard
// in memory and runs drag sessions that tests (or a headless daemon) drive
// by hand through Hover, Drop, End and the drop-target helpers.
//
// Every native entry point checks that it is called on Thread, the same way
// a real toolkit would assert its main loop.
package memdriver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
)

// Thread is the simulated native callback thread.
const Thread marshal.Thread = "handoff/memdriver"

// DefaultCapabilities is a platform with lazy clipboard rendering, an async
// read primitive, drag support and virtual files, but no stable snapshots.
var DefaultCapabilities = driver.Capabilities{
	AsyncRead:     true,
	LazyClipboard: true,
	Drag:          true,
	VirtualFiles:  true,
}

// Item is one native representation placed on the clipboard or offered by
// a foreign drag.
type Item struct {
	Native string
	Data   []byte
}

// contents is one generation of the clipboard. It is never mutated after
// being installed.
type contents struct {
	gen    uint64
	owner  provider.Handle
	offers []driver.Offer
	data   map[string][]byte
	order  []string
}

func (c *contents) lazy() bool { return c.owner != 0 && c.data == nil }

type dragState struct {
	id        driver.SessionID
	req       driver.DragRequest
	requested []string
	ended     bool
}

// Driver is the in-memory driver. The zero value is not usable; call New.
type Driver struct {
	platform  format.Platform
	caps      driver.Capabilities
	delay     time.Duration
	anyThread bool

	mu       sync.Mutex
	delegate driver.Delegate
	denied   bool
	dragErr  error
	board    *contents
	drags    map[driver.SessionID]*dragState
	seq      int
	gen      uint64
	watchCh  chan struct{}
}

// Option configures a Driver.
type Option func(*Driver)

// WithPlatform selects the naming table the driver reports. Defaults to Linux.
func WithPlatform(p format.Platform) Option { return func(d *Driver) { d.platform = p } }

// WithCapabilities overrides DefaultCapabilities.
func WithCapabilities(c driver.Capabilities) Option { return func(d *Driver) { d.caps = c } }

// WithReadDelay makes every native read take at least delay. Without the
// AsyncRead capability the delay ignores cancellation, like a blocking call.
func WithReadDelay(delay time.Duration) Option { return func(d *Driver) { d.delay = delay } }

// WithAccessDenied starts the driver without clipboard permission.
func WithAccessDenied() Option { return func(d *Driver) { d.denied = true } }

// WithoutThreadCheck accepts calls from any goroutine.
func WithoutThreadCheck() Option { return func(d *Driver) { d.anyThread = true } }

// New returns an empty in-memory driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		platform: format.Linux,
		caps:     DefaultCapabilities,
		board:    &contents{},
		drags:    make(map[driver.SessionID]*dragState),
		watchCh:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) Name() string                      { return "memory" }
func (d *Driver) Platform() format.Platform         { return d.platform }
func (d *Driver) Thread() marshal.Thread            { return Thread }
func (d *Driver) Capabilities() driver.Capabilities { return d.caps }
func (d *Driver) Watch() <-chan struct{}            { return d.watchCh }

func (d *Driver) SetDelegate(del driver.Delegate) {
	d.mu.Lock()
	d.delegate = del
	d.mu.Unlock()
}

// SetAccessDenied toggles clipboard permission.
func (d *Driver) SetAccessDenied(denied bool) {
	d.mu.Lock()
	d.denied = denied
	d.mu.Unlock()
}

// FailNextDrag makes the next BeginNativeDrag fail with err.
func (d *Driver) FailNextDrag(err error) {
	d.mu.Lock()
	d.dragErr = err
	d.mu.Unlock()
}

func (d *Driver) checkThread(ctx context.Context, op string) error {
	if d.anyThread || marshal.On(ctx, Thread) {
		return nil
	}
	return fmt.Errorf("memdriver: %s called off the driver thread", op)
}

func (d *Driver) checkAccess() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied {
		return fmt.Errorf("memdriver: clipboard: %w", errs.ErrAccessDenied)
	}
	return nil
}

func (d *Driver) del() driver.Delegate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delegate
}

// install swaps in c and tells a displaced owner it lost the clipboard.
func (d *Driver) install(c *contents) {
	d.mu.Lock()
	old := d.board
	d.gen++
	c.gen = d.gen
	d.board = c
	del := d.delegate
	d.mu.Unlock()

	if old.owner != 0 && old.owner != c.owner && del != nil {
		del.ClipboardLost(old.owner)
	}
	select {
	case d.watchCh <- struct{}{}:
	default:
	}
}

func (d *Driver) current() *contents {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.board
}

// Publish implements driver.Driver. Without LazyClipboard every offer is
// rendered first and the clipboard is only replaced if all of them succeed.
func (d *Driver) Publish(ctx context.Context, h provider.Handle, offers []driver.Offer) error {
	if err := d.checkThread(ctx, "Publish"); err != nil {
		return err
	}
	if err := d.checkAccess(); err != nil {
		return err
	}
	c := &contents{owner: h, offers: slices.Clone(offers)}
	for _, o := range offers {
		c.order = append(c.order, o.Native)
	}
	if !d.caps.LazyClipboard {
		c.data = make(map[string][]byte, len(offers))
		for _, o := range offers {
			b, err := d.render(ctx, h, o)
			if err != nil {
				return fmt.Errorf("memdriver: render %s: %w", o.Native, err)
			}
			c.data[o.Native] = b
		}
	}
	d.install(c)
	slog.Debug("memdriver published", "handle", uint64(h), "formats", c.order, "lazy", c.lazy())
	return nil
}

func (d *Driver) render(ctx context.Context, h provider.Handle, o driver.Offer) ([]byte, error) {
	del := d.del()
	if del == nil {
		return nil, fmt.Errorf("memdriver: no delegate")
	}
	if o.Virtual {
		var buf bytes.Buffer
		if err := del.WriteVirtualFile(ctx, h, o.Format, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return del.FetchData(ctx, h, o.Format)
}

// Clear implements driver.Driver.
func (d *Driver) Clear(ctx context.Context) error {
	if err := d.checkThread(ctx, "Clear"); err != nil {
		return err
	}
	if err := d.checkAccess(); err != nil {
		return err
	}
	d.install(&contents{})
	return nil
}

// SetExternal replaces the clipboard as another application would.
func (d *Driver) SetExternal(items ...Item) {
	c := &contents{data: make(map[string][]byte, len(items))}
	for _, it := range items {
		if _, dup := c.data[it.Native]; !dup {
			c.order = append(c.order, it.Native)
		}
		c.data[it.Native] = bytes.Clone(it.Data)
	}
	d.install(c)
}

// QueryClipboardFormats implements driver.Driver.
func (d *Driver) QueryClipboardFormats(ctx context.Context) ([]string, error) {
	if err := d.checkThread(ctx, "QueryClipboardFormats"); err != nil {
		return nil, err
	}
	if err := d.checkAccess(); err != nil {
		return nil, err
	}
	return slices.Clone(d.current().order), nil
}

// ClipboardSource implements driver.Driver. With StableSnapshot the source
// keeps its contents, rendering lazy offers up front. Otherwise reads fail
// with driver.ErrContentsChanged once the clipboard moved on.
func (d *Driver) ClipboardSource(ctx context.Context) (driver.Source, error) {
	if err := d.checkThread(ctx, "ClipboardSource"); err != nil {
		return nil, err
	}
	if err := d.checkAccess(); err != nil {
		return nil, err
	}
	c := d.current()
	if !d.caps.StableSnapshot {
		return &clipSource{d: d, c: c}, nil
	}
	if c.lazy() {
		pinned := &contents{gen: c.gen, order: c.order, data: make(map[string][]byte, len(c.offers))}
		for _, o := range c.offers {
			b, err := d.render(ctx, c.owner, o)
			if err != nil {
				slog.Debug("memdriver snapshot skipped format", "native", o.Native, "err", err)
				continue
			}
			pinned.data[o.Native] = b
		}
		c = pinned
	}
	return &clipSource{d: d, c: c, stable: true}, nil
}

type clipSource struct {
	d      *Driver
	c      *contents
	stable bool
}

func (s *clipSource) contents() (*contents, error) {
	if !s.stable && s.d.current().gen != s.c.gen {
		return nil, driver.ErrContentsChanged
	}
	return s.c, nil
}

func (s *clipSource) Formats(ctx context.Context) ([]string, error) {
	if err := s.d.checkThread(ctx, "Source.Formats"); err != nil {
		return nil, err
	}
	if err := s.d.checkAccess(); err != nil {
		return nil, err
	}
	c, err := s.contents()
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.order), nil
}

func (s *clipSource) Read(ctx context.Context, native string) ([]byte, error) {
	if err := s.d.checkThread(ctx, "Source.Read"); err != nil {
		return nil, err
	}
	if err := s.d.checkAccess(); err != nil {
		return nil, err
	}
	if err := s.d.wait(ctx); err != nil {
		return nil, err
	}
	c, err := s.contents()
	if err != nil {
		return nil, err
	}
	if c.lazy() {
		for _, o := range c.offers {
			if o.Native != native {
				continue
			}
			b, err := s.d.render(ctx, c.owner, o)
			if err != nil {
				// The owner may have been released by a newer write.
				if _, cerr := s.contents(); cerr != nil {
					return nil, cerr
				}
			}
			return b, err
		}
		return nil, errs.NotFound("clipboard format %q", native)
	}
	b, ok := c.data[native]
	if !ok {
		return nil, errs.NotFound("clipboard format %q", native)
	}
	return bytes.Clone(b), nil
}

// wait simulates native read latency.
func (d *Driver) wait(ctx context.Context) error {
	if d.delay <= 0 {
		return nil
	}
	if !d.caps.AsyncRead {
		time.Sleep(d.delay)
		return nil
	}
	t := time.NewTimer(d.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errs.Cancelled(ctx.Err())
	}
}

// MaterializeVirtualFile implements driver.Driver. Sources from one of our
// own drags stream straight from the provider; foreign sources are read
// whole. sink is committed on success and aborted otherwise.
func (d *Driver) MaterializeVirtualFile(ctx context.Context, src driver.Source, native string, sink driver.Sink) (err error) {
	defer func() {
		if err != nil {
			_ = sink.Abort()
			return
		}
		err = sink.Commit()
	}()
	if err := d.checkThread(ctx, "MaterializeVirtualFile"); err != nil {
		return err
	}
	if !d.caps.VirtualFiles {
		return errs.Unsupported("virtual files on %s", d.Name())
	}
	if ds, ok := src.(*dropSource); ok {
		h, o, ok := ds.offer(native)
		if !ok {
			return errs.NotFound("drop format %q", native)
		}
		if !ds.wants(native) {
			return errs.NotFound("drop format %q was not requested", native)
		}
		del := d.del()
		if del == nil {
			return fmt.Errorf("memdriver: no delegate")
		}
		return del.WriteVirtualFile(ctx, h, o.Format, sink)
	}
	b, err := src.Read(ctx, native)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Cancelled(err)
	}
	_, err = sink.Write(b)
	return err
}

// BeginNativeDrag implements driver.Driver.
func (d *Driver) BeginNativeDrag(ctx context.Context, req driver.DragRequest) (driver.SessionID, error) {
	if err := d.checkThread(ctx, "BeginNativeDrag"); err != nil {
		return "", err
	}
	if !d.caps.Drag {
		return "", errs.Unsupported("drag on %s", d.Name())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dragErr; err != nil {
		d.dragErr = nil
		return "", err
	}
	for _, s := range d.drags {
		if !s.ended {
			return "", fmt.Errorf("memdriver: native drag %s still running: %w", s.id, errs.ErrAlreadyInProgress)
		}
	}
	d.seq++
	id := driver.SessionID(fmt.Sprintf("mem-drag-%d", d.seq))
	d.drags[id] = &dragState{id: id, req: req}
	slog.Debug("memdriver drag started", "session", id, "items", len(req.Items), "allowed", req.Allowed.String())
	return id, nil
}

// CancelNativeDrag implements driver.Driver.
func (d *Driver) CancelNativeDrag(ctx context.Context, id driver.SessionID) error {
	if err := d.checkThread(ctx, "CancelNativeDrag"); err != nil {
		return err
	}
	return d.End(id, driver.OutcomeCancelled, nil)
}

// ActiveDrag returns the running native drag, if any.
func (d *Driver) ActiveDrag() (driver.SessionID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.drags {
		if !s.ended {
			return id, true
		}
	}
	return "", false
}

func (d *Driver) running(id driver.SessionID) (*dragState, driver.Delegate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.drags[id]
	if !ok || s.ended {
		return nil, nil, errs.NotFound("native drag %s", id)
	}
	return s, d.delegate, nil
}

// Hover simulates the pointer moving over a target that would perform op.
// op is masked with the drag's allowed operations.
func (d *Driver) Hover(id driver.SessionID, op driver.Operation) error {
	s, del, err := d.running(id)
	if err != nil {
		return err
	}
	del.DragMoved(id, op&s.req.Allowed)
	return nil
}

// Drop simulates a drop on a target that asks for requested native names.
// It returns the data object the target receives; reads outside requested
// fail with NotFound.
func (d *Driver) Drop(id driver.SessionID, op driver.Operation, requested ...string) (driver.Source, error) {
	s, del, err := d.running(id)
	if err != nil {
		return nil, err
	}
	op = (op & s.req.Allowed).Pick()
	if op == driver.OpNone {
		return nil, errs.InvalidArgument("operation not allowed by drag %s", id)
	}
	d.mu.Lock()
	s.requested = slices.Clone(requested)
	d.mu.Unlock()
	del.DragDropped(id, op, requested)
	return &dropSource{d: d, req: s.req, requested: s.requested}, nil
}

// Payload returns the data object of drag id as a hovered target sees it,
// before any format was requested.
func (d *Driver) Payload(id driver.SessionID) (driver.Source, error) {
	s, _, err := d.running(id)
	if err != nil {
		return nil, err
	}
	return &dropSource{d: d, req: s.req}, nil
}

// RequestVirtualFile simulates the target asking for a virtual file after
// the drop. It must be called before End.
func (d *Driver) RequestVirtualFile(id driver.SessionID, item int, native string, sink driver.Sink) error {
	_, del, err := d.running(id)
	if err != nil {
		return err
	}
	return del.BeginVirtualFile(id, item, native, sink)
}

// End finishes the native drag loop with outcome.
func (d *Driver) End(id driver.SessionID, outcome driver.Outcome, cause error) error {
	d.mu.Lock()
	s, ok := d.drags[id]
	if !ok || s.ended {
		d.mu.Unlock()
		return errs.NotFound("native drag %s", id)
	}
	s.ended = true
	delete(d.drags, id)
	del := d.delegate
	d.mu.Unlock()

	slog.Debug("memdriver drag ended", "session", id, "outcome", outcome.String())
	if del != nil {
		del.DragEnded(id, outcome, cause)
	}
	return nil
}

// dropSource is what a target sees after dropping one of our drags. It is a
// driver.LocalSource so in-process readers bypass the native path.
type dropSource struct {
	d         *Driver
	req       driver.DragRequest
	requested []string
}

func (s *dropSource) Handles() []provider.Handle {
	out := make([]provider.Handle, len(s.req.Items))
	for i, it := range s.req.Items {
		out[i] = it.Handle
	}
	return out
}

func (s *dropSource) wants(native string) bool {
	return len(s.requested) == 0 || slices.Contains(s.requested, native)
}

func (s *dropSource) offer(native string) (provider.Handle, driver.Offer, bool) {
	for _, it := range s.req.Items {
		for _, o := range it.Offers {
			if o.Native == native {
				return it.Handle, o, true
			}
		}
	}
	return 0, driver.Offer{}, false
}

func (s *dropSource) Formats(context.Context) ([]string, error) {
	var out []string
	for _, it := range s.req.Items {
		for _, o := range it.Offers {
			if s.wants(o.Native) && !slices.Contains(out, o.Native) {
				out = append(out, o.Native)
			}
		}
	}
	return out, nil
}

func (s *dropSource) Read(ctx context.Context, native string) ([]byte, error) {
	if !s.wants(native) {
		return nil, errs.NotFound("drop format %q was not requested", native)
	}
	h, o, ok := s.offer(native)
	if !ok {
		return nil, errs.NotFound("drop format %q", native)
	}
	return s.d.render(ctx, h, o)
}

// NewSource returns a static native data object, as delivered by a drag
// from another application.
func NewSource(items ...Item) driver.Source {
	c := &contents{data: make(map[string][]byte, len(items))}
	for _, it := range items {
		c.order = append(c.order, it.Native)
		c.data[it.Native] = bytes.Clone(it.Data)
	}
	return &staticSource{c: c}
}

type staticSource struct{ c *contents }

func (s *staticSource) Formats(context.Context) ([]string, error) {
	return slices.Clone(s.c.order), nil
}

func (s *staticSource) Read(_ context.Context, native string) ([]byte, error) {
	b, ok := s.c.data[native]
	if !ok {
		return nil, errs.NotFound("format %q", native)
	}
	return bytes.Clone(b), nil
}

// Enter simulates a drag carrying src entering target t.
func (d *Driver) Enter(t driver.TargetID, src driver.Source, allowed driver.Operation) error {
	natives, err := src.Formats(context.Background())
	if err != nil {
		return err
	}
	if del := d.del(); del != nil {
		del.TargetEntered(t, src, natives, allowed)
	}
	return nil
}

// Move simulates the pointer moving inside t.
func (d *Driver) Move(t driver.TargetID, allowed driver.Operation) {
	if del := d.del(); del != nil {
		del.TargetMoved(t, allowed)
	}
}

// Leave simulates the drag leaving t without dropping.
func (d *Driver) Leave(t driver.TargetID) {
	if del := d.del(); del != nil {
		del.TargetLeft(t)
	}
}

// DropOn simulates a drop on t and returns the operation the target chose.
func (d *Driver) DropOn(t driver.TargetID) driver.Operation {
	if del := d.del(); del != nil {
		return del.TargetDropped(t)
	}
	return driver.OpNone
}

// Close implements driver.Driver. Running drags end as cancelled.
func (d *Driver) Close() error {
	d.mu.Lock()
	var ids []driver.SessionID
	for id := range d.drags {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		_ = d.End(id, driver.OutcomeCancelled, nil)
	}
	return nil
}
