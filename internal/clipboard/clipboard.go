// Package clipboard publishes providers to the system clipboard through a
// platform driver and reads its contents back as snapshots.
package clipboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
)

// Adapter is the process-wide clipboard.
type Adapter struct {
	drv     driver.Driver
	reg     *provider.Registry
	formats *format.Registry
	disp    *marshal.Dispatcher
	pool    *marshal.Pool
	env     reader.Env

	// writeMu serializes Write and Clear so that owner handoff is ordered.
	writeMu sync.Mutex

	mu    sync.Mutex
	owner provider.Handle
}

// New returns an Adapter. env supplies the driver, format registry,
// dispatcher and sync timeout shared with native readers.
func New(env reader.Env, reg *provider.Registry, pool *marshal.Pool) *Adapter {
	return &Adapter{
		drv:     env.Driver,
		reg:     reg,
		formats: env.Formats,
		disp:    env.Dispatcher,
		pool:    pool,
		env:     env,
	}
}

// Owner returns the handle currently published by this process, or 0.
func (a *Adapter) Owner() provider.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Write replaces the clipboard with p. From a reader's point of view the
// swap is atomic: the driver either installs every offer or none. On
// success the previous owner is released; on failure p is.
func (a *Adapter) Write(ctx context.Context, p *provider.Provider) (provider.Handle, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	offers := driver.Offers(p.Infos(), a.formats, a.drv)
	if len(offers) == 0 {
		return 0, errs.Unsupported("none of %v can be placed on the %s clipboard", p.Formats(), a.drv.Name())
	}
	h, err := a.reg.Register(ctx, p)
	if err != nil {
		return 0, err
	}
	err = a.disp.RunOn(ctx, a.drv.Thread(), func(ctx context.Context) error {
		return a.drv.Publish(ctx, h, offers)
	})
	if err != nil {
		a.release(h)
		return 0, err
	}

	a.mu.Lock()
	prev := a.owner
	a.owner = h
	a.mu.Unlock()
	if prev != 0 {
		a.release(prev)
	}
	slog.Info("clipboard written", "handle", uint64(h), "formats", p.Formats(), "driver", a.drv.Name())
	return h, nil
}

// readAttempts bounds how often Read starts over when the clipboard changes
// underneath a copy.
const readAttempts = 3

// Read returns a snapshot of the clipboard. On platforms whose sources do
// not stay stable every format is copied before Read returns, and the copy
// is restarted if the clipboard changes meanwhile, so a snapshot never
// mixes two generations.
func (a *Adapter) Read(ctx context.Context) (reader.Reader, error) {
	for attempt := 1; ; attempt++ {
		r, err := a.read(ctx)
		if err == nil || !errors.Is(err, driver.ErrContentsChanged) || attempt == readAttempts {
			return r, err
		}
		slog.Debug("clipboard changed during read, retrying", "attempt", attempt)
	}
}

func (a *Adapter) read(ctx context.Context) (reader.Reader, error) {
	src, err := marshal.Call(ctx, a.disp, a.drv.Thread(), a.drv.ClipboardSource)
	if err != nil {
		return nil, err
	}
	r, err := reader.FromSource(ctx, a.env, a.reg, src)
	if err != nil {
		return nil, err
	}
	if a.drv.Capabilities().StableSnapshot {
		return r, nil
	}
	snap, err := reader.Copy(ctx, r, a.pool)
	if err != nil {
		return nil, err
	}
	for _, err := range snap.Errors() {
		if errors.Is(err, driver.ErrContentsChanged) {
			return nil, err
		}
	}
	return snap, nil
}

// Formats lists the canonical formats currently on the clipboard.
func (a *Adapter) Formats(ctx context.Context) ([]format.ID, error) {
	natives, err := marshal.Call(ctx, a.disp, a.drv.Thread(), a.drv.QueryClipboardFormats)
	if err != nil {
		return nil, err
	}
	platform := a.drv.Platform()
	seen := make(map[format.ID]bool, len(natives))
	out := make([]format.ID, 0, len(natives))
	for _, n := range natives {
		id := a.formats.ToCanonical(n, platform)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// Clear empties the clipboard and releases our provider, if any.
func (a *Adapter) Clear(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	err := a.disp.RunOn(ctx, a.drv.Thread(), a.drv.Clear)
	if err != nil {
		return err
	}
	a.mu.Lock()
	prev := a.owner
	a.owner = 0
	a.mu.Unlock()
	if prev != 0 {
		a.release(prev)
	}
	return nil
}

// ClipboardLost is called by the driver when another application (or a
// later Write) took the clipboard from h.
func (a *Adapter) ClipboardLost(h provider.Handle) {
	a.mu.Lock()
	if a.owner == h {
		a.owner = 0
	}
	a.mu.Unlock()
	a.release(h)
}

// release drops h without waiting for disposal; in-flight fetches finish
// first.
func (a *Adapter) release(h provider.Handle) {
	if _, err := a.reg.Release(context.Background(), h); err != nil {
		slog.Debug("clipboard release", "handle", uint64(h), "err", err)
	}
}
