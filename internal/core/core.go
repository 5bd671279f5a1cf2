// Package core is the process-scoped entry point an embedding runtime talks
// to. A Context wires one driver to the format registry, the provider handle
// table, the clipboard adapter, the drag engine and the event hub, and
// exposes the runtime operations with errors flattened to errs.Result.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/handoff/internal/clipboard"
	"go.klb.dev/handoff/internal/drag"
	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/driver/memdriver"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/marshal"
	"go.klb.dev/handoff/internal/metrics"
	"go.klb.dev/handoff/internal/provider"
	"go.klb.dev/handoff/internal/reader"
)

// Config wires a Context.
type Config struct {
	// Driver is the platform backend. Required.
	Driver driver.Driver
	// SyncTimeout bounds emulated synchronous reads.
	SyncTimeout time.Duration
	// Workers sizes the background copy pool.
	Workers int
	Policy  drag.Policy
	// Aliases are extra native names registered before the driver starts.
	Aliases []format.Entry
	// LockOSThread pins every marshal queue to an OS thread. Native
	// drivers need it; the in-memory driver does not.
	LockOSThread bool
}

// Context is one initialized handoff runtime.
type Context struct {
	drv     driver.Driver
	disp    *marshal.Dispatcher
	pool    *marshal.Pool
	formats *format.Registry
	reg     *provider.Registry
	clip    *clipboard.Adapter
	drag    *drag.Engine
	hub     *events.Hub
	metrics *metrics.Metrics
	env     reader.Env
	started time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New starts a Context around cfg.Driver.
func New(cfg Config) (*Context, error) {
	if cfg.Driver == nil {
		return nil, errs.InvalidArgument("core needs a driver")
	}
	var opts []marshal.Option
	if !cfg.LockOSThread {
		opts = append(opts, marshal.WithoutOSThreadLock())
	}
	disp := marshal.New(opts...)
	pool := marshal.NewPool(cfg.Workers)
	formats := format.New()
	for _, a := range cfg.Aliases {
		formats.Alias(a.Platform, a.Native, a.ID)
	}
	reg := provider.NewRegistry(disp, pool)
	env := reader.Env{
		Driver:      cfg.Driver,
		Formats:     formats,
		Dispatcher:  disp,
		SyncTimeout: cfg.SyncTimeout,
	}
	hub := events.New()
	m := metrics.New()
	hub.Register(m)

	c := &Context{
		drv:     cfg.Driver,
		disp:    disp,
		pool:    pool,
		formats: formats,
		reg:     reg,
		clip:    clipboard.New(env, reg, pool),
		hub:     hub,
		metrics: m,
		env:     env,
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	c.drag = drag.New(drag.Config{
		Env:      env,
		Registry: reg,
		Pool:     pool,
		Policy:   cfg.Policy,
		Notifier: hub,
	})
	cfg.Driver.SetDelegate(delegate{c})

	if w, ok := cfg.Driver.(driver.Watcher); ok {
		c.wg.Add(1)
		go c.watch(w.Watch())
	}
	caps := cfg.Driver.Capabilities()
	slog.Info("handoff core started",
		"driver", cfg.Driver.Name(),
		"platform", string(cfg.Driver.Platform()),
		"async_read", caps.AsyncRead,
		"stable_snapshot", caps.StableSnapshot,
		"lazy", caps.LazyClipboard,
		"drag", caps.Drag,
		"virtual_files", caps.VirtualFiles,
	)
	return c, nil
}

// watch turns driver change signals into ClipboardChanged events.
func (c *Context) watch(ch <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-ch:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ids, err := c.clip.Formats(ctx)
			cancel()
			if err != nil {
				slog.Debug("clipboard formats after change", "err", err)
				continue
			}
			c.hub.Publish(events.Event{Kind: events.ClipboardChanged, Formats: ids})
		}
	}
}

// Close cancels a running drag, stops the driver and drains every queue.
func (c *Context) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if err := c.drag.Close(ctx); err != nil {
			slog.Debug("drag engine close", "err", err)
		}
		close(c.stop)
		c.wg.Wait()
		c.closeErr = c.disp.RunOn(ctx, c.drv.Thread(), func(context.Context) error {
			return c.drv.Close()
		})
		c.disp.Close()
		c.pool.Wait()
		slog.Info("handoff core stopped", "driver", c.drv.Name())
	})
	return c.closeErr
}

func (c *Context) Driver() driver.Driver           { return c.drv }
func (c *Context) Formats() *format.Registry       { return c.formats }
func (c *Context) Providers() *provider.Registry   { return c.reg }
func (c *Context) Clipboard() *clipboard.Adapter   { return c.clip }
func (c *Context) Drag() *drag.Engine              { return c.drag }
func (c *Context) Events() *events.Hub             { return c.hub }
func (c *Context) Metrics() *metrics.Metrics       { return c.metrics }
func (c *Context) Dispatcher() *marshal.Dispatcher { return c.disp }

// ReaderEnv is the environment shared by every native reader.
func (c *Context) ReaderEnv() reader.Env { return c.env }

var (
	defaultMu  sync.Mutex
	defaultCtx *Context

	// DefaultConfig builds the configuration Default starts with. The
	// in-memory driver is used unless the process installs another.
	DefaultConfig = func() Config { return Config{Driver: memdriver.New()} }
)

// Default returns the process-wide Context, starting it on first use.
func Default() (*Context, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCtx != nil {
		return defaultCtx, nil
	}
	c, err := New(DefaultConfig())
	if err != nil {
		return nil, err
	}
	defaultCtx = c
	return c, nil
}

// Reset closes the process-wide Context. The next Default starts a new one.
func Reset(ctx context.Context) error {
	defaultMu.Lock()
	c := defaultCtx
	defaultCtx = nil
	defaultMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}
