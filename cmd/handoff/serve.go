package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/handoff/internal/core"
	"go.klb.dev/handoff/internal/drag"
	"go.klb.dev/handoff/internal/driver"
	"go.klb.dev/handoff/internal/driver/memdriver"
	"go.klb.dev/handoff/internal/driver/sysclip"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/ipc"
	"go.klb.dev/handoff/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer runtime and its gRPC/HTTP endpoint",
		Long: `Starts the handoff runtime on this host's clipboard and serves it on one
TCP port (gRPC and HTTP/JSON) and on the local IPC socket.

Config file search order:
  /etc/handoff/handoff.toml
  $HOME/.config/handoff/handoff.toml
  path supplied via --config

Extra native format names can be mapped in the config file:

  [[aliases]]
  platform = "linux"
  native   = "application/x-my-app"
  format   = "application/json"

Precedence (lowest → highest): defaults → config file → HANDOFF_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServe(v) },
	}

	f := cmd.Flags()
	f.String("driver", "system", "clipboard driver: system|memory")
	f.String("platform", "", "native naming scheme for the memory driver (default: linux)")
	f.String("addr", defaultAddr, "TCP listen address")
	f.String("token", "", "shared secret (empty = no auth)")
	f.Bool("tls", false, "serve TLS keyed by --token")
	f.Bool("no-ipc", false, "do not open the local IPC socket")
	f.Duration("sync-read-timeout", time.Second, "bound on emulated synchronous clipboard reads")
	f.Bool("wait-virtual-files", false, "keep drag sessions open until every virtual file is written")
	f.Int("workers", 0, "background copy workers (0 = default)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

type aliasConf struct {
	Platform string `mapstructure:"platform"`
	Native   string `mapstructure:"native"`
	Format   string `mapstructure:"format"`
}

// coreConfig builds the runtime configuration from v.
func coreConfig(v *viper.Viper) (core.Config, error) {
	cfg := core.Config{
		SyncTimeout: v.GetDuration("sync-read-timeout"),
		Workers:     v.GetInt("workers"),
		Policy:      drag.Policy{WaitForVirtualFiles: v.GetBool("wait-virtual-files")},
	}

	var aliases []aliasConf
	if err := v.UnmarshalKey("aliases", &aliases); err != nil {
		return cfg, fmt.Errorf("aliases: %w", err)
	}
	for _, a := range aliases {
		p, err := format.ParsePlatform(a.Platform)
		if err != nil {
			return cfg, fmt.Errorf("aliases: %w", err)
		}
		if a.Native == "" || a.Format == "" {
			return cfg, fmt.Errorf("aliases: %q needs native and format", a.Platform)
		}
		cfg.Aliases = append(cfg.Aliases, format.Entry{Platform: p, Native: a.Native, ID: format.ID(a.Format)})
	}

	drv, err := newDriver(v.GetString("driver"), v.GetString("platform"))
	if err != nil {
		return cfg, err
	}
	cfg.Driver = drv
	_, cfg.LockOSThread = drv.(*sysclip.Driver)
	return cfg, nil
}

func newDriver(name, platform string) (driver.Driver, error) {
	switch name {
	case "system", "":
		return sysclip.New(), nil
	case "memory":
		var opts []memdriver.Option
		if platform != "" {
			p, err := format.ParsePlatform(platform)
			if err != nil {
				return nil, err
			}
			opts = append(opts, memdriver.WithPlatform(p))
		}
		return memdriver.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want system or memory)", name)
	}
}

func runServe(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := coreConfig(v)
	if err != nil {
		return err
	}
	c, err := core.New(cfg)
	if err != nil {
		return err
	}

	addr := v.GetString("addr")
	token := v.GetString("token")
	slog.Info("handoff serve starting",
		"version", Version,
		"addr", addr,
		"driver", cfg.Driver.Name(),
		"tls", v.GetBool("tls"),
		"auth", token != "",
	)

	srv, err := rpc.NewServer(c, rpc.Options{Token: token, TLS: v.GetBool("tls")})
	if err != nil {
		return errors.Join(err, closeCore(c))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	if !v.GetBool("no-ipc") {
		if ipcLn, err := ipc.Listen(); err != nil {
			slog.Warn("IPC socket unavailable", "err", err)
		} else {
			go func() { errc <- srv.ServeIPC(ipcLn) }()
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		err = fmt.Errorf("listen %s: %w", addr, err)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, srv.Close(sctx), c.Close(sctx))
	}
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errc:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, srv.Close(sctx), c.Close(sctx))
}

func closeCore(c *core.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Close(ctx)
}
