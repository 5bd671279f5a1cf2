package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"

	"go.klb.dev/handoff/internal/core"
	"go.klb.dev/handoff/internal/tlsconf"
)

// Options configures a Server.
type Options struct {
	// Token is the shared secret for bearer auth. Empty disables auth.
	Token string
	// TLS serves the TCP port over TLS keyed by Token.
	TLS bool
}

// Server serves gRPC and the HTTP gateway on one TCP port, and gRPC alone on
// the local IPC socket.
type Server struct {
	svc  *Service
	grpc *grpc.Server
	http *http.Server
	tls  *tls.Config

	mu   sync.Mutex
	muxs []cmux.CMux
	lns  []net.Listener
}

// NewServer wires a Service for c.
func NewServer(c *core.Context, opts Options) (*Server, error) {
	svc := NewService(c, opts.Token)
	gw, err := svc.Gateway()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	s := &Server{
		svc: svc,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(svc.unaryAuth),
			grpc.ChainStreamInterceptor(svc.streamAuth),
		),
		http: &http.Server{Handler: gw, ReadHeaderTimeout: 10 * time.Second},
	}
	svc.Register(s.grpc)
	if opts.TLS {
		if s.tls, err = tlsconf.Server(opts.Token); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve accepts on ln until Close, splitting gRPC from HTTP/1.1 by the
// content-type of the first request.
func (s *Server) Serve(ln net.Listener) error {
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	m := cmux.New(ln)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	s.mu.Lock()
	s.muxs = append(s.muxs, m)
	s.lns = append(s.lns, ln)
	s.mu.Unlock()

	go func() {
		if err := s.grpc.Serve(grpcL); err != nil && !closed(err) {
			slog.Warn("rpc: grpc listener stopped", "err", err)
		}
	}()
	go func() {
		if err := s.http.Serve(httpL); err != nil && !closed(err) {
			slog.Warn("rpc: http listener stopped", "err", err)
		}
	}()

	slog.Info("rpc: serving", "addr", ln.Addr(), "tls", s.tls != nil, "auth", s.svc.token != "")
	if err := m.Serve(); err != nil && !closed(err) {
		return err
	}
	return nil
}

// ServeIPC serves gRPC on the local IPC listener until Close.
func (s *Server) ServeIPC(ln net.Listener) error {
	s.mu.Lock()
	s.lns = append(s.lns, ln)
	s.mu.Unlock()
	slog.Info("rpc: serving ipc", "addr", ln.Addr())
	if err := s.grpc.Serve(ln); err != nil && !closed(err) {
		return err
	}
	return nil
}

// Close stops every listener. Open Watch streams are cut off.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	muxs, lns := s.muxs, s.lns
	s.muxs, s.lns = nil, nil
	s.mu.Unlock()

	for _, m := range muxs {
		m.Close()
	}
	for _, ln := range lns {
		_ = ln.Close()
	}
	s.grpc.Stop()
	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = s.http.Close()
	}
	return err
}

func closed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed)
}
