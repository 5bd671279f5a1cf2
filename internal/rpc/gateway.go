package rpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
)

// maxBody caps POST /v1/clipboard.
const maxBody = 64 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Non-browser clients send no Origin; browsers must come from the same host.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.HasSuffix(origin, "://"+r.Host)
	},
}

// Gateway returns the HTTP/JSON mux:
//
//	GET    /v1/formats
//	GET    /v1/clipboard            first format on the clipboard
//	GET    /v1/clipboard/{format}
//	POST   /v1/clipboard            body is the value; ?format= or Content-Type, else sniffed
//	DELETE /v1/clipboard
//	GET    /v1/status
//	GET    /v1/events               websocket of JSON events; ?kind= filters
//	GET    /metrics                 Prometheus, no auth
func (s *Service) Gateway() (*gwruntime.ServeMux, error) {
	mux := gwruntime.NewServeMux()
	routes := []struct {
		method, pattern string
		h               gwruntime.HandlerFunc
		open            bool
	}{
		{"GET", "/v1/formats", s.httpFormats, false},
		{"GET", "/v1/clipboard", s.httpRead, false},
		{"GET", "/v1/clipboard/{format=**}", s.httpRead, false},
		{"POST", "/v1/clipboard", s.httpWrite, false},
		{"DELETE", "/v1/clipboard", s.httpClear, false},
		{"GET", "/v1/status", s.httpStatus, false},
		{"GET", "/v1/events", s.httpEvents, false},
		{"GET", "/metrics", s.httpMetrics, true},
	}
	for _, r := range routes {
		h := r.h
		if !r.open {
			h = s.httpAuth(h)
		}
		if err := mux.HandlePath(r.method, r.pattern, h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Service) httpAuth(next gwruntime.HandlerFunc) gwruntime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if s.token != "" {
			h := r.Header.Get("Authorization")
			if h == "" {
				// Browsers cannot set headers on a websocket handshake.
				h = r.URL.Query().Get("token")
			}
			if !validBearer(h, s.token) {
				writeError(w, http.StatusUnauthorized, errs.Result{Kind: errs.KindAccessDenied, Message: "invalid token"})
				return
			}
		}
		next(w, r, params)
	}
}

func (s *Service) httpFormats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ids, res := s.core.ClipboardFormats(r.Context())
	if !res.OK() {
		writeResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"formats": stringList(ids)})
}

func (s *Service) httpRead(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, b, err := s.read(r.Context(), format.ID(params["format"]))
	if err != nil {
		writeResult(w, errs.ToResult(err))
		return
	}
	ct := string(id)
	if _, _, err := mime.ParseMediaType(ct); err != nil {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Handoff-Format", string(id))
	_, _ = w.Write(b)
}

func (s *Service) httpWrite(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeResult(w, errs.ToResult(errs.InvalidArgument("read body: %v", err)))
		return
	}
	id := format.ID(r.URL.Query().Get("format"))
	if id == "" {
		id = contentFormat(r.Header.Get("Content-Type"))
	}
	if err := s.write(r.Context(), id, b, r.RemoteAddr); err != nil {
		writeResult(w, errs.ToResult(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// contentFormat returns the format named by a Content-Type header, or "" for
// the generic types curl and friends send by default.
func contentFormat(ct string) format.ID {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	switch mt {
	case "application/octet-stream", "application/x-www-form-urlencoded":
		return ""
	}
	return format.ID(mt)
}

func (s *Service) httpClear(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if res := s.core.ClearClipboard(r.Context()); !res.OK() {
		writeResult(w, res)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) httpStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st, err := s.core.Status(r.Context())
	if err != nil {
		writeResult(w, errs.ToResult(err))
		return
	}
	writeJSON(w, http.StatusOK, statusMap(st))
}

func (s *Service) httpMetrics(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.core.Metrics().Handler().ServeHTTP(w, r)
}

// httpEvents upgrades to a websocket and writes one JSON event per message
// until either side closes.
func (s *Service) httpEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("rpc: websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	var kinds []events.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, events.Kind(k))
	}
	l := events.NewChan("ws:"+uuid.NewString(), watchBuffer, kinds...)
	hub := s.core.Events()
	hub.Register(l)
	defer hub.Unregister(l)
	slog.Info("rpc: websocket watch started", "listener", l.ID(), "remote", r.RemoteAddr)

	// The read loop notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			slog.Info("rpc: websocket watch ended", "listener", l.ID())
			return
		case <-r.Context().Done():
			return
		case ev := <-l.C():
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("rpc: websocket write", "listener", l.ID(), "err", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("rpc: encode response", "err", err)
	}
}

func writeResult(w http.ResponseWriter, res errs.Result) {
	writeError(w, gwruntime.HTTPStatusFromCode(errs.GRPCCode(res.Kind)), res)
}

func writeError(w http.ResponseWriter, code int, res errs.Result) {
	writeJSON(w, code, map[string]any{"error": res})
}
