// Package rpc exposes the transfer runtime over gRPC and HTTP/JSON.
//
// The gRPC service handoff.v1.Transfer is described by hand and carries only
// protobuf well-known types, so there is no generated code:
//
//	Formats(Empty)        returns ListValue of format ids
//	Read(StringValue)     returns BytesValue, the format in header metadata
//	Write(BytesValue)     returns Timestamp, the format in request metadata
//	Clear(Empty)          returns Empty
//	Status(Empty)         returns Struct
//	Watch(ListValue)      streams Struct events, filtered by kind
//
// The HTTP gateway serves the same operations on the same port.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.klb.dev/handoff/internal/core"
	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/logging"
	"go.klb.dev/handoff/internal/provider"
)

const serviceName = "handoff.v1.Transfer"

// Metadata keys.
const (
	mdFormat = "x-handoff-format"
	mdSource = "x-handoff-source"
)

// watchBuffer is how far a Watch stream may lag before events are dropped.
const watchBuffer = 64

// Service implements handoff.v1.Transfer on top of a core.Context.
type Service struct {
	core  *core.Context
	token string
}

// NewService returns a Service. An empty token disables auth.
func NewService(c *core.Context, token string) *Service {
	return &Service{core: c, token: token}
}

// Register adds the service to g.
func (s *Service) Register(g *grpc.Server) { g.RegisterService(&serviceDesc, s) }

func (s *Service) Formats(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ids, res := s.core.ClipboardFormats(ctx)
	if err := resultErr(res); err != nil {
		return nil, err
	}
	return formatList(ids), nil
}

// Read returns the bytes of one format, or of the first format on the
// clipboard when req is empty.
func (s *Service) Read(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	id, b, err := s.read(ctx, format.ID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(mdFormat, string(id))); err != nil {
		slog.Debug("rpc: set header", "err", err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Service) read(ctx context.Context, id format.ID) (format.ID, []byte, error) {
	r, res := s.core.ReadClipboard(ctx)
	if !res.OK() {
		return "", nil, res.Err()
	}
	if id == "" {
		ids, err := r.Formats(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(ids) == 0 {
			return "", nil, errs.NotFound("clipboard is empty")
		}
		id = ids[0]
	}
	d, err := r.Fetch(ctx, id)
	if err != nil {
		return "", nil, err
	}
	b, err := d.ReadAll()
	if err != nil {
		return "", nil, errs.FetchFailed(err)
	}
	logging.LogValue("rpc: read", id, b)
	return id, b, nil
}

// Write puts req on the clipboard. The format comes from the x-handoff-format
// metadata and is sniffed from the bytes when absent.
func (s *Service) Write(ctx context.Context, req *wrapperspb.BytesValue) (*timestamppb.Timestamp, error) {
	var id format.ID
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(mdFormat); len(vals) > 0 {
			id = format.ID(vals[0])
		}
	}
	if err := s.write(ctx, id, req.GetValue(), sourceFromCtx(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return timestamppb.Now(), nil
}

func (s *Service) write(ctx context.Context, id format.ID, b []byte, source string) error {
	if len(b) == 0 {
		return errs.InvalidArgument("nothing to write")
	}
	if id == "" {
		id = format.Sniff(b)
	}
	p, err := provider.New(provider.Bytes(id, b))
	if err != nil {
		return err
	}
	if err := s.core.WriteClipboard(ctx, p).Err(); err != nil {
		return err
	}
	slog.Info("rpc: clipboard written", "format", id, "source", source)
	logging.LogValue("rpc: written", id, b)
	return nil
}

func (s *Service) Clear(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := resultErr(s.core.ClearClipboard(ctx)); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.core.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(statusMap(st))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Watch streams events of the requested kinds until the client goes away.
func (s *Service) Watch(req *structpb.ListValue, stream grpc.ServerStream) error {
	ctx := stream.Context()
	var kinds []events.Kind
	for _, v := range req.GetValues() {
		kinds = append(kinds, events.Kind(v.GetStringValue()))
	}

	l := events.NewChan("watch:"+uuid.NewString(), watchBuffer, kinds...)
	hub := s.core.Events()
	hub.Register(l)
	defer hub.Unregister(l)

	slog.Info("rpc: watch started", "listener", l.ID(), "source", sourceFromCtx(ctx), "kinds", kinds)
	defer slog.Info("rpc: watch ended", "listener", l.ID())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.C():
			msg, err := eventStruct(ev)
			if err != nil {
				slog.Warn("rpc: encode event", "kind", ev.Kind, "err", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// auth validates the bearer token in ctx metadata. Skipped when s.token is
// empty and for callers on the local IPC socket.
func (s *Service) auth(ctx context.Context) error {
	if s.token == "" || isLocal(ctx) {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	if !validBearer(vals[0], s.token) {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func validBearer(header, token string) bool {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		header = header[len(prefix):]
	}
	return header == token
}

func (s *Service) unaryAuth(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	return next(ctx, req)
}

func (s *Service) streamAuth(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, next grpc.StreamHandler) error {
	if err := s.auth(ss.Context()); err != nil {
		return err
	}
	return next(srv, ss)
}

func isLocal(ctx context.Context) bool {
	p, ok := peer.FromContext(ctx)
	return ok && p.Addr != nil && p.Addr.Network() == "unix"
}

func sourceFromCtx(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(mdSource); len(vals) > 0 {
			return vals[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// toStatus maps err onto a gRPC status by its kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errs.GRPCCode(errs.KindOf(err)), err.Error())
}

func resultErr(r errs.Result) error { return toStatus(r.Err()) }

// ── service description ────────────────────────────────────────────────────

// transferServer is the handler type gRPC checks Service against.
type transferServer interface {
	Formats(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Read(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Write(context.Context, *wrapperspb.BytesValue) (*timestamppb.Timestamp, error)
	Clear(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*structpb.ListValue, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transferServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Formats", transferServer.Formats),
		unary("Read", transferServer.Read),
		unary("Write", transferServer.Write),
		unary("Clear", transferServer.Clear),
		unary("Status", transferServer.Status),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			req := new(structpb.ListValue)
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			return srv.(transferServer).Watch(req, stream)
		},
	}},
	Metadata: "handoff/v1/transfer",
}

func fullMethod(name string) string { return fmt.Sprintf("/%s/%s", serviceName, name) }

// unary builds the method descriptor for a request/response call, the way
// generated code does for each method.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(transferServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			ts := srv.(transferServer)
			if ic == nil {
				return call(ts, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(ts, ctx, req.(PReq))
			})
		},
	}
}

// ── conversions ────────────────────────────────────────────────────────────

func formatList(ids []format.ID) *structpb.ListValue {
	vals := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		vals[i] = structpb.NewStringValue(string(id))
	}
	return &structpb.ListValue{Values: vals}
}

func stringList[T ~string](xs []T) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}

func statusMap(st core.Status) map[string]any {
	m := map[string]any{
		"driver":   st.Driver,
		"platform": string(st.Platform),
		"capabilities": map[string]any{
			"async_read":      st.Capabilities.AsyncRead,
			"stable_snapshot": st.Capabilities.StableSnapshot,
			"lazy_clipboard":  st.Capabilities.LazyClipboard,
			"drag":            st.Capabilities.Drag,
			"virtual_files":   st.Capabilities.VirtualFiles,
		},
		"providers":      st.Providers,
		"listeners":      st.Listeners,
		"formats":        stringList(st.Formats),
		"uptime_seconds": st.Uptime.Seconds(),
	}
	if st.Drag != "" {
		m["drag"] = map[string]any{"session": st.Drag, "state": st.DragState}
	}
	return m
}

func eventStruct(ev events.Event) (*structpb.Struct, error) {
	m := map[string]any{
		"kind": string(ev.Kind),
		"time": ev.Time.Format(time.RFC3339Nano),
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("session", ev.Session)
	set("target", ev.Target)
	set("state", ev.State)
	set("operation", ev.Operation)
	if len(ev.Formats) > 0 {
		m["formats"] = stringList(ev.Formats)
	}
	if !ev.Result.OK() {
		m["result"] = map[string]any{"kind": string(ev.Result.Kind), "message": ev.Result.Message}
	}
	return structpb.NewStruct(m)
}

func eventFromStruct(s *structpb.Struct) events.Event {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	ev := events.Event{
		Kind:      events.Kind(str("kind")),
		Session:   str("session"),
		Target:    str("target"),
		State:     str("state"),
		Operation: str("operation"),
	}
	ev.Time, _ = time.Parse(time.RFC3339Nano, str("time"))
	for _, v := range f["formats"].GetListValue().GetValues() {
		ev.Formats = append(ev.Formats, format.ID(v.GetStringValue()))
	}
	if r := f["result"].GetStructValue().GetFields(); r != nil {
		ev.Result = errs.Result{Kind: errs.Kind(r["kind"].GetStringValue()), Message: r["message"].GetStringValue()}
	}
	return ev
}
