package rpc

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
	"go.klb.dev/handoff/internal/format"
	"go.klb.dev/handoff/internal/tlsconf"
)

// DialOptions returns the options for reaching a handoff server: TLS keyed
// by token when secure is set, plus per-RPC bearer and source metadata.
func DialOptions(token, source string, secure bool) ([]grpc.DialOption, error) {
	creds := insecure.NewCredentials()
	if secure {
		var err error
		if creds, err = tlsconf.ClientCredentials(token); err != nil {
			return nil, fmt.Errorf("tls credentials: %w", err)
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if token != "" || source != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&clientCreds{token: token, source: source}))
	}
	return opts, nil
}

type clientCreds struct {
	token  string
	source string
}

func (c *clientCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if c.token != "" {
		md["authorization"] = "Bearer " + c.token
	}
	if c.source != "" {
		md[mdSource] = c.source
	}
	return md, nil
}

func (c *clientCreds) RequireTransportSecurity() bool { return false }

// Client calls handoff.v1.Transfer. Errors carry the server's kind, so
// errs.KindOf works on them.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an open connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return fromStatus(c.cc.Invoke(ctx, fullMethod(method), in, out, opts...))
}

// Formats lists the formats on the server's clipboard.
func (c *Client) Formats(ctx context.Context) ([]format.ID, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "Formats", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	ids := make([]format.ID, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		ids = append(ids, format.ID(v.GetStringValue()))
	}
	return ids, nil
}

// Read returns the value of id, or of the first format when id is empty,
// along with the format actually read.
func (c *Client) Read(ctx context.Context, id format.ID) (format.ID, []byte, error) {
	var hdr metadata.MD
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, "Read", wrapperspb.String(string(id)), out, grpc.Header(&hdr)); err != nil {
		return "", nil, err
	}
	if vals := hdr.Get(mdFormat); len(vals) > 0 {
		id = format.ID(vals[0])
	}
	return id, out.GetValue(), nil
}

// Write puts b on the clipboard as id. An empty id lets the server sniff it.
func (c *Client) Write(ctx context.Context, id format.ID, b []byte) (time.Time, error) {
	if id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, mdFormat, string(id))
	}
	out := new(timestamppb.Timestamp)
	if err := c.invoke(ctx, "Write", wrapperspb.Bytes(b), out); err != nil {
		return time.Time{}, err
	}
	return out.AsTime(), nil
}

// Clear empties the clipboard.
func (c *Client) Clear(ctx context.Context) error {
	return c.invoke(ctx, "Clear", &emptypb.Empty{}, new(emptypb.Empty))
}

// Status returns the server's status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch calls fn for every event of the given kinds, or of every kind, until
// ctx ends or the server goes away. It returns nil when ctx ends.
func (c *Client) Watch(ctx context.Context, fn func(events.Event), kinds ...events.Kind) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return fromStatus(err)
	}
	req := &structpb.ListValue{}
	for _, k := range kinds {
		req.Values = append(req.Values, structpb.NewStringValue(string(k)))
	}
	if err := stream.SendMsg(req); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fromStatus(err)
		}
		fn(eventFromStruct(msg))
	}
}

// fromStatus rebuilds a kinded error from a gRPC status.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	kind := errs.FromGRPCCode(st.Code())
	if kind == nil {
		return err
	}
	return errs.Result{Kind: errs.KindOf(kind), Message: st.Message()}.Err()
}
