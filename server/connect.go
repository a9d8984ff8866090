package server

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
)

// Service and procedure names, shared by the Connect and gRPC transports.
const (
	ServiceName     = "hotfix.v1.PatchReceiver"
	LoadProcedure   = "/" + ServiceName + "/Load"
	UnloadProcedure = "/" + ServiceName + "/Unload"
	ListProcedure   = "/" + ServiceName + "/List"
)

// PatchReceiver is the receiver API. The in-process Receiver and both
// network clients implement it.
type PatchReceiver interface {
	Load(context.Context, *LoadRequest) (*LoadResponse, error)
	Unload(context.Context, *UnloadRequest) (*UnloadResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(res), nil
	}
}

// logRequests logs each call with its duration and outcome.
func logRequests() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				log.Infof("%s %s: %s (%s)", req.Peer().Addr, req.Spec().Procedure, connect.CodeOf(err), time.Since(start))
			} else {
				log.Debugf("%s %s: ok (%s)", req.Peer().Addr, req.Spec().Procedure, time.Since(start))
			}
			return res, err
		}
	}
}

// NewConnectHandler returns the path prefix and handler serving r over
// the Connect protocol with the CBOR codec.
func NewConnectHandler(r PatchReceiver, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(Codec{}),
		connect.WithInterceptors(logRequests()),
	}, opts...)
	mux := http.NewServeMux()
	mux.Handle(LoadProcedure, connect.NewUnaryHandler(LoadProcedure, unary(r.Load), opts...))
	mux.Handle(UnloadProcedure, connect.NewUnaryHandler(UnloadProcedure, unary(r.Unload), opts...))
	mux.Handle(ListProcedure, connect.NewUnaryHandler(ListProcedure, unary(r.List), opts...))
	return "/" + ServiceName + "/", mux
}

// ---------------------------------------------------------------------------
// Connect client
// ---------------------------------------------------------------------------

// ConnectClient calls a receiver over HTTP with the Connect protocol.
type ConnectClient struct {
	load   *connect.Client[LoadRequest, LoadResponse]
	unload *connect.Client[UnloadRequest, UnloadResponse]
	list   *connect.Client[ListRequest, ListResponse]
}

// NewConnectClient creates a client for the receiver at baseURL, such as
// http://localhost:7171.
func NewConnectClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ConnectClient {
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &ConnectClient{
		load:   connect.NewClient[LoadRequest, LoadResponse](httpClient, baseURL+LoadProcedure, opts...),
		unload: connect.NewClient[UnloadRequest, UnloadResponse](httpClient, baseURL+UnloadProcedure, opts...),
		list:   connect.NewClient[ListRequest, ListResponse](httpClient, baseURL+ListProcedure, opts...),
	}
}

func callUnary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	res, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *ConnectClient) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	return callUnary(ctx, c.load, req)
}

func (c *ConnectClient) Unload(ctx context.Context, req *UnloadRequest) (*UnloadResponse, error) {
	return callUnary(ctx, c.unload, req)
}

func (c *ConnectClient) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return callUnary(ctx, c.list, req)
}
