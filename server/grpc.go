package server

import (
	"context"
	"errors"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// grpcStatus converts a receiver error to a gRPC status error. Connect
// and gRPC share their status code numbering.
func grpcStatus(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return status.Error(codes.Code(ce.Code()), ce.Message())
	}
	return status.Error(codes.Unknown, err.Error())
}

func grpcMethod[Req, Res any](name string, call func(PatchReceiver, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/" + name}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				res, err := call(srv.(PatchReceiver), ctx, req.(*Req))
				if err != nil {
					return nil, grpcStatus(err)
				}
				return res, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			i := *info
			i.Server = srv
			return interceptor(ctx, in, &i, handler)
		},
	}
}

var receiverServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PatchReceiver)(nil),
	Methods: []grpc.MethodDesc{
		grpcMethod("Load", PatchReceiver.Load),
		grpcMethod("Unload", PatchReceiver.Unload),
		grpcMethod("List", PatchReceiver.List),
	},
	Metadata: "hotfix/v1/receiver",
}

// logUnary logs each call with its duration and outcome.
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	addr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	res, err := handler(ctx, req)
	if err != nil {
		log.Infof("%s %s: %s (%s)", addr, info.FullMethod, status.Code(err), time.Since(start))
	} else {
		log.Debugf("%s %s: ok (%s)", addr, info.FullMethod, time.Since(start))
	}
	return res, err
}

// NewGRPCServer returns a gRPC server exposing r with the CBOR codec.
func NewGRPCServer(r PatchReceiver, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(logUnary),
	}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&receiverServiceDesc, r)
	return s
}
