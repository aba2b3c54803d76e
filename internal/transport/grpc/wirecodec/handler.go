package wirecodec

import (
	"context"

	"google.golang.org/grpc"
)

// MethodHandler is the handler signature of grpc.MethodDesc.
type MethodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

// Unary adapts a typed unary method to a grpc.MethodDesc handler, running
// interceptors the same way generated code does. S is the service interface
// registered as the ServiceDesc HandlerType.
func Unary[S any, Req any, PReq interface{ *Req }](fullMethod string, call func(srv S, ctx context.Context, req PReq) (any, error)) MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := PReq(new(Req))
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(PReq))
		})
	}
}
