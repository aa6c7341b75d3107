package kernelrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/minoots/kernel/pkg/kernelpb"
)

// ServiceName is the gRPC full method prefix the kernel server and its
// clients register under.
const ServiceName = "minoots.kernel.v1.TimerKernel"

// ServiceDesc is the hand-authored grpc.ServiceDesc for the kernel's six
// RPC operations, registered via grpc.Server.RegisterService the same
// way goa's generated _grpc.pb.go files would if they were checked into
// the pack.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Schedule", Handler: scheduleHandler},
		{MethodName: "GetTimer", Handler: getTimerHandler},
		{MethodName: "ListTimers", Handler: listTimersHandler},
		{MethodName: "CancelTimer", Handler: cancelTimerHandler},
		{MethodName: "ReportTimerExecution", Handler: reportTimerExecutionHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTimerEvents",
			Handler:       streamTimerEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "minoots/kernel.proto",
}

func scheduleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(kernelpb.ScheduleRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Schedule(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Schedule"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).Schedule(ctx, req.(*kernelpb.ScheduleRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func getTimerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(kernelpb.GetTimerRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetTimer(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetTimer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).GetTimer(ctx, req.(*kernelpb.GetTimerRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func listTimersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(kernelpb.ListTimersRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ListTimers(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListTimers"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).ListTimers(ctx, req.(*kernelpb.ListTimersRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func cancelTimerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(kernelpb.CancelTimerRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).CancelTimer(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CancelTimer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).CancelTimer(ctx, req.(*kernelpb.CancelTimerRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func reportTimerExecutionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(kernelpb.ReportTimerExecutionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ReportTimerExecution(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReportTimerExecution"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).ReportTimerExecution(ctx, req.(*kernelpb.ReportTimerExecutionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func streamTimerEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(kernelpb.StreamTimerEventsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*Server).StreamTimerEvents(req, stream)
}
