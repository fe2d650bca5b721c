package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetSentry/internal/logging"
	"Go2NetSentry/internal/stream"
)

// DashboardServiceName is the fully qualified gRPC service name.
const DashboardServiceName = "go2netsentry.v1.DashboardService"

// DashboardServer is the gRPC face of the read contract. Responses are
// google.protobuf.Struct values with the same shape as the REST bodies.
type DashboardServer interface {
	GetMetrics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetLiveEvents accepts an optional numeric "limit" field.
	GetLiveEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConnectionState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Pause(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resume(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Refresh(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterDashboardServer registers srv on s.
func RegisterDashboardServer(s grpc.ServiceRegistrar, srv DashboardServer) {
	s.RegisterService(&dashboardServiceDesc, srv)
}

// NewDashboardServer adapts a Dashboard to DashboardServer.
func NewDashboardServer(d Dashboard, logger *slog.Logger) DashboardServer {
	return &dashboardServer{dashboard: d, logger: logging.WithComponent(logger, "grpc")}
}

type dashboardServer struct {
	dashboard Dashboard
	logger    *slog.Logger
}

// toStruct converts a JSON-serialisable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func (s *dashboardServer) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.dashboard.Metrics())
}

func (s *dashboardServer) GetLiveEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := 0
	if v, ok := req.GetFields()["limit"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != float64(int(n)) {
			return nil, status.Error(codes.InvalidArgument, "limit must be a non-negative integer")
		}
		limit = int(n)
	}
	events := s.dashboard.LatestEvents(limit)
	return toStruct(LiveEventsResponse{
		Events:   events,
		Count:    len(events),
		Capacity: s.dashboard.WindowCapacity(),
	})
}

func (s *dashboardServer) GetConnectionState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(StateResponse{State: s.dashboard.ConnectionState()})
}

func (s *dashboardServer) Pause(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.control(s.dashboard.Pause())
}

func (s *dashboardServer) Resume(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.control(s.dashboard.Resume())
}

func (s *dashboardServer) control(err error) (*structpb.Struct, error) {
	switch {
	case err == nil:
		return toStruct(StateResponse{State: s.dashboard.ConnectionState()})
	case errors.Is(err, stream.ErrNotConnected):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, stream.ErrClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	s.logger.Error("Stream control failed", "error", err)
	return nil, status.Error(codes.Internal, err.Error())
}

func (s *dashboardServer) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]bool{"accepted": s.dashboard.Refresh()})
}

func unaryHandler[Req any](method string, call func(DashboardServer, context.Context, *Req) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DashboardServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fmt.Sprintf("/%s/%s", DashboardServiceName, method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DashboardServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var dashboardServiceDesc = grpc.ServiceDesc{
	ServiceName: DashboardServiceName,
	HandlerType: (*DashboardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMetrics", Handler: unaryHandler("GetMetrics", DashboardServer.GetMetrics)},
		{MethodName: "GetLiveEvents", Handler: unaryHandler("GetLiveEvents", DashboardServer.GetLiveEvents)},
		{MethodName: "GetConnectionState", Handler: unaryHandler("GetConnectionState", DashboardServer.GetConnectionState)},
		{MethodName: "Pause", Handler: unaryHandler("Pause", DashboardServer.Pause)},
		{MethodName: "Resume", Handler: unaryHandler("Resume", DashboardServer.Resume)},
		{MethodName: "Refresh", Handler: unaryHandler("Refresh", DashboardServer.Refresh)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "go2netsentry/v1/dashboard.proto",
}

// DashboardClient calls DashboardService.
type DashboardClient struct {
	cc grpc.ClientConnInterface
}

// NewDashboardClient wraps an established connection.
func NewDashboardClient(cc grpc.ClientConnInterface) *DashboardClient {
	return &DashboardClient{cc: cc}
}

func (c *DashboardClient) invoke(ctx context.Context, method string, in any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+DashboardServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DashboardClient) GetMetrics(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetMetrics", &emptypb.Empty{}, opts...)
}

func (c *DashboardClient) GetLiveEvents(ctx context.Context, limit int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if limit > 0 {
		req.Fields["limit"] = structpb.NewNumberValue(float64(limit))
	}
	return c.invoke(ctx, "GetLiveEvents", req, opts...)
}

func (c *DashboardClient) GetConnectionState(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetConnectionState", &emptypb.Empty{}, opts...)
}

func (c *DashboardClient) Pause(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Pause", &emptypb.Empty{}, opts...)
}

func (c *DashboardClient) Resume(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Resume", &emptypb.Empty{}, opts...)
}

func (c *DashboardClient) Refresh(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Refresh", &emptypb.Empty{}, opts...)
}
