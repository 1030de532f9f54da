package grpcarchive

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/aletheia/memory"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "aletheia.archive.v1.Archive"

const (
	queryMethod = "/" + ServiceName + "/Query"
	pushMethod  = "/" + ServiceName + "/Push"
)

// ArchiveServer is the server side of the archive service.
type ArchiveServer interface {
	Query(ctx context.Context, req *memory.QueryRequest) (*memory.QueryResponse, error)
	Push(ctx context.Context, update *memory.ContextUpdate) (*memory.Ack, error)
}

// RegisterArchiveServer registers srv on s.
func RegisterArchiveServer(s grpc.ServiceRegistrar, srv ArchiveServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArchiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aletheia/archive/v1/archive.json",
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(memory.QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArchiveServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ArchiveServer).Query(ctx, req.(*memory.QueryRequest))
	})
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(memory.ContextUpdate)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ArchiveServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ArchiveServer).Push(ctx, req.(*memory.ContextUpdate))
	})
}

// Backend is what a cache exposes to serve as another cache's archive.
// *memory.Manager implements it.
type Backend interface {
	Query(ctx context.Context, req memory.QueryRequest) (*memory.QueryResponse, error)
	Enqueue(ctx context.Context, update memory.ContextUpdate) (memory.ContextUpdate, error)
}

// Service adapts a Backend to ArchiveServer: queries are answered by the
// backend, pushed updates are enqueued into it.
type Service struct {
	backend Backend
}

// NewService creates a Service.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Query implements ArchiveServer.
func (s *Service) Query(ctx context.Context, req *memory.QueryRequest) (*memory.QueryResponse, error) {
	resp, err := s.backend.Query(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// Push implements ArchiveServer.
func (s *Service) Push(ctx context.Context, update *memory.ContextUpdate) (*memory.Ack, error) {
	stored, err := s.backend.Enqueue(ctx, *update)
	if err != nil {
		return nil, toStatus(err)
	}
	return &memory.Ack{UpdateID: stored.ID, AcceptedAt: stored.Timestamp}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, memory.ErrInvariantViolation), errors.Is(err, memory.ErrDimensionMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
