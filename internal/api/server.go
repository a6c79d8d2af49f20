package api

import (
	"context"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "creditgate.v1.GenerationService"

// GenerationServer is the server API for GenerationService.
type GenerationServer interface {
	SubmitGeneration(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PollStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReconcileAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(GenerationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GenerationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(GenerationServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GenerationServiceDesc describes GenerationService for grpc.Server.
var GenerationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GenerationServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("SubmitGeneration", GenerationServer.SubmitGeneration),
		methodDesc("PollStatus", GenerationServer.PollStatus),
		methodDesc("FetchResult", GenerationServer.FetchResult),
		methodDesc("GetAccount", GenerationServer.GetAccount),
		methodDesc("ReconcileAccount", GenerationServer.ReconcileAccount),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditgate/v1/generation.proto",
}

// RegisterGenerationServer registers srv on s.
func RegisterGenerationServer(s grpc.ServiceRegistrar, srv GenerationServer) {
	s.RegisterService(&GenerationServiceDesc, srv)
}

// NewGRPCServer creates a gRPC server with recovery and logging interceptors.
func NewGRPCServer(logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	// Recovery interceptor to prevent panics from crashing the server
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	loggingInterceptor := func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		logger.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}

	base := []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor,
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
	}
	return grpc.NewServer(append(base, opts...)...)
}

var _ GenerationServer = (*GenerationService)(nil)
