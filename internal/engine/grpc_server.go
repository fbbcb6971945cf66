package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Контракт сервиса на well-known типах: запрос и ответ — google.protobuf.Struct
// с теми же полями, что и JSON в HTTP API. Генерированный код не нужен.
const (
	VerifierServiceName = "spaceai.verifier.v1.Verifier"
	VerifyMethod        = "/" + VerifierServiceName + "/Verify"
)

type VerifierServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var VerifierServiceDesc = grpc.ServiceDesc{
	ServiceName: VerifierServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spaceai/verifier/v1/verifier.proto",
}

func verifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerifierServer).Verify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCVerifierServer struct {
	svc    *Service
	logger *zap.Logger
}

func NewGRPCVerifierServer(svc *Service, logger *zap.Logger) *GRPCVerifierServer {
	return &GRPCVerifierServer{svc: svc, logger: logger.Named("grpc")}
}

// NewGRPCServer собирает gRPC-сервер: проверка токена, сервис верификации и health.
func NewGRPCServer(svc *Service, v auth.TokenValidator, logger *zap.Logger) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(v, logger)))
	s.RegisterService(&VerifierServiceDesc, NewGRPCVerifierServer(svc, logger))

	hs := health.NewServer()
	hs.SetServingStatus(VerifierServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

func (s *GRPCVerifierServer) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok || !claims.HasScope(domain.ScopeExecutionsWrite) {
		return nil, status.Error(codes.PermissionDenied, "token does not grant executions:write")
	}

	// 1. Struct -> JSON -> тот же ExecutionRequest, что и в HTTP
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var er ExecutionRequest
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// 2. Единый путь обработки (тот же, что и для HTTP)
	view, err := s.svc.Submit(ctx, claims.OrgID, er)
	switch {
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// 3. Собираем ответ обратно в Protobuf
	out, err := viewToStruct(view)
	if err != nil {
		s.logger.Error("failed to encode result", zap.String("execution_id", view.ExecutionID), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode result")
	}
	return out, nil
}

func viewToStruct(v ResultView) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
