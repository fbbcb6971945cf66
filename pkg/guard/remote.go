package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultRemoteTimeout = 35 * time.Second

// Request - исполнение для удаленного верификатора (те же поля, что в HTTP API).
type Request = engine.ExecutionRequest

// ErrRemoteUnavailable - очередь сервиса переполнена или сервис останавливается.
var ErrRemoteUnavailable = errors.New("guard: remote verifier unavailable")

// RemoteClient отправляет исполнения в сервис verifier по gRPC, когда пайплайн
// не встраивается в процесс агента.
type RemoteClient struct {
	conn    *grpc.ClientConn
	token   string
	timeout time.Duration
}

// Dial создает клиента. По умолчанию соединение без TLS, opts могут это переопределить.
func Dial(target, token string, opts ...grpc.DialOption) (*RemoteClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("guard: dial %s: %w", target, err)
	}
	return &RemoteClient{conn: conn, token: token, timeout: defaultRemoteTimeout}, nil
}

func (r *RemoteClient) Close() error { return r.conn.Close() }

// Verify - один вызов Verify. Решение block без коррекции возвращается как *BlockedError.
func (r *RemoteClient) Verify(ctx context.Context, req Request) (Result, error) {
	// 1. JSON-байты -> Protobuf Struct
	raw, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("guard: encode request: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Result{}, fmt.Errorf("guard: encode request: %w", err)
	}
	in, err := structpb.NewStruct(m)
	if err != nil {
		return Result{}, fmt.Errorf("guard: encode request: %w", err)
	}

	// 2. Свой предел на вызов: пайплайн на сервере ограничен timeout_s
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+r.token)
	if id := engine.TraceIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-trace-id", id)
	}

	out := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, engine.VerifyMethod, in, out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return Result{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
		return Result{}, fmt.Errorf("guard: verify call failed: %w", err)
	}

	// 3. Ответ обратно в ResultView
	raw, err = json.Marshal(out.AsMap())
	if err != nil {
		return Result{}, fmt.Errorf("guard: decode result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("guard: decode result: %w", err)
	}
	if res.Action == domain.ActionBlock {
		return res, &BlockedError{Result: res}
	}
	return res, nil
}
