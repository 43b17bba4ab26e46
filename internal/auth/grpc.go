package auth

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"chat-core/internal/observability"
)

// ValidateTokenMethod takes the token as a StringValue and answers with the
// user id as a StringValue.
const ValidateTokenMethod = "/auth.AuthService/ValidateToken"

const defaultCallTimeout = 3 * time.Second

// GRPCAuthenticator delegates token validation to the auth service.
type GRPCAuthenticator struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DialGRPC connects lazily to addr; extra options are appended to the
// tracing, metrics and insecure-transport defaults.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCAuthenticator, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial auth service: %w", err)
	}
	return &GRPCAuthenticator{conn: conn, timeout: defaultCallTimeout}, nil
}

func (a *GRPCAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var userID wrapperspb.StringValue
	if err := a.conn.Invoke(ctx, ValidateTokenMethod, wrapperspb.String(token), &userID); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.InvalidArgument, codes.PermissionDenied:
			return "", fmt.Errorf("%w: %s", ErrUnauthenticated, status.Convert(err).Message())
		}
		return "", fmt.Errorf("auth service: %w", err)
	}
	if userID.GetValue() == "" {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return userID.GetValue(), nil
}

func (a *GRPCAuthenticator) Close() error {
	return a.conn.Close()
}
