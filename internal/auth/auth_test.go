package auth

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func signed(t *testing.T, secret string, claims jwt.Claims, method jwt.SigningMethod) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator("s3cret")
	ctx := context.Background()
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	userID, err := a.Authenticate(ctx, signed(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}, jwt.SigningMethodHS256))
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	tests := map[string]string{
		"wrong secret": signed(t, "other", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}, jwt.SigningMethodHS256),
		"wrong alg":    signed(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}, jwt.SigningMethodHS512),
		"expired":      signed(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}, jwt.SigningMethodHS256),
		"no expiry":    signed(t, "s3cret", jwt.RegisteredClaims{Subject: "alice"}, jwt.SigningMethodHS256),
		"no subject":   signed(t, "s3cret", jwt.RegisteredClaims{ExpiresAt: exp}, jwt.SigningMethodHS256),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(ctx, token)
			assert.True(t, errors.Is(err, ErrUnauthenticated))
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	token, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	token, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = TokenFromRequest(r)
	assert.Error(t, err)

	_, err = TokenFromRequest(httptest.NewRequest("GET", "/ws", nil))
	assert.Error(t, err)
}

func validateTokenHandler(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	switch in.GetValue() {
	case "good":
		return wrapperspb.String("alice"), nil
	case "down":
		return nil, status.Error(codes.Unavailable, "maintenance")
	}
	return nil, status.Error(codes.Unauthenticated, "invalid token")
}

func startAuthServer(t *testing.T) *GRPCAuthenticator {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "auth.AuthService",
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{{MethodName: "ValidateToken", Handler: validateTokenHandler}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	a, err := DialGRPC("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestGRPCAuthenticator(t *testing.T) {
	a := startAuthServer(t)
	ctx := context.Background()

	userID, err := a.Authenticate(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = a.Authenticate(ctx, "bad")
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	_, err = a.Authenticate(ctx, "down")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthenticated))
}
