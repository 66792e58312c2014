package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/viewkeys/internal/api"
)

type ctxKey string

const partyIDKey ctxKey = "vk.partyID"

// WithPartyID stores the authenticated party ID in context.
func WithPartyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, partyIDKey, id)
}

// PartyIDFromCtx fetches the party ID from context.
func PartyIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(partyIDKey)
	if v == nil {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// partyIDFromToken extracts "authorization: Bearer <JWT>", verifies HS256
// and returns sub as UUID.
func partyIDFromToken(ctx context.Context, signKey []byte) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

// AuthUnary verifies the bearer token of every non-public method and puts
// the party ID into the handler context.
func AuthUnary(signKey []byte) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if api.PublicMethods[info.FullMethod] {
			return next(ctx, req)
		}
		id, err := partyIDFromToken(ctx, signKey)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		return next(WithPartyID(ctx, id), req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s authedStream) Context() context.Context { return s.ctx }

// AuthStream is AuthUnary for streaming methods.
func AuthStream(signKey []byte) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		if api.PublicMethods[info.FullMethod] {
			return next(srv, ss)
		}
		id, err := partyIDFromToken(ss.Context(), signKey)
		if err != nil {
			return status.Error(codes.Unauthenticated, "no auth")
		}
		return next(srv, authedStream{ServerStream: ss, ctx: WithPartyID(ss.Context(), id)})
	}
}
