package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/viewkeys/internal/api"
)

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	token := jwt.NewWithClaims(method, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestWithPartyID_And_PartyIDFromCtx(t *testing.T) {
	t.Parallel()

	if id, ok := PartyIDFromCtx(context.Background()); ok || id != uuid.Nil {
		t.Fatalf("expected no party id in empty ctx")
	}

	want := uuid.Must(uuid.NewV4())
	got, ok := PartyIDFromCtx(WithPartyID(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("mismatch: got %s, want %s", got, want)
	}

	bad := context.WithValue(context.Background(), partyIDKey, "not-uuid")
	if id, ok := PartyIDFromCtx(bad); ok || id != uuid.Nil {
		t.Fatalf("expected miss on wrong typed value")
	}
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_partyIDFromToken(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	sub := uuid.Must(uuid.NewV4()).String()
	now := time.Now().UTC()

	id, err := partyIDFromToken(ctxWithAuth(makeJWT(t, sub, key, jwt.SigningMethodHS256, now.Add(-time.Minute), 10*time.Minute)), key)
	if err != nil || id.String() != sub {
		t.Fatalf("valid token: id=%s err=%v", id, err)
	}

	cases := map[string]context.Context{
		"no metadata":  context.Background(),
		"expired":      ctxWithAuth(makeJWT(t, sub, key, jwt.SigningMethodHS256, now.Add(-2*time.Hour), -time.Hour)),
		"bad subject":  ctxWithAuth(makeJWT(t, "not-a-uuid", key, jwt.SigningMethodHS256, now, time.Hour)),
		"wrong alg":    ctxWithAuth(makeJWT(t, sub, key, jwt.SigningMethodHS384, now, time.Hour)),
		"wrong key":    ctxWithAuth(makeJWT(t, sub, []byte("other"), jwt.SigningMethodHS256, now, time.Hour)),
		"not a jwt":    ctxWithAuth("this-is-not-a-jwt"),
		"empty bearer": ctxWithAuth(""),
	}
	for name, ctx := range cases {
		if _, err := partyIDFromToken(ctx, key); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}

func TestAuthUnary_PublicAndProtected(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ic := AuthUnary(key)
	var seen uuid.UUID
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = PartyIDFromCtx(ctx)
		return "ok", nil
	}

	pub := &grpc.UnaryServerInfo{FullMethod: "/" + api.ServiceName + "/Unlock"}
	if _, err := ic(context.Background(), nil, pub, h); err != nil {
		t.Fatalf("public method must pass without token: %v", err)
	}

	prot := &grpc.UnaryServerInfo{FullMethod: "/" + api.ServiceName + "/PollGrants"}
	_, err := ic(context.Background(), nil, prot, h)
	if st, _ := status.FromError(err); st.Code() != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}

	want := uuid.Must(uuid.NewV4())
	ctx := ctxWithAuth(makeJWT(t, want.String(), key, jwt.SigningMethodHS256, time.Now(), time.Minute))
	if _, err := ic(ctx, nil, prot, h); err != nil || seen != want {
		t.Fatalf("protected call: seen=%s err=%v", seen, err)
	}
}
