package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/viewkeys/internal/api"
	"github.com/and161185/viewkeys/internal/audit"
	pkgcrypto "github.com/and161185/viewkeys/internal/crypto"
	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/limiter"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/registry"
	"github.com/and161185/viewkeys/internal/repository/memory"
	"github.com/and161185/viewkeys/internal/rotation"
	"github.com/and161185/viewkeys/internal/service"
	"github.com/and161185/viewkeys/internal/transport"
	"github.com/and161185/viewkeys/internal/viewkey"
)

const bufSize = 1 << 20

var signKey = []byte("test-secret")

func newSharing(t *testing.T) *service.Sharing {
	t.Helper()
	lg := zaptest.NewLogger(t)
	st := memory.New()
	al, err := audit.New(st, bytes.Repeat([]byte{5}, 32), audit.WithLogger(lg))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	keys := keyhierarchy.NewManager(st, lg)
	reg := registry.New(st, al, m, lg)
	rot := rotation.New(rotation.Deps{Grants: st, Rotations: st, Keys: keys, Directory: st, Audit: al, Metrics: m, Log: lg}, rotation.Config{})
	lim := limiter.NewMemory(time.Minute, 5, time.Minute)
	v := service.NewVault(service.VaultDeps{
		Owners: st, Keys: keys, Directory: st, SignKey: signKey, AccessTTL: time.Minute,
		Limiter: lim, Audit: al, Metrics: m, Log: lg,
	})
	return service.NewSharing(service.SharingDeps{
		Vault: v, Keys: keys, Registry: reg, Rotation: rot, Audit: al,
		Directory: st, Limiter: lim, Metrics: m, Log: lg,
	})
}

func startBufGRPC(t *testing.T, srv *Server) (*api.Client, func()) {
	t.Helper()
	lg := zaptest.NewLogger(t)
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(lg), LoggingUnary(lg), AuthUnary(signKey)),
		grpc.ChainStreamInterceptor(LoggingStream(lg), AuthStream(signKey)),
	)
	api.RegisterSharingServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return api.NewClient(cc), stop
}

func bearer(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
}

func wantCode(t *testing.T, err error, code codes.Code, what string) {
	t.Helper()
	if st, _ := status.FromError(err); st.Code() != code {
		t.Fatalf("%s: want %s, got %v", what, code, err)
	}
}

func TestServer_E2E_ShareCheckRevoke(t *testing.T) {
	t.Parallel()

	cl, stop := startBufGRPC(t, New(newSharing(t), signKey, zaptest.NewLogger(t)))
	defer stop()
	ctx := context.Background()

	ownerID, advisorID := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	if _, err := cl.Enroll(ctx, &api.EnrollRequest{PartyID: ownerID.String(), Passphrase: []byte("owner")}); err != nil {
		t.Fatalf("enroll owner: %v", err)
	}
	enr, err := cl.Enroll(ctx, &api.EnrollRequest{PartyID: advisorID.String(), Passphrase: []byte("advisor")})
	if err != nil {
		t.Fatalf("enroll advisor: %v", err)
	}
	_, err = cl.Enroll(ctx, &api.EnrollRequest{PartyID: advisorID.String(), Passphrase: []byte("x")})
	wantCode(t, err, codes.AlreadyExists, "second enroll")

	_, err = cl.Unlock(ctx, &api.UnlockRequest{PartyID: ownerID.String(), Passphrase: []byte("wrong")})
	wantCode(t, err, codes.Unauthenticated, "wrong passphrase")
	un, err := cl.Unlock(ctx, &api.UnlockRequest{PartyID: ownerID.String(), Passphrase: []byte("owner")})
	if err != nil || un.SecretRef == "" {
		t.Fatalf("unlock: %v", err)
	}
	ownerCtx := bearer(un.AccessToken)

	// the advisor keeps its root locally and logs in by key challenge
	kp, err := keyhierarchy.Exchange(pkgcrypto.HardenPassphrase([]byte("advisor"), enr.Salt), 1)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	ch, err := cl.Challenge(ctx, &api.ChallengeRequest{PartyID: advisorID.String()})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	nonce, err := clientcrypto.OpenFrom(kp, service.ChallengeAAD(advisorID, ch.ChallengeID), ch.Sealed)
	if err != nil {
		t.Fatalf("open challenge: %v", err)
	}
	tok, err := cl.Redeem(ctx, &api.RedeemRequest{ChallengeID: ch.ChallengeID, Nonce: nonce})
	if err != nil || tok.PartyID != advisorID.String() {
		t.Fatalf("redeem: %v", err)
	}
	advisorCtx := bearer(tok.AccessToken)

	_, err = cl.PollGrants(ctx)
	wantCode(t, err, codes.Unauthenticated, "poll without token")

	scope := api.Scope{Permissions: []string{"view"}, DataClasses: []string{"reports", "invoices"}}
	_, err = cl.IssueGrant(advisorCtx, &api.IssueGrantRequest{SecretRef: un.SecretRef, GranteeID: ownerID.String(), Scope: scope})
	wantCode(t, err, codes.FailedPrecondition, "foreign secret ref")
	_, err = cl.IssueGrant(ownerCtx, &api.IssueGrantRequest{SecretRef: un.SecretRef, GranteeID: advisorID.String(), Scope: api.Scope{Permissions: []string{"view"}}})
	wantCode(t, err, codes.InvalidArgument, "empty classes")

	gr, err := cl.IssueGrant(ownerCtx, &api.IssueGrantRequest{SecretRef: un.SecretRef, GranteeID: advisorID.String(), Scope: scope})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if gr.Grant.GranteeID != advisorID.String() || gr.Grant.Depth != 0 || gr.Grant.Status != "active" {
		t.Fatalf("grant mismatch: %+v", gr.Grant)
	}

	poll, err := cl.PollGrants(advisorCtx)
	if err != nil || len(poll.Packages) != 1 {
		t.Fatalf("poll: n=%d err=%v", len(poll.Packages), err)
	}
	g, err := transport.Unpack(poll.Packages[0])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	vk, err := viewkey.Open(kp, g)
	if err != nil || len(vk) != clientcrypto.KeyLen {
		t.Fatalf("open view-key: %v", err)
	}

	_, err = cl.DelegateGrant(advisorCtx, &api.DelegateGrantRequest{
		ParentGrantID: gr.Grant.ID, ParentViewKey: vk, GranteeID: ownerID.String(),
		Scope: api.Scope{Permissions: []string{"view"}, DataClasses: []string{"tax"}},
	})
	wantCode(t, err, codes.PermissionDenied, "delegate outside parent scope")

	ok, err := cl.CheckAccess(advisorCtx, &api.CheckAccessRequest{GrantID: gr.Grant.ID, Permission: "view", DataClass: "reports"})
	if err != nil || !ok.Allowed {
		t.Fatalf("check allowed: %+v %v", ok, err)
	}
	denied, err := cl.CheckAccess(advisorCtx, &api.CheckAccessRequest{GrantID: gr.Grant.ID, Permission: "view", DataClass: "tax"})
	if err != nil || denied.Allowed || denied.Reason != "not available" {
		t.Fatalf("check denied: %+v %v", denied, err)
	}

	_, err = cl.Revoke(advisorCtx, &api.RevokeRequest{GrantID: gr.Grant.ID, Mode: "hard"})
	if st, _ := status.FromError(err); st.Code() != codes.NotFound || st.Message() != "not available" {
		t.Fatalf("grantee revoking: %v", err)
	}
	rv, err := cl.Revoke(ownerCtx, &api.RevokeRequest{GrantID: gr.Grant.ID, Mode: "soft"})
	if err != nil || !rv.Changed || rv.Rotation != nil || rv.Grant.RevokeMode != "soft" {
		t.Fatalf("revoke: %+v %v", rv, err)
	}
	_, err = cl.Revoke(ownerCtx, &api.RevokeRequest{GrantID: uuid.Must(uuid.NewV4()).String()})
	if st, _ := status.FromError(err); st.Code() != codes.NotFound || st.Message() != "not available" {
		t.Fatalf("revoke unknown: %v", err)
	}
	_, err = cl.Revoke(ownerCtx, &api.RevokeRequest{GrantID: gr.Grant.ID, Mode: "maybe"})
	wantCode(t, err, codes.InvalidArgument, "bad mode")

	after, err := cl.CheckAccess(advisorCtx, &api.CheckAccessRequest{GrantID: gr.Grant.ID, Permission: "view", DataClass: "reports"})
	if err != nil || after.Allowed || *after != *denied {
		t.Fatalf("revoked check must look like any denial: %+v %v", after, err)
	}

	var types []string
	for ev, err := range cl.QueryAudit(ownerCtx, &api.AuditRequest{SubjectGrantID: gr.Grant.ID}) {
		if err != nil {
			t.Fatalf("query audit: %v", err)
		}
		if ev.OwnerID != ownerID.String() {
			t.Fatalf("foreign audit event leaked: %+v", ev)
		}
		types = append(types, ev.Type)
	}
	if len(types) == 0 || types[0] != "access_denied" {
		t.Fatalf("audit must be newest first, got %v", types)
	}
	for _, err := range cl.QueryAudit(context.Background(), &api.AuditRequest{}) {
		wantCode(t, err, codes.Unauthenticated, "audit without token")
	}
}

func TestServer_E2E_RotateAndLock(t *testing.T) {
	t.Parallel()

	cl, stop := startBufGRPC(t, New(newSharing(t), signKey, zaptest.NewLogger(t)))
	defer stop()
	ctx := context.Background()

	ownerID := uuid.Must(uuid.NewV4())
	if _, err := cl.Enroll(ctx, &api.EnrollRequest{PartyID: ownerID.String(), Passphrase: []byte("pw")}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	un, err := cl.Unlock(ctx, &api.UnlockRequest{PartyID: ownerID.String(), Passphrase: []byte("pw")})
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	octx := bearer(un.AccessToken)

	kp, _ := clientcrypto.KeyPairFromSeed(bytes.Repeat([]byte{9}, 32))
	pk, err := cl.PublishKey(octx, &api.PublishKeyRequest{PublicKey: kp.Public})
	if err != nil || pk.Version != 2 {
		t.Fatalf("publish key must bump the enrolled version: %+v %v", pk, err)
	}

	_, err = cl.Rotate(octx, &api.RotateRequest{SecretRef: un.SecretRef, Reason: "hard_revoke"})
	wantCode(t, err, codes.InvalidArgument, "hard_revoke is not a manual reason")
	rot, err := cl.Rotate(octx, &api.RotateRequest{SecretRef: un.SecretRef})
	if err != nil || rot.Rotation.NewVersion != 2 || rot.Rotation.Outcome != "success" || rot.Rotation.Reason != "manual" {
		t.Fatalf("rotate: %+v %v", rot, err)
	}
	hist, err := cl.RotationHistory(octx, &api.HistoryRequest{SecretRef: un.SecretRef})
	if err != nil || len(hist.Rotations) != 1 {
		t.Fatalf("history: %+v %v", hist, err)
	}
	list, err := cl.ListGrants(octx, &api.ListGrantsRequest{SecretRef: un.SecretRef})
	if err != nil || len(list.Grants) != 0 {
		t.Fatalf("list: %+v %v", list, err)
	}

	if _, err := cl.Lock(octx, &api.LockRequest{SecretRef: un.SecretRef}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err = cl.Rotate(octx, &api.RotateRequest{SecretRef: un.SecretRef})
	wantCode(t, err, codes.FailedPrecondition, "rotate after lock")
	_, err = cl.Lock(octx, &api.LockRequest{SecretRef: un.SecretRef})
	wantCode(t, err, codes.FailedPrecondition, "second lock")
}

func TestServer_toStatus(t *testing.T) {
	t.Parallel()

	s := New(nil, signKey, zaptest.NewLogger(t))
	cases := []struct {
		err  error
		code codes.Code
	}{
		{errs.ErrAccessDenied, codes.NotFound},
		{errs.ErrNotFound, codes.NotFound},
		{fmt.Errorf("wrapped: %w", errs.ErrRevokedGrant), codes.NotFound},
		{errs.ErrScopeViolation, codes.PermissionDenied},
		{errs.ErrDelegationDepth, codes.PermissionDenied},
		{errs.ErrConcurrentRotation, codes.Aborted},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{errs.ErrLocked, codes.FailedPrecondition},
		{errs.ErrInvalidArgument, codes.InvalidArgument},
		{errs.ErrAlreadyExists, codes.AlreadyExists},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("db down"), codes.Internal},
	}
	for _, c := range cases {
		if got := status.Code(s.toStatus("op", c.err)); got != c.code {
			t.Fatalf("%v: want %s, got %s", c.err, c.code, got)
		}
	}
	st, _ := status.FromError(s.toStatus("op", errors.New("secret detail")))
	if st.Message() != "op: internal" {
		t.Fatalf("internal errors must not leak detail: %q", st.Message())
	}
}
