package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/viewkeys/internal/audit"
	"github.com/and161185/viewkeys/internal/config"
	pkgcrypto "github.com/and161185/viewkeys/internal/crypto"
	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/limiter"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/registry"
	"github.com/and161185/viewkeys/internal/repository/memory"
	"github.com/and161185/viewkeys/internal/rotation"
	"github.com/and161185/viewkeys/internal/transport"
	"github.com/and161185/viewkeys/internal/viewkey"
)

type party struct {
	id   uuid.UUID
	pass []byte
	kp   clientcrypto.KeyPair
}

type harness struct {
	ctx     context.Context
	store   *memory.Store
	audit   *audit.Log
	reg     *registry.Registry
	rot     *rotation.Coordinator
	svc     *Sharing
	sweeper *Sweeper
	skew    time.Duration
	keys    *keyhierarchy.Manager
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lg := zaptest.NewLogger(t)
	h := &harness{ctx: context.Background(), store: memory.New()}

	al, err := audit.New(h.store, bytes.Repeat([]byte{7}, 32), audit.WithLogger(lg))
	require.NoError(t, err)
	h.audit = al

	m := metrics.New(prometheus.NewRegistry())
	keys := keyhierarchy.NewManager(h.store, lg)
	h.reg = registry.New(h.store, al, m, lg).WithClock(func() time.Time { return time.Now().Add(h.skew) })
	h.rot = rotation.New(rotation.Deps{
		Grants: h.store, Rotations: h.store, Keys: keys, Directory: h.store,
		Audit: al, Metrics: m, Log: lg,
	}, rotation.Config{BatchSize: 2, Workers: 2})
	lim := limiter.NewMemory(time.Minute, 3, time.Minute)

	v := NewVault(VaultDeps{
		Owners: h.store, Keys: keys, Directory: h.store, SignKey: []byte("sign"),
		Limiter: lim, Audit: al, Metrics: m, Log: lg,
	})
	h.svc = NewSharing(SharingDeps{
		Vault: v, Keys: keys, Registry: h.reg, Rotation: h.rot, Audit: al,
		Directory: h.store, Limiter: lim, Metrics: m, Log: lg, PollInterval: time.Hour,
	})
	h.sweeper = NewSweeper(h.reg, al, lg)
	h.keys, h.metrics = keys, m
	return h
}

// sharingWith builds a second facade over the same stores with its own
// limiter and logger.
func (h *harness) sharingWith(lim limiter.Limiter, lg *zap.Logger) *Sharing {
	return NewSharing(SharingDeps{
		Vault: h.svc.Vault(), Keys: h.keys, Registry: h.reg, Rotation: h.rot, Audit: h.audit,
		Directory: h.store, Limiter: lim, Metrics: h.metrics, Log: lg, PollInterval: time.Hour,
	})
}

func (h *harness) enroll(t *testing.T, pass string) party {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	p, err := h.svc.Vault().Enroll(h.ctx, id, []byte(pass))
	require.NoError(t, err)
	kp, err := keyhierarchy.Exchange(pkgcrypto.HardenPassphrase([]byte(pass), p.Salt), 1)
	require.NoError(t, err)
	return party{id: id, pass: []byte(pass), kp: kp}
}

func (h *harness) unlock(t *testing.T, p party) string {
	t.Helper()
	ref, _, err := h.svc.Vault().Unlock(h.ctx, p.id, p.pass, "10.0.0.1:5000")
	require.NoError(t, err)
	return ref
}

// received polls as p and opens every delivered view-key.
func (h *harness) received(t *testing.T, p party) map[uuid.UUID]struct {
	grant model.AccessGrant
	vk    []byte
} {
	t.Helper()
	res, err := h.svc.PollGrants(h.ctx, p.id)
	require.NoError(t, err)
	out := make(map[uuid.UUID]struct {
		grant model.AccessGrant
		vk    []byte
	})
	for _, pkg := range res.Packages {
		g, err := transport.Unpack(pkg)
		require.NoError(t, err)
		vk, err := viewkey.Open(p.kp, g)
		require.NoError(t, err)
		out[g.ID] = struct {
			grant model.AccessGrant
			vk    []byte
		}{g, vk}
	}
	return out
}

func scopeOf(perms []model.Permission, classes ...model.DataClass) model.Scope {
	return model.NewScope(perms, classes, model.TimeRange{})
}

var viewOnly = []model.Permission{model.PermView}

func TestSharing_IssuePollOpenRecord(t *testing.T) {
	h := newHarness(t)
	owner, advisor := h.enroll(t, "owner-pass"), h.enroll(t, "advisor-pass")
	ref := h.unlock(t, owner)

	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	require.Equal(t, int64(1), g.KeyVersion)

	before := time.Now()
	res, err := h.svc.PollGrants(h.ctx, advisor.id)
	require.NoError(t, err)
	require.Len(t, res.Packages, 1)
	require.False(t, res.NextPollAfter.After(before.Add(config.GrantPropagationBound).Add(time.Second)),
		"poll interval is capped at the propagation bound")

	got := h.received(t, advisor)[g.ID]
	require.Equal(t, g.ScopeHash, got.grant.ScopeHash)

	_, root, err := h.svc.Vault().Resolve(ref)
	require.NoError(t, err)
	ownerVK, err := h.rot.ViewKeyFor(h.ctx, root, *g)
	require.NoError(t, err)
	require.Equal(t, ownerVK, got.vk)

	recID := uuid.Must(uuid.NewV4())
	rec, err := viewkey.ShareRecord(ownerVK, *g, recID, model.ClassReports, nil, []byte("Q3 profit and loss"))
	require.NoError(t, err)
	pt, err := viewkey.OpenRecord(got.vk, got.grant, rec)
	require.NoError(t, err)
	require.Equal(t, "Q3 profit and loss", string(pt))

	_, err = viewkey.ShareRecord(ownerVK, *g, recID, model.ClassTax, nil, []byte("x"))
	require.ErrorIs(t, err, errs.ErrScopeViolation)

	require.Empty(t, h.received(t, owner), "owner is not a grantee of its own grant")
}

func TestSharing_IssuePreconditions(t *testing.T) {
	h := newHarness(t)
	owner := h.enroll(t, "owner-pass")
	ref := h.unlock(t, owner)

	_, err := h.svc.IssueGrant(h.ctx, "no-such-ref", GrantRequest{GranteeID: uuid.Must(uuid.NewV4()), Scope: scopeOf(viewOnly, model.ClassReports)})
	require.ErrorIs(t, err, errs.ErrLocked)

	stranger := uuid.Must(uuid.NewV4())
	_, err = h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: stranger, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = h.svc.PublishExchangeKey(h.ctx, stranger, []byte("short"))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	kp, err := clientcrypto.KeyPairFromSeed(bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)
	k, err := h.svc.PublishExchangeKey(h.ctx, stranger, kp.Public)
	require.NoError(t, err)
	require.Equal(t, int64(1), k.Version)
	k, err = h.svc.PublishExchangeKey(h.ctx, stranger, kp.Public)
	require.NoError(t, err)
	require.Equal(t, int64(2), k.Version)

	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: stranger, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	_, err = viewkey.Open(kp, *g)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	_, err = h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: stranger, Scope: scopeOf(viewOnly, model.ClassReports), ExpiresAt: &past})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestSharing_DelegateWithinParentScope(t *testing.T) {
	h := newHarness(t)
	owner, advisor, staff := h.enroll(t, "o"), h.enroll(t, "a"), h.enroll(t, "s")
	ref := h.unlock(t, owner)

	parent, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{
		GranteeID: advisor.id,
		Scope:     scopeOf([]model.Permission{model.PermView, model.PermExport}, model.ClassReports, model.ClassInvoices),
	})
	require.NoError(t, err)
	parentVK := h.received(t, advisor)[parent.ID].vk

	child, err := h.svc.DelegateGrant(h.ctx, advisor.id, parent.ID, parentVK, GrantRequest{GranteeID: staff.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	require.Equal(t, 1, child.Depth)
	require.Equal(t, owner.id, child.OwnerID)
	require.Equal(t, advisor.id, child.IssuerID)

	got, ok := h.received(t, staff)[child.ID]
	require.True(t, ok)
	require.Len(t, got.vk, clientcrypto.KeyLen)

	d, err := h.svc.CheckAccess(h.ctx, staff.id, "staff-laptop", child.ID, model.AccessItem{Permission: model.PermView, DataClass: model.ClassReports}, time.Time{})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	_, err = h.svc.DelegateGrant(h.ctx, advisor.id, parent.ID, parentVK, GrantRequest{GranteeID: staff.id, Scope: scopeOf(viewOnly, model.ClassTax)})
	require.ErrorIs(t, err, errs.ErrScopeViolation)

	_, err = h.svc.DelegateGrant(h.ctx, staff.id, parent.ID, parentVK, GrantRequest{GranteeID: uuid.Must(uuid.NewV4()), Scope: scopeOf(viewOnly, model.ClassReports)})
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	_, err = h.svc.DelegateGrant(h.ctx, advisor.id, uuid.Must(uuid.NewV4()), parentVK, GrantRequest{GranteeID: staff.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestSharing_DelegateNeedsParentsCurrentViewKey(t *testing.T) {
	h := newHarness(t)
	owner, advisor, staff := h.enroll(t, "o"), h.enroll(t, "a"), h.enroll(t, "s")
	ref := h.unlock(t, owner)
	parent, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	staleVK := h.received(t, advisor)[parent.ID].vk
	req := GrantRequest{GranteeID: staff.id, Scope: scopeOf(viewOnly, model.ClassReports)}

	_, err = h.svc.DelegateGrant(h.ctx, advisor.id, parent.ID, bytes.Repeat([]byte{3}, clientcrypto.KeyLen), req)
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	_, err = h.svc.Rotate(h.ctx, ref, model.ReasonManual)
	require.NoError(t, err)
	_, err = h.svc.DelegateGrant(h.ctx, advisor.id, parent.ID, staleVK, req)
	require.ErrorIs(t, err, errs.ErrAccessDenied, "view-key from before the rotation")
	require.Empty(t, h.received(t, staff))

	freshVK := h.received(t, advisor)[parent.ID].vk
	child, err := h.svc.DelegateGrant(h.ctx, advisor.id, parent.ID, freshVK, req)
	require.NoError(t, err)
	require.Contains(t, h.received(t, staff), child.ID)
}

func TestSharing_SoftRevokeLooksLikeAnyOtherDenial(t *testing.T) {
	h := newHarness(t)
	owner, advisor := h.enroll(t, "o"), h.enroll(t, "a")
	ref := h.unlock(t, owner)
	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	item := model.AccessItem{Permission: model.PermView, DataClass: model.ClassReports}

	d, err := h.svc.CheckAccess(h.ctx, advisor.id, "p", g.ID, item, time.Time{})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	_, err = h.svc.Revoke(h.ctx, advisor.id, g.ID, model.RevokeSoft)
	require.ErrorIs(t, err, errs.ErrAccessDenied, "a grantee cannot revoke its own grant")

	res, err := h.svc.Revoke(h.ctx, owner.id, g.ID, model.RevokeSoft)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Nil(t, res.Rotation)

	res, err = h.svc.Revoke(h.ctx, owner.id, g.ID, model.RevokeSoft)
	require.NoError(t, err)
	require.False(t, res.Changed)

	revoked, err := h.svc.CheckAccess(h.ctx, advisor.id, "p", g.ID, item, time.Time{})
	require.NoError(t, err)
	unknown, err := h.svc.CheckAccess(h.ctx, advisor.id, "p", uuid.Must(uuid.NewV4()), item, time.Time{})
	require.NoError(t, err)
	require.Equal(t, revoked, unknown)
	require.Equal(t, model.Decision{Allowed: false, Reason: "not available"}, revoked)

	require.Empty(t, h.received(t, advisor))

	_, err = h.svc.Revoke(h.ctx, owner.id, uuid.Must(uuid.NewV4()), model.RevokeSoft)
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestSharing_RevokeByStrangerLooksLikeUnknownGrant(t *testing.T) {
	h := newHarness(t)
	owner, advisor, stranger := h.enroll(t, "o"), h.enroll(t, "a"), h.enroll(t, "s")
	ref := h.unlock(t, owner)
	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	require.NoError(t, h.svc.Vault().Lock(ref))

	var got []error
	for _, tc := range []struct {
		id   uuid.UUID
		mode model.RevokeMode
	}{
		{g.ID, model.RevokeSoft},
		{g.ID, model.RevokeHard},
		{uuid.Must(uuid.NewV4()), model.RevokeSoft},
		{uuid.Must(uuid.NewV4()), model.RevokeHard},
	} {
		_, err := h.svc.Revoke(h.ctx, stranger.id, tc.id, tc.mode)
		got = append(got, err)
	}
	for _, err := range got {
		require.Equal(t, errs.ErrAccessDenied, err)
	}

	v, err := h.reg.Check(h.ctx, g.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, model.CheckValid, v)

	_, err = h.svc.Revoke(h.ctx, owner.id, g.ID, model.RevokeHard)
	require.ErrorIs(t, err, errs.ErrLocked, "only the owner learns that its secret is locked")
}

func TestSharing_HardRevokeRetryRunsOwedRotation(t *testing.T) {
	h := newHarness(t)
	owner, gone, kept := h.enroll(t, "o"), h.enroll(t, "g"), h.enroll(t, "k")
	ref := h.unlock(t, owner)
	scope := scopeOf(viewOnly, model.ClassReports)
	a, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: gone.id, Scope: scope})
	require.NoError(t, err)
	b, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: kept.id, Scope: scope})
	require.NoError(t, err)

	// the revocation is stored but its rotation never ran
	_, changed, err := h.reg.Revoke(h.ctx, a.ID, owner.id, model.RevokeHard)
	require.NoError(t, err)
	require.True(t, changed)

	res, err := h.svc.Revoke(h.ctx, owner.id, a.ID, model.RevokeSoft)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Equal(t, model.RevokeHard, res.Grant.RevokeMode)
	require.NotNil(t, res.Rotation)
	require.Equal(t, model.ReasonHardRevoke, res.Rotation.Reason)
	require.Equal(t, int64(2), res.Rotation.NewVersion)
	require.Equal(t, []uuid.UUID{b.ID}, res.Rotation.AffectedGrantIDs)
	require.Equal(t, int64(2), h.received(t, kept)[b.ID].grant.KeyVersion)

	res, err = h.svc.Revoke(h.ctx, owner.id, a.ID, model.RevokeHard)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Nil(t, res.Rotation, "the owed rotation already ran")
}

func TestSharing_HardRevokeRetryAfterManualRotation(t *testing.T) {
	h := newHarness(t)
	owner, gone := h.enroll(t, "o"), h.enroll(t, "g")
	ref := h.unlock(t, owner)
	a, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: gone.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)

	_, _, err = h.reg.Revoke(h.ctx, a.ID, owner.id, model.RevokeHard)
	require.NoError(t, err)
	ev, err := h.svc.Rotate(h.ctx, ref, model.ReasonManual)
	require.NoError(t, err)
	require.Equal(t, int64(2), ev.NewVersion)

	res, err := h.svc.Revoke(h.ctx, owner.id, a.ID, model.RevokeHard)
	require.NoError(t, err)
	require.Nil(t, res.Rotation)
	hist, err := h.svc.RotationHistory(h.ctx, ref, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestSharing_HardRevokeRotatesRemainingGrants(t *testing.T) {
	h := newHarness(t)
	owner, gone, kept := h.enroll(t, "o"), h.enroll(t, "g"), h.enroll(t, "k")
	ref := h.unlock(t, owner)
	scope := scopeOf(viewOnly, model.ClassReports)

	a, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: gone.id, Scope: scope})
	require.NoError(t, err)
	b, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: kept.id, Scope: scope})
	require.NoError(t, err)
	oldVK := h.received(t, kept)[b.ID].vk

	require.NoError(t, h.svc.Vault().Lock(ref))
	_, err = h.svc.Revoke(h.ctx, owner.id, a.ID, model.RevokeHard)
	require.ErrorIs(t, err, errs.ErrLocked)
	v, err := h.reg.Check(h.ctx, a.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, model.CheckValid, v, "nothing changes while the owner is locked")

	ref = h.unlock(t, owner)
	res, err := h.svc.Revoke(h.ctx, owner.id, a.ID, model.RevokeHard)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NotNil(t, res.Rotation)
	require.Equal(t, model.RotationSuccess, res.Rotation.Outcome)
	require.Equal(t, int64(2), res.Rotation.NewVersion)
	require.Equal(t, []uuid.UUID{b.ID}, res.Rotation.AffectedGrantIDs)

	got := h.received(t, kept)[b.ID]
	require.Equal(t, int64(2), got.grant.KeyVersion)
	require.NotEqual(t, oldVK, got.vk)

	_, root, err := h.svc.Vault().Resolve(ref)
	require.NoError(t, err)
	ownerVK, err := h.rot.ViewKeyFor(h.ctx, root, got.grant)
	require.NoError(t, err)
	require.Equal(t, ownerVK, got.vk)

	hist, err := h.svc.RotationHistory(h.ctx, ref, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, model.ReasonHardRevoke, hist[0].Reason)

	ev, err := h.svc.Rotate(h.ctx, ref, "")
	require.NoError(t, err)
	require.Equal(t, model.ReasonManual, ev.Reason)
	require.Equal(t, int64(3), ev.NewVersion)

	active, err := h.svc.ListGrants(h.ctx, ref, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	revoked, err := h.svc.ListGrants(h.ctx, ref, model.GrantRevoked)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	require.Equal(t, model.RevokeHard, revoked[0].RevokeMode)
}

func TestSharing_CheckAccessThrottlesRepeatedDenials(t *testing.T) {
	h := newHarness(t)
	prober := h.enroll(t, "p")
	item := model.AccessItem{Permission: model.PermView, DataClass: model.ClassReports}

	for i := 0; i < 3; i++ {
		d, err := h.svc.CheckAccess(h.ctx, prober.id, "1.1.1.1", uuid.Must(uuid.NewV4()), item, time.Time{})
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}
	_, err := h.svc.CheckAccess(h.ctx, prober.id, "1.1.1.1", uuid.Must(uuid.NewV4()), item, time.Time{})
	require.ErrorIs(t, err, errs.ErrRateLimited)

	_, err = h.svc.CheckAccess(h.ctx, prober.id, "2.2.2.2", uuid.Must(uuid.NewV4()), item, time.Time{})
	require.NoError(t, err, "another peer has its own budget")
}

func TestSharing_QueryAuditIsScopedToCaller(t *testing.T) {
	h := newHarness(t)
	owner, advisor := h.enroll(t, "o"), h.enroll(t, "a")
	ref := h.unlock(t, owner)
	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)
	h.received(t, advisor)

	var types []model.AuditEventType
	for ev, err := range h.svc.QueryAudit(h.ctx, owner.id, model.AuditFilter{}) {
		require.NoError(t, err)
		require.Equal(t, owner.id, ev.OwnerID)
		types = append(types, ev.Type)
	}
	require.Contains(t, types, model.AuditSecretUnlocked)
	require.Contains(t, types, model.AuditGrantIssued)
	require.Contains(t, types, model.AuditGrantsPolled)

	for ev, err := range h.svc.QueryAudit(h.ctx, advisor.id, model.AuditFilter{OwnerID: owner.id, SubjectGrantID: g.ID}) {
		require.NoError(t, err)
		t.Fatalf("advisor must not see the owner's trail, got %s", ev.Type)
	}
}

func TestSweeper_ExpiresLapsedGrants(t *testing.T) {
	h := newHarness(t)
	owner, advisor := h.enroll(t, "o"), h.enroll(t, "a")
	ref := h.unlock(t, owner)
	exp := time.Now().Add(time.Hour)
	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports), ExpiresAt: &exp})
	require.NoError(t, err)

	expired, purged, err := h.sweeper.Once(h.ctx)
	require.NoError(t, err)
	require.Zero(t, expired)
	require.Zero(t, purged)

	h.skew = 2 * time.Hour
	require.Empty(t, h.received(t, advisor), "lapsed grants are hidden before any sweep")

	expired, _, err = h.sweeper.Once(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)
	stored, err := h.reg.Get(h.ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.GrantExpired, stored.Status)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	done := make(chan struct{})
	go func() { h.sweeper.Run(ctx, time.Millisecond); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on a cancelled context")
	}
}

func TestSharing_UnlockAuditFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	p := h.enroll(t, "pw")
	h.svc.Vault().audit = failingAuditor{}
	_, _, err := h.svc.Vault().Unlock(h.ctx, p.id, p.pass, "")
	require.NoError(t, err)
}

type failingAuditor struct{}

func (failingAuditor) Append(context.Context, model.AuditEvent) (model.AuditEvent, error) {
	return model.AuditEvent{}, errors.New("disk full")
}

// brokenLimiter admits everything but cannot persist counters.
type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return true, 0, nil
}

func (brokenLimiter) Success(context.Context, string, []byte) error {
	return errors.New("limiter store down")
}

func (brokenLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, errors.New("limiter store down")
}

func TestSharing_CheckAccessLogsLimiterErrors(t *testing.T) {
	h := newHarness(t)
	owner, advisor := h.enroll(t, "o"), h.enroll(t, "a")
	ref := h.unlock(t, owner)
	g, err := h.svc.IssueGrant(h.ctx, ref, GrantRequest{GranteeID: advisor.id, Scope: scopeOf(viewOnly, model.ClassReports)})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	svc := h.sharingWith(brokenLimiter{}, zap.New(core))

	d, err := svc.CheckAccess(h.ctx, advisor.id, "p", g.ID, model.AccessItem{Permission: model.PermView, DataClass: model.ClassReports}, time.Time{})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, logs.FilterMessage("limiter reset failed").Len())

	d, err = svc.CheckAccess(h.ctx, advisor.id, "p", g.ID, model.AccessItem{Permission: model.PermExport, DataClass: model.ClassReports}, time.Time{})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 1, logs.FilterMessage("limiter failure not recorded").Len())
}
