package viewkey

import (
	"bytes"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/model"
)

type party struct {
	id   uuid.UUID
	root []byte
}

func newParty(b byte) party {
	return party{id: uuid.Must(uuid.NewV4()), root: bytes.Repeat([]byte{b}, 32)}
}

func (p party) exchange(t *testing.T) (pub []byte, open func(model.AccessGrant) ([]byte, error)) {
	t.Helper()
	kp, err := keyhierarchy.Exchange(p.root, 1)
	require.NoError(t, err)
	return kp.Public, func(g model.AccessGrant) ([]byte, error) { return Open(kp, g) }
}

func sharingKey(t *testing.T, p party) keyhierarchy.DerivedKey {
	t.Helper()
	dk, err := keyhierarchy.Derive(p.root, model.KeyTypeSharing, 1)
	require.NoError(t, err)
	return dk
}

func reportsOnly() model.Scope {
	return model.NewScope([]model.Permission{model.PermView}, []model.DataClass{model.ClassReports}, model.TimeRange{})
}

func TestIssue_GranteeRecoversViewKey(t *testing.T) {
	t.Parallel()
	owner, advisor := newParty(1), newParty(2)
	pub, open := advisor.exchange(t)

	g, vk, err := NewIssuer().Issue(sharingKey(t, owner), Request{
		OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: pub, Scope: reportsOnly(),
	})
	require.NoError(t, err)
	require.Equal(t, 0, g.Depth)
	require.Equal(t, owner.id, g.IssuerID)
	require.Equal(t, int64(1), g.KeyVersion)
	require.False(t, g.IsDelegated())

	got, err := open(*g)
	require.NoError(t, err)
	require.Equal(t, vk, got)

	// owner can always reproduce it
	again, err := DeriveViewKey(sharingKey(t, owner).Key, owner.id, advisor.id, nil, g.ScopeHash)
	require.NoError(t, err)
	require.Equal(t, vk, again)
}

func TestIssue_WrongRecipientOrTamperedGrant(t *testing.T) {
	t.Parallel()
	owner, advisor, other := newParty(1), newParty(2), newParty(3)
	pub, _ := advisor.exchange(t)
	_, openOther := other.exchange(t)

	g, _, err := NewIssuer().Issue(sharingKey(t, owner), Request{
		OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: pub, Scope: reportsOnly(),
	})
	require.NoError(t, err)

	_, err = openOther(*g)
	require.ErrorIs(t, err, errs.ErrEncryption)

	_, openAdvisor := advisor.exchange(t)
	widened := *g
	widened.ScopeHash = model.OwnerScope().Hash()
	_, err = openAdvisor(widened)
	require.ErrorIs(t, err, errs.ErrEncryption)
}

func TestIssue_DistinctPerGranteeScopeAndExpiry(t *testing.T) {
	t.Parallel()
	sk := bytes.Repeat([]byte{9}, 32)
	owner := uuid.Must(uuid.NewV4())
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	h1 := reportsOnly().Hash()
	h2 := model.OwnerScope().Hash()

	base, _ := DeriveViewKey(sk, owner, a, nil, h1)
	for _, other := range [][]byte{
		must(DeriveViewKey(sk, owner, b, nil, h1)),
		must(DeriveViewKey(sk, owner, a, nil, h2)),
		must(DeriveViewKey(sk, owner, a, &exp, h1)),
	} {
		require.NotEqual(t, base, other)
	}
}

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

func TestIssue_Validation(t *testing.T) {
	t.Parallel()
	owner, advisor := newParty(1), newParty(2)
	pub, _ := advisor.exchange(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	iss := NewIssuer().WithClock(func() time.Time { return now })
	past := now.Add(-time.Hour)

	_, _, err := iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: owner.id, GranteePublicKey: pub, Scope: reportsOnly()})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, _, err = iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: pub, Scope: reportsOnly(), ExpiresAt: &past})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, _, err = iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: pub, Scope: model.Scope{}})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	dataKey, _ := keyhierarchy.Derive(owner.root, model.KeyTypeData, 1)
	_, _, err = iss.Issue(dataKey, Request{OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: pub, Scope: reportsOnly()})
	require.ErrorIs(t, err, errs.ErrDerivation)

	_, _, err = iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: []byte("short"), Scope: reportsOnly()})
	require.ErrorIs(t, err, errs.ErrEncryption)
}

func TestIssueDelegated_ContainmentAndDepth(t *testing.T) {
	t.Parallel()
	owner, advisor, staff, intern, temp := newParty(1), newParty(2), newParty(3), newParty(4), newParty(5)
	advPub, _ := advisor.exchange(t)
	staffPub, openStaff := staff.exchange(t)
	internPub, _ := intern.exchange(t)
	tempPub, _ := temp.exchange(t)
	iss := NewIssuer()

	parentScope := model.NewScope(
		[]model.Permission{model.PermView, model.PermExport},
		[]model.DataClass{model.ClassReports, model.ClassTransactions},
		model.TimeRange{},
	)
	parent, parentVK, err := iss.Issue(sharingKey(t, owner), Request{
		OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: advPub, Scope: parentScope,
	})
	require.NoError(t, err)

	_, _, err = iss.IssueDelegated(*parent, parentVK, DelegateRequest{
		GranteeID: staff.id, GranteePublicKey: staffPub,
		Scope: model.NewScope([]model.Permission{model.PermView}, []model.DataClass{model.ClassTax}, model.TimeRange{}),
	})
	require.ErrorIs(t, err, errs.ErrScopeViolation)

	child, childVK, err := iss.IssueDelegated(*parent, parentVK, DelegateRequest{
		GranteeID: staff.id, GranteePublicKey: staffPub, Scope: reportsOnly(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, child.Depth)
	require.Equal(t, parent.ID, *child.ParentGrantID)
	require.Equal(t, advisor.id, child.IssuerID)
	require.Equal(t, owner.id, child.OwnerID)
	require.True(t, child.Scope.SubsetOf(parent.Scope))
	require.NotEqual(t, parentVK, childVK)

	got, err := openStaff(*child)
	require.NoError(t, err)
	require.Equal(t, childVK, got)

	grand, grandVK, err := iss.IssueDelegated(*child, childVK, DelegateRequest{
		GranteeID: intern.id, GranteePublicKey: internPub, Scope: reportsOnly(),
	})
	require.NoError(t, err)
	require.Equal(t, MaxDelegationDepth, grand.Depth)

	_, _, err = iss.IssueDelegated(*grand, grandVK, DelegateRequest{
		GranteeID: temp.id, GranteePublicKey: tempPub, Scope: reportsOnly(),
	})
	require.ErrorIs(t, err, errs.ErrDelegationDepth)
}

func TestIssueDelegated_CannotOutliveParent(t *testing.T) {
	t.Parallel()
	owner, advisor, staff := newParty(1), newParty(2), newParty(3)
	advPub, _ := advisor.exchange(t)
	staffPub, _ := staff.exchange(t)
	iss := NewIssuer()
	exp := time.Now().Add(24 * time.Hour)
	later := exp.Add(time.Hour)

	parent, parentVK, err := iss.Issue(sharingKey(t, owner), Request{
		OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: advPub, Scope: reportsOnly(), ExpiresAt: &exp,
	})
	require.NoError(t, err)

	_, _, err = iss.IssueDelegated(*parent, parentVK, DelegateRequest{GranteeID: staff.id, GranteePublicKey: staffPub, Scope: reportsOnly()})
	require.ErrorIs(t, err, errs.ErrScopeViolation)
	_, _, err = iss.IssueDelegated(*parent, parentVK, DelegateRequest{GranteeID: staff.id, GranteePublicKey: staffPub, Scope: reportsOnly(), ExpiresAt: &later})
	require.ErrorIs(t, err, errs.ErrScopeViolation)
	_, _, err = iss.IssueDelegated(*parent, parentVK, DelegateRequest{GranteeID: staff.id, GranteePublicKey: staffPub, Scope: reportsOnly(), ExpiresAt: &exp})
	require.NoError(t, err)

	revoked := *parent
	revoked.Status = model.GrantRevoked
	_, _, err = iss.IssueDelegated(revoked, parentVK, DelegateRequest{GranteeID: staff.id, GranteePublicKey: staffPub, Scope: reportsOnly(), ExpiresAt: &exp})
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestIssueDelegated_RejectsKeyNotOfParent(t *testing.T) {
	t.Parallel()
	owner, advisor, other, staff := newParty(1), newParty(2), newParty(6), newParty(3)
	advPub, _ := advisor.exchange(t)
	otherPub, _ := other.exchange(t)
	staffPub, _ := staff.exchange(t)
	iss := NewIssuer()

	parent, parentVK, err := iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: advPub, Scope: reportsOnly()})
	require.NoError(t, err)
	_, otherVK, err := iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: other.id, GranteePublicKey: otherPub, Scope: reportsOnly()})
	require.NoError(t, err)
	req := DelegateRequest{GranteeID: staff.id, GranteePublicKey: staffPub, Scope: reportsOnly()}

	for name, vk := range map[string][]byte{
		"arbitrary":     bytes.Repeat([]byte{9}, 32),
		"another grant": otherVK,
		"short":         parentVK[:16],
		"empty":         nil,
	} {
		_, _, err := iss.IssueDelegated(*parent, vk, req)
		require.ErrorIs(t, err, errs.ErrAccessDenied, name)
	}

	// after a rotation the old view-key no longer delegates
	newVK, err := DeriveViewKey(bytes.Repeat([]byte{8}, 32), parent.OwnerID, parent.GranteeID, parent.ExpiresAt, parent.ScopeHash)
	require.NoError(t, err)
	rk, err := iss.Rewrap(*parent, advPub, newVK, 2)
	require.NoError(t, err)
	rotated := *parent
	rotated.KeyVersion, rotated.EncryptedViewKey, rotated.ViewKeyCheck = rk.KeyVersion, rk.EncryptedViewKey, rk.ViewKeyCheck
	_, _, err = iss.IssueDelegated(rotated, parentVK, req)
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	_, _, err = iss.IssueDelegated(rotated, newVK, req)
	require.NoError(t, err)

	unchecked := *parent
	unchecked.ViewKeyCheck = nil
	_, _, err = iss.IssueDelegated(unchecked, parentVK, req)
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestRewrap_SameViewKeyNewVersion(t *testing.T) {
	t.Parallel()
	owner, advisor := newParty(1), newParty(2)
	pub, open := advisor.exchange(t)
	iss := NewIssuer()

	g, vk, err := iss.Issue(sharingKey(t, owner), Request{OwnerID: owner.id, GranteeID: advisor.id, GranteePublicKey: pub, Scope: reportsOnly()})
	require.NoError(t, err)

	rk, err := iss.Rewrap(*g, pub, vk, 2)
	require.NoError(t, err)
	require.Equal(t, g.ID, rk.GrantID)
	require.Equal(t, int64(2), rk.KeyVersion)
	require.Equal(t, g.ViewKeyCheck, rk.ViewKeyCheck)
	require.True(t, MatchesKey(*g, vk))
	require.NotEqual(t, g.EncryptedViewKey, rk.EncryptedViewKey)

	g.EncryptedViewKey = rk.EncryptedViewKey
	got, err := open(*g)
	require.NoError(t, err)
	require.Equal(t, vk, got)
}
