// Package viewkey derives scoped, recipient-bound view-keys and packages them
// as AccessGrants.
//
// A view-key is never stored or sent in the clear. It is sealed to the
// grantee's X25519 exchange key with associated data binding the owner, the
// grantee, the scope hash and the grant id, so a captured ciphertext cannot be
// replayed against another grantee or scope. Everything here is pure CPU
// work; callers supply the grantee public key.
package viewkey

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/model"
)

// MaxDelegationDepth bounds owner → advisor → staff chains. Owner grants
// have depth 0.
const MaxDelegationDepth = 2

// Request describes a grant the owner wants to issue.
type Request struct {
	OwnerID          uuid.UUID
	GranteeID        uuid.UUID
	GranteePublicKey []byte
	Scope            model.Scope
	ExpiresAt        *time.Time
}

// DelegateRequest describes a grant a grantee issues to its own staff.
type DelegateRequest struct {
	GranteeID        uuid.UUID
	GranteePublicKey []byte
	Scope            model.Scope
	ExpiresAt        *time.Time
}

// Issuer builds grants. The zero value is not usable; call NewIssuer.
type Issuer struct {
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

// NewIssuer returns an issuer using the wall clock and random v4 ids.
func NewIssuer() *Issuer {
	return &Issuer{now: time.Now, newID: uuid.NewV4}
}

// WithClock returns a copy of the issuer reading time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	c := *i
	c.now = now
	return &c
}

func expiryLabel(exp *time.Time) string {
	if exp == nil {
		return "none"
	}
	return strconv.FormatInt(exp.UTC().Unix(), 10)
}

// DeriveViewKey runs the two-step derivation: a per-grantee key from base
// (context = grantee id + expiry), then the grant view-key from that
// (context = owner id + scope hash). base is the sharing key for owner grants
// and the parent view-key for delegated grants.
func DeriveViewKey(base []byte, ownerID, granteeID uuid.UUID, expiresAt *time.Time, scopeHash []byte) ([]byte, error) {
	if len(base) != clientcrypto.KeyLen {
		return nil, fmt.Errorf("%w: base key must be %d bytes", errs.ErrDerivation, clientcrypto.KeyLen)
	}
	if ownerID == uuid.Nil || granteeID == uuid.Nil || len(scopeHash) == 0 {
		return nil, fmt.Errorf("%w: empty owner, grantee or scope hash", errs.ErrDerivation)
	}
	perGrantee, err := clientcrypto.Expand(base, nil,
		[]byte("grantee:"+granteeID.String()+"|exp:"+expiryLabel(expiresAt)), clientcrypto.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDerivation, err)
	}
	vk, err := clientcrypto.Expand(perGrantee, nil,
		[]byte("grant:"+ownerID.String()+"|scope:"+hex.EncodeToString(scopeHash)), clientcrypto.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDerivation, err)
	}
	return vk, nil
}

// KeyCheck is the value stored with a grant to recognise its view-key. It is
// derived one way, so it reveals nothing about the key.
func KeyCheck(viewKey []byte, grantID uuid.UUID) ([]byte, error) {
	c, err := clientcrypto.Expand(viewKey, nil, []byte("check:"+grantID.String()), clientcrypto.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDerivation, err)
	}
	return c, nil
}

// MatchesKey reports whether viewKey is g's current view-key.
func MatchesKey(g model.AccessGrant, viewKey []byte) bool {
	if len(g.ViewKeyCheck) == 0 || len(viewKey) != clientcrypto.KeyLen {
		return false
	}
	c, err := KeyCheck(viewKey, g.ID)
	return err == nil && subtle.ConstantTimeCompare(c, g.ViewKeyCheck) == 1
}

// AAD is the associated data a grant's view-key is sealed with.
func AAD(g model.AccessGrant) []byte {
	out := make([]byte, 0, 16*3+len(g.ScopeHash))
	out = append(out, g.OwnerID.Bytes()...)
	out = append(out, g.GranteeID.Bytes()...)
	out = append(out, g.ScopeHash...)
	out = append(out, g.ID.Bytes()...)
	return out
}

func (i *Issuer) seal(g *model.AccessGrant, granteePub, viewKey []byte) error {
	check, err := KeyCheck(viewKey, g.ID)
	if err != nil {
		return err
	}
	ct, err := clientcrypto.SealTo(granteePub, AAD(*g), viewKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}
	g.EncryptedViewKey = ct
	g.ViewKeyCheck = check
	return nil
}

func (i *Issuer) validateWindow(exp *time.Time, now time.Time) error {
	if exp != nil && !exp.After(now) {
		return fmt.Errorf("%w: expiry in the past", errs.ErrInvalidArgument)
	}
	return nil
}

// Issue derives a view-key from the owner's sharing key and returns the grant
// together with the plaintext view-key, which the caller must not persist.
func (i *Issuer) Issue(sharing keyhierarchy.DerivedKey, req Request) (*model.AccessGrant, []byte, error) {
	if sharing.Type != model.KeyTypeSharing {
		return nil, nil, fmt.Errorf("%w: need a sharing key, got %q", errs.ErrDerivation, sharing.Type)
	}
	if req.OwnerID == uuid.Nil || req.GranteeID == uuid.Nil {
		return nil, nil, fmt.Errorf("%w: empty owner/grantee", errs.ErrInvalidArgument)
	}
	if req.OwnerID == req.GranteeID {
		return nil, nil, fmt.Errorf("%w: owner cannot grant to itself", errs.ErrInvalidArgument)
	}
	scope := model.NewScope(req.Scope.Permissions, req.Scope.DataClasses, req.Scope.TimeRange)
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}
	if !scope.SubsetOf(model.OwnerScope()) {
		return nil, nil, errs.ErrScopeViolation
	}
	now := i.now().UTC()
	if err := i.validateWindow(req.ExpiresAt, now); err != nil {
		return nil, nil, err
	}
	id, err := i.newID()
	if err != nil {
		return nil, nil, err
	}

	g := &model.AccessGrant{
		ID:         id,
		OwnerID:    req.OwnerID,
		IssuerID:   req.OwnerID,
		GranteeID:  req.GranteeID,
		Depth:      0,
		Scope:      scope,
		ScopeHash:  scope.Hash(),
		KeyVersion: sharing.Version,
		IssuedAt:   now,
		ExpiresAt:  utcPtr(req.ExpiresAt),
		Status:     model.GrantActive,
	}
	vk, err := DeriveViewKey(sharing.Key, g.OwnerID, g.GranteeID, g.ExpiresAt, g.ScopeHash)
	if err != nil {
		return nil, nil, err
	}
	if err := i.seal(g, req.GranteePublicKey, vk); err != nil {
		return nil, nil, err
	}
	return g, vk, nil
}

// IssueDelegated derives a child grant from parent using the parent's
// view-key, which must be the parent's current one. The child scope must lie
// inside the parent scope and the child must not outlive the parent.
func (i *Issuer) IssueDelegated(parent model.AccessGrant, parentViewKey []byte, req DelegateRequest) (*model.AccessGrant, []byte, error) {
	if parent.Status != model.GrantActive || !MatchesKey(parent, parentViewKey) {
		return nil, nil, errs.ErrAccessDenied
	}
	if parent.Depth+1 > MaxDelegationDepth {
		return nil, nil, errs.ErrDelegationDepth
	}
	if req.GranteeID == uuid.Nil || req.GranteeID == parent.GranteeID || req.GranteeID == parent.OwnerID {
		return nil, nil, fmt.Errorf("%w: bad delegate grantee", errs.ErrInvalidArgument)
	}
	scope := model.NewScope(req.Scope.Permissions, req.Scope.DataClasses, req.Scope.TimeRange)
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}
	if !scope.SubsetOf(parent.Scope) {
		return nil, nil, errs.ErrScopeViolation
	}
	if parent.ExpiresAt != nil && (req.ExpiresAt == nil || req.ExpiresAt.After(*parent.ExpiresAt)) {
		return nil, nil, errs.ErrScopeViolation
	}
	now := i.now().UTC()
	if err := i.validateWindow(req.ExpiresAt, now); err != nil {
		return nil, nil, err
	}
	id, err := i.newID()
	if err != nil {
		return nil, nil, err
	}

	parentID := parent.ID
	g := &model.AccessGrant{
		ID:            id,
		OwnerID:       parent.OwnerID,
		IssuerID:      parent.GranteeID,
		GranteeID:     req.GranteeID,
		ParentGrantID: &parentID,
		Depth:         parent.Depth + 1,
		Scope:         scope,
		ScopeHash:     scope.Hash(),
		KeyVersion:    parent.KeyVersion,
		IssuedAt:      now,
		ExpiresAt:     utcPtr(req.ExpiresAt),
		Status:        model.GrantActive,
	}
	vk, err := DeriveViewKey(parentViewKey, g.OwnerID, g.GranteeID, g.ExpiresAt, g.ScopeHash)
	if err != nil {
		return nil, nil, err
	}
	if err := i.seal(g, req.GranteePublicKey, vk); err != nil {
		return nil, nil, err
	}
	return g, vk, nil
}

// Rewrap seals viewKey for an existing grant under a new key version. Scope,
// grantee and id stay unchanged, so the AAD is identical.
func (i *Issuer) Rewrap(g model.AccessGrant, granteePub, viewKey []byte, version int64) (model.GrantRekey, error) {
	c := g
	if err := i.seal(&c, granteePub, viewKey); err != nil {
		return model.GrantRekey{}, err
	}
	return model.GrantRekey{GrantID: g.ID, KeyVersion: version, EncryptedViewKey: c.EncryptedViewKey, ViewKeyCheck: c.ViewKeyCheck}, nil
}

// Open recovers the view-key on the grantee device.
func Open(exchange clientcrypto.KeyPair, g model.AccessGrant) ([]byte, error) {
	vk, err := clientcrypto.OpenFrom(exchange, AAD(g), g.EncryptedViewKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}
	return vk, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
