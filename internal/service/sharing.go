package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/audit"
	"github.com/and161185/viewkeys/internal/config"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/limiter"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/registry"
	"github.com/and161185/viewkeys/internal/repository"
	"github.com/and161185/viewkeys/internal/rotation"
	"github.com/and161185/viewkeys/internal/transport"
	"github.com/and161185/viewkeys/internal/viewkey"
)

// GrantRequest is what an owner asks IssueGrant for.
type GrantRequest struct {
	GranteeID uuid.UUID
	Scope     model.Scope
	ExpiresAt *time.Time
}

// PollResult carries the packages a grantee should install and when to ask
// again.
type PollResult struct {
	Packages      [][]byte
	NextPollAfter time.Time
}

// RevokeResult reports a revocation and, for hard revokes, the rotation it
// triggered.
type RevokeResult struct {
	Grant    *model.AccessGrant
	Changed  bool
	Rotation *model.RotationEvent
}

// Sharing is the daemon facade. Callers are identified by the party id
// carried in their access token; owner operations additionally need an
// unlocked secret reference.
type Sharing struct {
	vault     *Vault
	keys      *keyhierarchy.Manager
	issuer    *viewkey.Issuer
	registry  *registry.Registry
	rotation  *rotation.Coordinator
	audit     *audit.Log
	dir       repository.GranteeKeyRepository
	lim       limiter.Limiter
	metrics   *metrics.Metrics
	log       *zap.Logger
	pollEvery time.Duration
}

// SharingDeps groups the collaborators of Sharing.
type SharingDeps struct {
	Vault        *Vault
	Keys         *keyhierarchy.Manager
	Issuer       *viewkey.Issuer
	Registry     *registry.Registry
	Rotation     *rotation.Coordinator
	Audit        *audit.Log
	Directory    repository.GranteeKeyRepository
	Limiter      limiter.Limiter
	Metrics      *metrics.Metrics
	Log          *zap.Logger
	PollInterval time.Duration
}

// NewSharing constructs the facade. PollInterval is capped at
// config.GrantPropagationBound.
func NewSharing(d SharingDeps) *Sharing {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Issuer == nil {
		d.Issuer = viewkey.NewIssuer()
	}
	if d.PollInterval <= 0 || d.PollInterval > config.GrantPropagationBound {
		d.PollInterval = config.GrantPropagationBound
	}
	return &Sharing{
		vault: d.Vault, keys: d.Keys, issuer: d.Issuer, registry: d.Registry,
		rotation: d.Rotation, audit: d.Audit, dir: d.Directory, lim: d.Limiter,
		metrics: d.Metrics, log: d.Log, pollEvery: d.PollInterval,
	}
}

// Vault exposes the secret vault.
func (s *Sharing) Vault() *Vault { return s.vault }

// PublishExchangeKey stores a new version of the caller's exchange public key.
func (s *Sharing) PublishExchangeKey(ctx context.Context, partyID uuid.UUID, pub []byte) (model.GranteeKey, error) {
	if len(pub) != 32 {
		return model.GranteeKey{}, fmt.Errorf("%w: exchange key must be 32 bytes", errs.ErrInvalidArgument)
	}
	version := int64(1)
	cur, err := s.dir.GetGranteeKey(ctx, partyID)
	switch {
	case err == nil:
		version = cur.Version + 1
	case !errors.Is(err, errs.ErrNotFound):
		return model.GranteeKey{}, err
	}
	k := model.GranteeKey{GranteeID: partyID, PublicKey: append([]byte(nil), pub...), Version: version, CreatedAt: s.registry.Now()}
	if err := s.dir.PutGranteeKey(ctx, k); err != nil {
		return model.GranteeKey{}, err
	}
	return k, nil
}

func (s *Sharing) granteeKey(ctx context.Context, granteeID uuid.UUID) ([]byte, error) {
	k, err := s.dir.GetGranteeKey(ctx, granteeID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("%w: grantee %s has no published exchange key", errs.ErrInvalidArgument, granteeID)
	}
	if err != nil {
		return nil, err
	}
	return k.PublicKey, nil
}

// IssueGrant derives a view-key for the grantee from the owner's current
// sharing key. It waits for an in-flight rotation of the same owner.
func (s *Sharing) IssueGrant(ctx context.Context, ref string, req GrantRequest) (*model.AccessGrant, error) {
	owner, root, err := s.vault.Resolve(ref)
	if err != nil {
		return nil, err
	}
	defer clear(root)

	release := s.rotation.Shared(owner)
	defer release()

	sharing, err := s.keys.DeriveCurrent(ctx, root, owner, model.KeyTypeSharing)
	if err != nil {
		return nil, err
	}
	pub, err := s.granteeKey(ctx, req.GranteeID)
	if err != nil {
		return nil, err
	}
	g, vk, err := s.issuer.Issue(sharing, viewkey.Request{
		OwnerID: owner, GranteeID: req.GranteeID, GranteePublicKey: pub,
		Scope: req.Scope, ExpiresAt: req.ExpiresAt,
	})
	clear(vk)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Store(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DelegateGrant lets the holder of parentID issue a narrower grant to its
// own staff. parentViewKey is the caller's opened view-key of the parent.
func (s *Sharing) DelegateGrant(ctx context.Context, caller, parentID uuid.UUID, parentViewKey []byte, req GrantRequest) (*model.AccessGrant, error) {
	g, err := s.registry.Get(ctx, parentID)
	if err != nil {
		return nil, errs.Opaque(err)
	}
	release := s.rotation.Shared(g.OwnerID)
	defer release()

	parent, err := s.registry.Valid(ctx, parentID, caller, s.registry.Now())
	if err != nil {
		return nil, err
	}
	pub, err := s.granteeKey(ctx, req.GranteeID)
	if err != nil {
		return nil, err
	}
	child, vk, err := s.issuer.IssueDelegated(*parent, parentViewKey, viewkey.DelegateRequest{
		GranteeID: req.GranteeID, GranteePublicKey: pub, Scope: req.Scope, ExpiresAt: req.ExpiresAt,
	})
	clear(vk)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Store(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// PollGrants returns a transport package for every grant the caller can use
// now and the time to poll again. A revocation reaches the grantee no later
// than the advertised poll time.
func (s *Sharing) PollGrants(ctx context.Context, caller uuid.UUID) (PollResult, error) {
	now := s.registry.Now()
	grants, err := s.registry.ListForGrantee(ctx, caller, now)
	if err != nil {
		return PollResult{}, err
	}
	res := PollResult{Packages: make([][]byte, 0, len(grants)), NextPollAfter: now.Add(s.pollEvery)}
	perOwner := make(map[uuid.UUID]int)
	for _, g := range grants {
		pkg, err := transport.Pack(g)
		if err != nil {
			return PollResult{}, err
		}
		res.Packages = append(res.Packages, pkg)
		perOwner[g.OwnerID]++
	}
	for owner, n := range perOwner {
		s.record(ctx, model.AuditEvent{
			OwnerID: owner, Type: model.AuditGrantsPolled, ActorID: caller, Timestamp: now,
			Details: map[string]string{"grants": fmt.Sprint(n)},
		})
	}
	return res, nil
}

// Revoke revokes a grant as the owner or the grant's issuer. Any other
// caller gets errs.ErrAccessDenied, the same as for an unknown grant. A hard
// revoke then rotates the owner's sharing key, which needs the owner's secret
// to be unlocked; that is checked before anything changes. If the revocation
// took effect but the rotation could not start, the result is returned
// together with the rotation error, and revoking the grant again runs the
// rotation it is still owed.
func (s *Sharing) Revoke(ctx context.Context, caller, grantID uuid.UUID, mode model.RevokeMode) (RevokeResult, error) {
	cur, err := s.registry.Get(ctx, grantID)
	if err != nil {
		return RevokeResult{}, errs.Opaque(err)
	}
	if caller != cur.OwnerID && caller != cur.IssuerID {
		return RevokeResult{}, errs.ErrAccessDenied
	}
	rotate := mode == model.RevokeHard && cur.RevokedAt == nil
	if cur.RevokedAt != nil && cur.RevokeMode == model.RevokeHard {
		done, err := s.rotation.RotatedAfter(ctx, cur)
		if err != nil {
			return RevokeResult{}, err
		}
		rotate = !done
	}

	var root []byte
	if rotate {
		if root, err = s.vault.RootFor(cur.OwnerID); err != nil {
			return RevokeResult{}, err
		}
		defer clear(root)
	}

	g, changed, err := s.registry.Revoke(ctx, grantID, caller, mode)
	if err != nil {
		return RevokeResult{}, errs.Opaque(err)
	}
	res := RevokeResult{Grant: g, Changed: changed}
	if !rotate || g.RevokeMode != model.RevokeHard {
		return res, nil
	}
	ev, err := s.rotation.Rotate(ctx, root, g.OwnerID, model.ReasonHardRevoke)
	res.Rotation = ev
	return res, err
}

// Rotate runs a manual rotation of the owner's sharing key.
func (s *Sharing) Rotate(ctx context.Context, ref string, reason model.RotationReason) (*model.RotationEvent, error) {
	owner, root, err := s.vault.Resolve(ref)
	if err != nil {
		return nil, err
	}
	defer clear(root)
	if reason == "" {
		reason = model.ReasonManual
	}
	return s.rotation.Rotate(ctx, root, owner, reason)
}

// RotationHistory lists the owner's latest rotations.
func (s *Sharing) RotationHistory(ctx context.Context, ref string, limit int) ([]model.RotationEvent, error) {
	owner, root, err := s.vault.Resolve(ref)
	if err != nil {
		return nil, err
	}
	clear(root)
	return s.rotation.History(ctx, owner, limit)
}

// ListGrants lists the owner's grants with the given status.
func (s *Sharing) ListGrants(ctx context.Context, ref string, status model.GrantStatus) ([]model.AccessGrant, error) {
	owner, root, err := s.vault.Resolve(ref)
	if err != nil {
		return nil, err
	}
	clear(root)
	if status == "" {
		status = model.GrantActive
	}
	return s.registry.ListForOwner(ctx, owner, status)
}

// CheckAccess decides whether the caller may read item through grantID at
// at. Every denial looks the same from outside. Repeated denials from one
// (caller, peer) are throttled.
func (s *Sharing) CheckAccess(ctx context.Context, caller uuid.UUID, peer string, grantID uuid.UUID, item model.AccessItem, at time.Time) (model.Decision, error) {
	subject := limiterSubject("check", caller)
	peerHash := limiter.HashPeer(peer)
	allowed, _, err := s.lim.Allow(ctx, subject, peerHash)
	if err != nil {
		return model.Decision{}, err
	}
	if !allowed {
		return model.Decision{}, errs.ErrRateLimited
	}
	if at.IsZero() {
		at = s.registry.Now()
	}

	d, err := s.registry.CheckAccess(ctx, grantID, caller, item, at)
	if err != nil {
		return model.Decision{}, err
	}
	if d.Allowed {
		if err := s.lim.Success(ctx, subject, peerHash); err != nil {
			s.log.Warn("limiter reset failed", zap.String("caller", caller.String()), zap.Error(err))
		}
		return model.Decision{Allowed: true}, nil
	}
	blocked, _, err := s.lim.Failure(ctx, subject, peerHash)
	switch {
	case err != nil:
		s.log.Warn("limiter failure not recorded", zap.String("caller", caller.String()), zap.Error(err))
	case blocked:
		s.log.Warn("access checks throttled", zap.String("caller", caller.String()))
	}
	return model.Decision{Allowed: false, Reason: errs.ErrAccessDenied.Error()}, nil
}

// QueryAudit streams the caller's own audit trail; OwnerID in f is forced to
// the caller.
func (s *Sharing) QueryAudit(ctx context.Context, caller uuid.UUID, f model.AuditFilter) iter.Seq2[model.AuditEvent, error] {
	f.OwnerID = caller
	return s.audit.Query(ctx, f)
}

func (s *Sharing) record(ctx context.Context, ev model.AuditEvent) {
	if _, err := s.audit.Append(ctx, ev); err != nil {
		s.log.Error("audit append failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
