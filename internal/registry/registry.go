// Package registry is the authority on whether a grant is usable right now.
//
// Validity is evaluated lazily against the check time: a grant is revoked iff
// revoked_at <= at and expired iff expires_at <= at. The expiry sweeper only
// keeps the stored status tidy; it never decides access.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
	"github.com/and161185/viewkeys/internal/viewkey"
)

// Auditor receives lifecycle events.
type Auditor interface {
	Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error)
}

// Registry stores grants and answers access checks.
type Registry struct {
	grants  repository.GrantRepository
	audit   Auditor
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// New builds a Registry. m and log may be nil.
func New(grants repository.GrantRepository, audit Auditor, m *metrics.Metrics, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{grants: grants, audit: audit, metrics: m, log: log, now: time.Now}
}

// WithClock returns a copy reading time from now.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	c := *r
	c.now = now
	return &c
}

// Now is the registry clock.
func (r *Registry) Now() time.Time { return r.now().UTC() }

// Store persists a freshly issued grant and records the matching audit event.
func (r *Registry) Store(ctx context.Context, g *model.AccessGrant) error {
	if err := r.grants.Create(ctx, g); err != nil {
		return err
	}
	typ := model.AuditGrantIssued
	if g.IsDelegated() {
		typ = model.AuditGrantDelegated
	}
	details := map[string]string{
		"grantee": g.GranteeID.String(),
		"depth":   strconv.Itoa(g.Depth),
		"version": strconv.FormatInt(g.KeyVersion, 10),
	}
	if g.ExpiresAt != nil {
		details["expires_at"] = g.ExpiresAt.Format(time.RFC3339)
	}
	if g.ParentGrantID != nil {
		details["parent"] = g.ParentGrantID.String()
	}
	r.record(ctx, model.AuditEvent{
		OwnerID: g.OwnerID, Type: typ, ActorID: g.IssuerID, SubjectGrantID: &g.ID,
		Timestamp: g.IssuedAt, Details: details,
	})
	r.metrics.IncrementIssued(strconv.Itoa(g.Depth))
	return nil
}

// Get loads a grant.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*model.AccessGrant, error) {
	return r.grants.Get(ctx, id)
}

// Verdict evaluates g at time at without touching storage.
func Verdict(g model.AccessGrant, at time.Time) model.CheckResult {
	if g.RevokedAt != nil && !g.RevokedAt.After(at) {
		return model.CheckRevoked
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(at) {
		return model.CheckExpired
	}
	return model.CheckValid
}

// Check returns the verdict for a grant at time at.
func (r *Registry) Check(ctx context.Context, id uuid.UUID, at time.Time) (model.CheckResult, error) {
	g, err := r.grants.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return model.CheckNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return Verdict(*g, at), nil
}

// Revoke marks a grant revoked. Only the owner or the grant's issuer may do so;
// anyone else gets errs.ErrAccessDenied.
// Repeating the call is a no-op that returns the stored grant with changed=false;
// the first revoked_at and mode are kept.
func (r *Registry) Revoke(ctx context.Context, id, actorID uuid.UUID, mode model.RevokeMode) (g *model.AccessGrant, changed bool, err error) {
	if !mode.Valid() {
		return nil, false, fmt.Errorf("%w: revoke mode %q", errs.ErrInvalidArgument, mode)
	}
	cur, err := r.grants.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if actorID != cur.OwnerID && actorID != cur.IssuerID {
		return nil, false, errs.ErrAccessDenied
	}
	if cur.RevokedAt != nil {
		return cur, false, nil
	}
	at := r.Now()
	g, err = r.grants.Revoke(ctx, id, at, mode)
	if err != nil {
		return nil, false, err
	}
	changed = g.RevokedAt != nil && g.RevokedAt.Equal(at)
	if !changed {
		return g, false, nil
	}

	sev := model.SeverityInfo
	if g.RevokeMode == model.RevokeHard {
		sev = model.SeverityWarning
	}
	r.record(ctx, model.AuditEvent{
		OwnerID: g.OwnerID, Type: model.AuditGrantRevoked, ActorID: actorID, SubjectGrantID: &g.ID,
		Timestamp: at, Severity: sev, Details: map[string]string{"mode": string(g.RevokeMode)},
	})
	r.metrics.IncrementRevoked(string(g.RevokeMode))
	r.log.Info("grant revoked",
		zap.String("grant", g.ID.String()),
		zap.String("owner", g.OwnerID.String()),
		zap.String("mode", string(g.RevokeMode)))
	return g, true, nil
}

// CheckAccess decides whether grantee may access item through grant id at
// time at. The whole delegation chain must be valid at at, and every scope
// must sit inside its parent's. The decision is audited; Reason is for the
// audit trail only.
func (r *Registry) CheckAccess(ctx context.Context, id, granteeID uuid.UUID, item model.AccessItem, at time.Time) (model.Decision, error) {
	d, g, err := r.decide(ctx, id, granteeID, item, at)
	if err != nil {
		return model.Decision{}, err
	}

	ev := model.AuditEvent{
		ActorID: granteeID, SubjectGrantID: &id, Timestamp: r.Now(),
		Details: map[string]string{
			"permission": string(item.Permission),
			"class":      string(item.DataClass),
		},
	}
	if g != nil {
		ev.OwnerID = g.OwnerID
	}
	if d.Allowed {
		ev.Type = model.AuditAccessAllowed
	} else {
		ev.Type, ev.Severity = model.AuditAccessDenied, model.SeverityWarning
		ev.Details["reason"] = d.Reason
	}
	if ev.OwnerID != uuid.Nil {
		r.record(ctx, ev)
	}
	r.metrics.IncrementDecision(d.Allowed)
	return d, nil
}

func deny(reason string) model.Decision { return model.Decision{Allowed: false, Reason: reason} }

func (r *Registry) decide(ctx context.Context, id, granteeID uuid.UUID, item model.AccessItem, at time.Time) (model.Decision, *model.AccessGrant, error) {
	leaf, err := r.grants.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return deny("not_found"), nil, nil
	}
	if err != nil {
		return model.Decision{}, nil, err
	}
	if leaf.GranteeID != granteeID {
		return deny("grantee_mismatch"), leaf, nil
	}
	if !leaf.Scope.Allows(item) {
		return deny("out_of_scope"), leaf, nil
	}

	reason, err := r.walkChain(ctx, *leaf, at)
	if err != nil {
		return model.Decision{}, nil, err
	}
	if reason != "" {
		return deny(reason), leaf, nil
	}
	return model.Decision{Allowed: true, Reason: "valid"}, leaf, nil
}

// walkChain returns "" if leaf and every ancestor are valid at at and each
// scope sits inside its parent's; otherwise the denial reason.
func (r *Registry) walkChain(ctx context.Context, leaf model.AccessGrant, at time.Time) (string, error) {
	cur := &leaf
	for steps := 0; ; steps++ {
		if v := Verdict(*cur, at); v != model.CheckValid {
			if cur.ID == leaf.ID {
				return string(v), nil
			}
			return "ancestor_" + string(v), nil
		}
		if cur.ParentGrantID == nil {
			if cur.Depth != 0 {
				return "broken_chain", nil
			}
			return "", nil
		}
		if steps >= viewkey.MaxDelegationDepth {
			return "broken_chain", nil
		}
		parent, err := r.grants.Get(ctx, *cur.ParentGrantID)
		if errors.Is(err, errs.ErrNotFound) {
			return "broken_chain", nil
		}
		if err != nil {
			return "", err
		}
		if parent.OwnerID != cur.OwnerID || parent.Depth != cur.Depth-1 || parent.GranteeID != cur.IssuerID {
			return "broken_chain", nil
		}
		if !cur.Scope.SubsetOf(parent.Scope) {
			return "scope_escalation", nil
		}
		cur = parent
	}
}

// Valid returns the grant if the whole chain is valid at at. Any failure
// collapses to errs.ErrAccessDenied.
func (r *Registry) Valid(ctx context.Context, id, granteeID uuid.UUID, at time.Time) (*model.AccessGrant, error) {
	leaf, err := r.grants.Get(ctx, id)
	if err != nil {
		return nil, errs.Opaque(err)
	}
	if leaf.GranteeID != granteeID {
		return nil, errs.ErrAccessDenied
	}
	reason, err := r.walkChain(ctx, *leaf, at)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, errs.ErrAccessDenied
	}
	return leaf, nil
}

// ListForGrantee returns the grantee's grants whose chain is valid at at.
func (r *Registry) ListForGrantee(ctx context.Context, granteeID uuid.UUID, at time.Time) ([]model.AccessGrant, error) {
	active, err := r.grants.ListByGrantee(ctx, granteeID, model.GrantActive)
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessGrant, 0, len(active))
	for _, g := range active {
		if _, err := r.Valid(ctx, g.ID, granteeID, at); err != nil {
			if errors.Is(err, errs.ErrAccessDenied) {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// ListForOwner returns the owner's grants with the given status.
func (r *Registry) ListForOwner(ctx context.Context, ownerID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error) {
	return r.grants.ListByOwner(ctx, ownerID, status)
}

// SweepExpired marks up to limit lapsed grants as expired and audits each one.
func (r *Registry) SweepExpired(ctx context.Context, limit int) (int, error) {
	at := r.Now()
	expired, err := r.grants.MarkExpired(ctx, at, limit)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		g := expired[i]
		r.record(ctx, model.AuditEvent{
			OwnerID: g.OwnerID, Type: model.AuditGrantExpired, ActorID: g.OwnerID,
			SubjectGrantID: &g.ID, Timestamp: at,
		})
	}
	r.metrics.AddExpired(len(expired))
	return len(expired), nil
}

func (r *Registry) record(ctx context.Context, ev model.AuditEvent) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, ev); err != nil {
		r.log.Error("audit append failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
