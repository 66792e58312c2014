// Package convert maps domain types to and from the Sharing wire messages.
package convert

import (
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/viewkeys/internal/api"
	model "github.com/and161185/viewkeys/internal/model"
)

// --- helpers ---

func idString(id *u.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// ParseID parses a required uuid field.
func ParseID(field, s string) (u.UUID, error) {
	id, err := u.FromString(s)
	if err != nil || id == u.Nil {
		return u.Nil, fmt.Errorf("invalid %s", field)
	}
	return id, nil
}

func parseOptionalID(field, s string) (u.UUID, error) {
	if s == "" {
		return u.Nil, nil
	}
	return ParseID(field, s)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// --- Scope ---

// ToScope converts a domain scope to the wire form.
func ToScope(s model.Scope) api.Scope {
	out := api.Scope{
		Permissions: make([]string, 0, len(s.Permissions)),
		DataClasses: make([]string, 0, len(s.DataClasses)),
		From:        s.TimeRange.From,
		To:          s.TimeRange.To,
	}
	for _, p := range s.Permissions {
		out.Permissions = append(out.Permissions, string(p))
	}
	for _, c := range s.DataClasses {
		out.DataClasses = append(out.DataClasses, string(c))
	}
	return out
}

// FromScope converts and validates a wire scope.
func FromScope(in api.Scope) (model.Scope, error) {
	perms := make([]model.Permission, 0, len(in.Permissions))
	for _, p := range in.Permissions {
		perms = append(perms, model.Permission(p))
	}
	classes := make([]model.DataClass, 0, len(in.DataClasses))
	for _, c := range in.DataClasses {
		classes = append(classes, model.DataClass(c))
	}
	s := model.NewScope(perms, classes, model.TimeRange{From: in.From, To: in.To})
	if err := s.Validate(); err != nil {
		return model.Scope{}, err
	}
	return s, nil
}

// --- Grants ---

// ToGrant converts grant metadata. The wrapped view-key is left out.
func ToGrant(g model.AccessGrant) api.Grant {
	return api.Grant{
		ID:            g.ID.String(),
		OwnerID:       g.OwnerID.String(),
		IssuerID:      g.IssuerID.String(),
		GranteeID:     g.GranteeID.String(),
		ParentGrantID: idString(g.ParentGrantID),
		Depth:         g.Depth,
		Scope:         ToScope(g.Scope),
		ScopeHash:     g.ScopeHash,
		KeyVersion:    g.KeyVersion,
		IssuedAt:      g.IssuedAt,
		ExpiresAt:     g.ExpiresAt,
		Status:        string(g.Status),
		RevokedAt:     g.RevokedAt,
		RevokeMode:    string(g.RevokeMode),
	}
}

// ToGrants converts a slice of grants.
func ToGrants(gs []model.AccessGrant) []api.Grant {
	out := make([]api.Grant, 0, len(gs))
	for _, g := range gs {
		out = append(out, ToGrant(g))
	}
	return out
}

// --- Rotations ---

// ToRotation converts a rotation event.
func ToRotation(ev model.RotationEvent) api.Rotation {
	ids := make([]string, 0, len(ev.AffectedGrantIDs))
	for _, id := range ev.AffectedGrantIDs {
		ids = append(ids, id.String())
	}
	return api.Rotation{
		ID:               ev.ID.String(),
		OwnerID:          ev.OwnerID.String(),
		Reason:           string(ev.Reason),
		OldVersion:       ev.OldVersion,
		NewVersion:       ev.NewVersion,
		AffectedGrantIDs: ids,
		BatchesTotal:     ev.BatchesTotal,
		BatchesDone:      ev.BatchesDone,
		StartedAt:        ev.StartedAt,
		CompletedAt:      ev.CompletedAt,
		ElapsedMillis:    ev.Elapsed.Milliseconds(),
		OverBudget:       ev.OverBudget,
		Outcome:          string(ev.Outcome),
		Failure:          ev.Failure,
	}
}

// ToRotations converts a slice of rotation events.
func ToRotations(evs []model.RotationEvent) []api.Rotation {
	out := make([]api.Rotation, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ToRotation(ev))
	}
	return out
}

// --- Access checks ---

// FromCheckAccess converts a check request into the grant id, the item and
// the check time. A missing time means now.
func FromCheckAccess(in *api.CheckAccessRequest) (u.UUID, model.AccessItem, time.Time, error) {
	if in == nil {
		return u.Nil, model.AccessItem{}, time.Time{}, fmt.Errorf("nil CheckAccessRequest")
	}
	id, err := ParseID("grant_id", in.GrantID)
	if err != nil {
		return u.Nil, model.AccessItem{}, time.Time{}, err
	}
	item := model.AccessItem{
		Permission: model.Permission(in.Permission),
		DataClass:  model.DataClass(in.DataClass),
		RecordTime: in.RecordTime,
	}
	return id, item, timeOrZero(in.At), nil
}

// --- Audit ---

// FromAuditRequest builds the filter for QueryAudit. The owner is always
// set by the server from the caller's identity.
func FromAuditRequest(in *api.AuditRequest) (model.AuditFilter, error) {
	if in == nil {
		return model.AuditFilter{}, nil
	}
	actor, err := parseOptionalID("actor_id", in.ActorID)
	if err != nil {
		return model.AuditFilter{}, err
	}
	subject, err := parseOptionalID("subject_grant_id", in.SubjectGrantID)
	if err != nil {
		return model.AuditFilter{}, err
	}
	f := model.AuditFilter{
		ActorID:        actor,
		SubjectGrantID: subject,
		MinSeverity:    model.Severity(in.MinSeverity),
		From:           timeOrZero(in.From),
		To:             timeOrZero(in.To),
		Limit:          in.Limit,
	}
	for _, t := range in.Types {
		f.Types = append(f.Types, model.AuditEventType(t))
	}
	return f, nil
}

// ToAuditEvent converts an opened audit event.
func ToAuditEvent(ev model.AuditEvent) *api.AuditEvent {
	return &api.AuditEvent{
		ID:             ev.ID.String(),
		OwnerID:        ev.OwnerID.String(),
		Type:           string(ev.Type),
		ActorID:        ev.ActorID.String(),
		SubjectGrantID: idString(ev.SubjectGrantID),
		Timestamp:      ev.Timestamp,
		Severity:       string(ev.Severity),
		Details:        ev.Details,
	}
}
