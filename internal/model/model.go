// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// KeyType names a branch of the owner's key hierarchy.
type KeyType string

const (
	KeyTypeData     KeyType = "data"     // record data-encryption key
	KeyTypeSharing  KeyType = "sharing"  // root of all view-keys
	KeyTypeSync     KeyType = "sync"     // sync-layer transport key
	KeyTypeExchange KeyType = "exchange" // seed of the X25519 key pair grantees receive view-keys with
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeData, KeyTypeSharing, KeyTypeSync, KeyTypeExchange:
		return true
	}
	return false
}

// KeyRecordStatus is the lifecycle state of a DerivedKeyRecord.
type KeyRecordStatus string

const (
	KeyRecordActive     KeyRecordStatus = "active"
	KeyRecordSuperseded KeyRecordStatus = "superseded"
)

// DerivedKeyRecord describes one version of a derived key. It never carries key material.
type DerivedKeyRecord struct {
	OwnerID           uuid.UUID
	KeyType           KeyType
	Version           int64 // >= 1
	DerivationContext string
	Status            KeyRecordStatus
	CreatedAt         time.Time
}

// GrantStatus is the lifecycle state of an AccessGrant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// RevokeMode selects how far a revocation reaches.
type RevokeMode string

const (
	// RevokeSoft disables future checks; material already decrypted is unaffected.
	RevokeSoft RevokeMode = "soft"
	// RevokeHard additionally rotates the owner's sharing key.
	RevokeHard RevokeMode = "hard"
)

// Valid reports whether m is a known revoke mode.
func (m RevokeMode) Valid() bool { return m == RevokeSoft || m == RevokeHard }

// AccessGrant binds a wrapped view-key to its scope, grantee and validity window.
type AccessGrant struct {
	ID               uuid.UUID
	OwnerID          uuid.UUID  // data owner
	IssuerID         uuid.UUID  // owner, or the delegating grantee
	GranteeID        uuid.UUID
	ParentGrantID    *uuid.UUID // nil for grants issued by the owner
	Depth            int        // 0 for owner grants
	Scope            Scope
	ScopeHash        []byte
	KeyVersion       int64 // sharing key version the view-key derives from
	EncryptedViewKey []byte
	ViewKeyCheck     []byte // one-way check value of the current view-key
	IssuedAt         time.Time
	ExpiresAt        *time.Time
	Status           GrantStatus
	RevokedAt        *time.Time
	RevokeMode       RevokeMode
}

// IsDelegated reports whether the grant hangs off a parent grant.
func (g AccessGrant) IsDelegated() bool { return g.ParentGrantID != nil }

// GrantRekey is the re-wrapped key material for one grant produced by a rotation.
type GrantRekey struct {
	GrantID          uuid.UUID
	KeyVersion       int64
	EncryptedViewKey []byte
	ViewKeyCheck     []byte
}

// CheckResult is the registry verdict for a grant at a point in time.
type CheckResult string

const (
	CheckValid    CheckResult = "valid"
	CheckRevoked  CheckResult = "revoked"
	CheckExpired  CheckResult = "expired"
	CheckNotFound CheckResult = "not_found"
)

// AccessItem is the single thing a grantee asks to read.
type AccessItem struct {
	Permission Permission
	DataClass  DataClass
	RecordTime *time.Time // record date, checked against the scope time range
}

// Decision is the outcome of CheckAccess. Reason is internal; callers outside
// the core only ever see "not available".
type Decision struct {
	Allowed bool
	Reason  string
}

// RotationOutcome is the state of a RotationEvent.
type RotationOutcome string

const (
	RotationInProgress RotationOutcome = "in_progress"
	RotationSuccess    RotationOutcome = "success"
	RotationRolledBack RotationOutcome = "rolled_back"
)

// RotationReason records what triggered a rotation.
type RotationReason string

const (
	ReasonHardRevoke RotationReason = "hard_revoke"
	ReasonScheduled  RotationReason = "scheduled"
	ReasonManual     RotationReason = "manual"
)

// RotationEvent is the persisted record of one rotation attempt.
type RotationEvent struct {
	ID               uuid.UUID
	OwnerID          uuid.UUID
	Reason           RotationReason
	OldVersion       int64
	NewVersion       int64
	AffectedGrantIDs []uuid.UUID
	BatchesTotal     int
	BatchesDone      int
	StartedAt        time.Time
	CompletedAt      *time.Time
	Elapsed          time.Duration
	OverBudget       bool
	Outcome          RotationOutcome
	Failure          string
}

// AuditEventType names an audited transition.
type AuditEventType string

const (
	AuditGrantIssued        AuditEventType = "grant_issued"
	AuditGrantDelegated     AuditEventType = "grant_delegated"
	AuditGrantRevoked       AuditEventType = "grant_revoked"
	AuditGrantExpired       AuditEventType = "grant_expired"
	AuditAccessAllowed      AuditEventType = "access_allowed"
	AuditAccessDenied       AuditEventType = "access_denied"
	AuditGrantsPolled       AuditEventType = "grants_polled"
	AuditRotationStarted    AuditEventType = "rotation_started"
	AuditRotationCommitted  AuditEventType = "rotation_committed"
	AuditRotationRolledBack AuditEventType = "rotation_rolled_back"
	AuditRotationOverBudget AuditEventType = "rotation_over_budget"
	AuditSecretUnlocked     AuditEventType = "secret_unlocked"
	AuditRetentionPurge     AuditEventType = "retention_purge"
)

// Severity grades audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AuditEvent is one immutable audit log entry. Details are sealed at rest.
type AuditEvent struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	Type           AuditEventType
	ActorID        uuid.UUID
	SubjectGrantID *uuid.UUID
	Timestamp      time.Time
	Severity       Severity
	Details        map[string]string
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	OwnerID        uuid.UUID
	ActorID        uuid.UUID
	SubjectGrantID uuid.UUID
	Types          []AuditEventType
	MinSeverity    Severity
	From           time.Time // inclusive
	To             time.Time // exclusive
	Limit          int       // 0 = unbounded
}

// AuditCursor is a keyset position for descending audit pages.
type AuditCursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// GranteeKey is a grantee's published X25519 exchange public key.
type GranteeKey struct {
	GranteeID uuid.UUID
	PublicKey []byte
	Version   int64
	CreatedAt time.Time
}

// OwnerProfile holds what is needed to re-derive and verify an owner's root
// secret from a passphrase. It never holds the secret itself.
type OwnerProfile struct {
	OwnerID     uuid.UUID
	Salt        []byte // Argon2id salt
	Fingerprint []byte // crypto.Fingerprint(root)
	CreatedAt   time.Time
}

// AuditRecord is the at-rest form of an AuditEvent: index columns in clear,
// details sealed under the audit key.
type AuditRecord struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	Type           AuditEventType
	ActorID        uuid.UUID
	SubjectGrantID *uuid.UUID
	Timestamp      time.Time
	Severity       Severity
	SealedDetails  []byte
}
