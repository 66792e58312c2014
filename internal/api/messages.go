// Package api defines the viewkeys.v1.Sharing wire messages and the gRPC
// service description. Messages are protobuf-encoded by hand with protowire
// (see proto/viewkeys/v1/sharing.proto for field numbers); the json tags
// only shape CLI output.
package api

import (
	"maps"
	"slices"
	"time"
)

// Scope is the wire form of a grant scope.
type Scope struct {
	Permissions []string   `json:"permissions"`
	DataClasses []string   `json:"data_classes"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
}

func (m *Scope) appendWire(b []byte) []byte {
	b = appendStrings(b, 1, m.Permissions)
	b = appendStrings(b, 2, m.DataClasses)
	b = appendTimePtr(b, 3, m.From)
	return appendTimePtr(b, 4, m.To)
}

func (m *Scope) setField(f field) error {
	switch f.num {
	case 1:
		m.Permissions = append(m.Permissions, f.str())
	case 2:
		m.DataClasses = append(m.DataClasses, f.str())
	case 3:
		m.From = f.timePtr()
	case 4:
		m.To = f.timePtr()
	}
	return nil
}

// Grant is grant metadata. Wrapped view-keys only travel inside poll packages.
type Grant struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	IssuerID      string     `json:"issuer_id"`
	GranteeID     string     `json:"grantee_id"`
	ParentGrantID string     `json:"parent_grant_id,omitempty"`
	Depth         int        `json:"depth"`
	Scope         Scope      `json:"scope"`
	ScopeHash     []byte     `json:"scope_hash"`
	KeyVersion    int64      `json:"key_version"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Status        string     `json:"status"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeMode    string     `json:"revoke_mode,omitempty"`
}

func (m *Grant) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.OwnerID)
	b = appendString(b, 3, m.IssuerID)
	b = appendString(b, 4, m.GranteeID)
	b = appendString(b, 5, m.ParentGrantID)
	b = appendInt(b, 6, int64(m.Depth))
	b = appendMessage(b, 7, &m.Scope)
	b = appendBytes(b, 8, m.ScopeHash)
	b = appendInt(b, 9, m.KeyVersion)
	b = appendTime(b, 10, m.IssuedAt)
	b = appendTimePtr(b, 11, m.ExpiresAt)
	b = appendString(b, 12, m.Status)
	b = appendTimePtr(b, 13, m.RevokedAt)
	return appendString(b, 14, m.RevokeMode)
}

func (m *Grant) setField(f field) error {
	switch f.num {
	case 1:
		m.ID = f.str()
	case 2:
		m.OwnerID = f.str()
	case 3:
		m.IssuerID = f.str()
	case 4:
		m.GranteeID = f.str()
	case 5:
		m.ParentGrantID = f.str()
	case 6:
		m.Depth = f.int()
	case 7:
		return f.into(&m.Scope)
	case 8:
		m.ScopeHash = f.raw()
	case 9:
		m.KeyVersion = f.int64()
	case 10:
		m.IssuedAt = f.time()
	case 11:
		m.ExpiresAt = f.timePtr()
	case 12:
		m.Status = f.str()
	case 13:
		m.RevokedAt = f.timePtr()
	case 14:
		m.RevokeMode = f.str()
	}
	return nil
}

// Rotation is a rotation event.
type Rotation struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Reason           string     `json:"reason"`
	OldVersion       int64      `json:"old_version"`
	NewVersion       int64      `json:"new_version"`
	AffectedGrantIDs []string   `json:"affected_grant_ids"`
	BatchesTotal     int        `json:"batches_total"`
	BatchesDone      int        `json:"batches_done"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ElapsedMillis    int64      `json:"elapsed_ms"`
	OverBudget       bool       `json:"over_budget"`
	Outcome          string     `json:"outcome"`
	Failure          string     `json:"failure,omitempty"`
}

func (m *Rotation) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.OwnerID)
	b = appendString(b, 3, m.Reason)
	b = appendInt(b, 4, m.OldVersion)
	b = appendInt(b, 5, m.NewVersion)
	b = appendStrings(b, 6, m.AffectedGrantIDs)
	b = appendInt(b, 7, int64(m.BatchesTotal))
	b = appendInt(b, 8, int64(m.BatchesDone))
	b = appendTime(b, 9, m.StartedAt)
	b = appendTimePtr(b, 10, m.CompletedAt)
	b = appendInt(b, 11, m.ElapsedMillis)
	b = appendBool(b, 12, m.OverBudget)
	b = appendString(b, 13, m.Outcome)
	return appendString(b, 14, m.Failure)
}

func (m *Rotation) setField(f field) error {
	switch f.num {
	case 1:
		m.ID = f.str()
	case 2:
		m.OwnerID = f.str()
	case 3:
		m.Reason = f.str()
	case 4:
		m.OldVersion = f.int64()
	case 5:
		m.NewVersion = f.int64()
	case 6:
		m.AffectedGrantIDs = append(m.AffectedGrantIDs, f.str())
	case 7:
		m.BatchesTotal = f.int()
	case 8:
		m.BatchesDone = f.int()
	case 9:
		m.StartedAt = f.time()
	case 10:
		m.CompletedAt = f.timePtr()
	case 11:
		m.ElapsedMillis = f.int64()
	case 12:
		m.OverBudget = f.flag()
	case 13:
		m.Outcome = f.str()
	case 14:
		m.Failure = f.str()
	}
	return nil
}

// AuditEvent is one opened audit entry.
type AuditEvent struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Type           string            `json:"type"`
	ActorID        string            `json:"actor_id"`
	SubjectGrantID string            `json:"subject_grant_id,omitempty"`
	Timestamp      time.Time         `json:"ts"`
	Severity       string            `json:"severity"`
	Details        map[string]string `json:"details,omitempty"`
}

// detail is one entry of the Details map on the wire.
type detail struct{ key, value string }

func (m *detail) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.key)
	return appendString(b, 2, m.value)
}

func (m *detail) setField(f field) error {
	switch f.num {
	case 1:
		m.key = f.str()
	case 2:
		m.value = f.str()
	}
	return nil
}

func (m *AuditEvent) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.OwnerID)
	b = appendString(b, 3, m.Type)
	b = appendString(b, 4, m.ActorID)
	b = appendString(b, 5, m.SubjectGrantID)
	b = appendTime(b, 6, m.Timestamp)
	b = appendString(b, 7, m.Severity)
	for _, k := range slices.Sorted(maps.Keys(m.Details)) {
		b = appendMessage(b, 8, &detail{k, m.Details[k]})
	}
	return b
}

func (m *AuditEvent) setField(f field) error {
	switch f.num {
	case 1:
		m.ID = f.str()
	case 2:
		m.OwnerID = f.str()
	case 3:
		m.Type = f.str()
	case 4:
		m.ActorID = f.str()
	case 5:
		m.SubjectGrantID = f.str()
	case 6:
		m.Timestamp = f.time()
	case 7:
		m.Severity = f.str()
	case 8:
		var d detail
		if err := f.into(&d); err != nil {
			return err
		}
		if m.Details == nil {
			m.Details = make(map[string]string)
		}
		m.Details[d.key] = d.value
	}
	return nil
}

type Empty struct{}

func (*Empty) appendWire(b []byte) []byte { return b }
func (*Empty) setField(field) error       { return nil }

type EnrollRequest struct {
	PartyID    string `json:"party_id"`
	Passphrase []byte `json:"passphrase"`
}

func (m *EnrollRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.PartyID)
	return appendBytes(b, 2, m.Passphrase)
}

func (m *EnrollRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.PartyID = f.str()
	case 2:
		m.Passphrase = f.raw()
	}
	return nil
}

type EnrollResponse struct {
	PartyID   string    `json:"party_id"`
	Salt      []byte    `json:"salt"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *EnrollResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.PartyID)
	b = appendBytes(b, 2, m.Salt)
	return appendTime(b, 3, m.CreatedAt)
}

func (m *EnrollResponse) setField(f field) error {
	switch f.num {
	case 1:
		m.PartyID = f.str()
	case 2:
		m.Salt = f.raw()
	case 3:
		m.CreatedAt = f.time()
	}
	return nil
}

type UnlockRequest struct {
	PartyID    string `json:"party_id"`
	Passphrase []byte `json:"passphrase"`
}

func (m *UnlockRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.PartyID)
	return appendBytes(b, 2, m.Passphrase)
}

func (m *UnlockRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.PartyID = f.str()
	case 2:
		m.Passphrase = f.raw()
	}
	return nil
}

type UnlockResponse struct {
	SecretRef   string    `json:"secret_ref"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (m *UnlockResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.SecretRef)
	b = appendString(b, 2, m.AccessToken)
	return appendTime(b, 3, m.ExpiresAt)
}

func (m *UnlockResponse) setField(f field) error {
	switch f.num {
	case 1:
		m.SecretRef = f.str()
	case 2:
		m.AccessToken = f.str()
	case 3:
		m.ExpiresAt = f.time()
	}
	return nil
}

type LockRequest struct {
	SecretRef string `json:"secret_ref"`
}

func (m *LockRequest) appendWire(b []byte) []byte { return appendString(b, 1, m.SecretRef) }

func (m *LockRequest) setField(f field) error {
	if f.num == 1 {
		m.SecretRef = f.str()
	}
	return nil
}

type ChallengeRequest struct {
	PartyID string `json:"party_id"`
}

func (m *ChallengeRequest) appendWire(b []byte) []byte { return appendString(b, 1, m.PartyID) }

func (m *ChallengeRequest) setField(f field) error {
	if f.num == 1 {
		m.PartyID = f.str()
	}
	return nil
}

type ChallengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Sealed      []byte `json:"sealed"`
}

func (m *ChallengeResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ChallengeID)
	return appendBytes(b, 2, m.Sealed)
}

func (m *ChallengeResponse) setField(f field) error {
	switch f.num {
	case 1:
		m.ChallengeID = f.str()
	case 2:
		m.Sealed = f.raw()
	}
	return nil
}

type RedeemRequest struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       []byte `json:"nonce"`
}

func (m *RedeemRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ChallengeID)
	return appendBytes(b, 2, m.Nonce)
}

func (m *RedeemRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.ChallengeID = f.str()
	case 2:
		m.Nonce = f.raw()
	}
	return nil
}

type TokenResponse struct {
	PartyID     string    `json:"party_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (m *TokenResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.PartyID)
	b = appendString(b, 2, m.AccessToken)
	return appendTime(b, 3, m.ExpiresAt)
}

func (m *TokenResponse) setField(f field) error {
	switch f.num {
	case 1:
		m.PartyID = f.str()
	case 2:
		m.AccessToken = f.str()
	case 3:
		m.ExpiresAt = f.time()
	}
	return nil
}

type PublishKeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

func (m *PublishKeyRequest) appendWire(b []byte) []byte { return appendBytes(b, 1, m.PublicKey) }

func (m *PublishKeyRequest) setField(f field) error {
	if f.num == 1 {
		m.PublicKey = f.raw()
	}
	return nil
}

type PublishKeyResponse struct {
	Version int64 `json:"version"`
}

func (m *PublishKeyResponse) appendWire(b []byte) []byte { return appendInt(b, 1, m.Version) }

func (m *PublishKeyResponse) setField(f field) error {
	if f.num == 1 {
		m.Version = f.int64()
	}
	return nil
}

type IssueGrantRequest struct {
	SecretRef string     `json:"secret_ref"`
	GranteeID string     `json:"grantee_id"`
	Scope     Scope      `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (m *IssueGrantRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.SecretRef)
	b = appendString(b, 2, m.GranteeID)
	b = appendMessage(b, 3, &m.Scope)
	return appendTimePtr(b, 4, m.ExpiresAt)
}

func (m *IssueGrantRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.SecretRef = f.str()
	case 2:
		m.GranteeID = f.str()
	case 3:
		return f.into(&m.Scope)
	case 4:
		m.ExpiresAt = f.timePtr()
	}
	return nil
}

type DelegateGrantRequest struct {
	ParentGrantID string     `json:"parent_grant_id"`
	ParentViewKey []byte     `json:"parent_view_key"`
	GranteeID     string     `json:"grantee_id"`
	Scope         Scope      `json:"scope"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (m *DelegateGrantRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ParentGrantID)
	b = appendBytes(b, 2, m.ParentViewKey)
	b = appendString(b, 3, m.GranteeID)
	b = appendMessage(b, 4, &m.Scope)
	return appendTimePtr(b, 5, m.ExpiresAt)
}

func (m *DelegateGrantRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.ParentGrantID = f.str()
	case 2:
		m.ParentViewKey = f.raw()
	case 3:
		m.GranteeID = f.str()
	case 4:
		return f.into(&m.Scope)
	case 5:
		m.ExpiresAt = f.timePtr()
	}
	return nil
}

type GrantResponse struct {
	Grant Grant `json:"grant"`
}

func (m *GrantResponse) appendWire(b []byte) []byte { return appendMessage(b, 1, &m.Grant) }

func (m *GrantResponse) setField(f field) error {
	if f.num == 1 {
		return f.into(&m.Grant)
	}
	return nil
}

type PollResponse struct {
	Packages      [][]byte  `json:"packages"`
	NextPollAfter time.Time `json:"next_poll_after"`
}

func (m *PollResponse) appendWire(b []byte) []byte {
	for _, p := range m.Packages {
		b = appendMessage(b, 1, rawMessage(p))
	}
	return appendTime(b, 2, m.NextPollAfter)
}

func (m *PollResponse) setField(f field) error {
	switch f.num {
	case 1:
		m.Packages = append(m.Packages, f.raw())
	case 2:
		m.NextPollAfter = f.time()
	}
	return nil
}

// rawMessage is an already encoded message, written as is.
type rawMessage []byte

func (r rawMessage) appendWire(b []byte) []byte { return append(b, r...) }
func (rawMessage) setField(field) error         { return nil }

type RevokeRequest struct {
	GrantID string `json:"grant_id"`
	Mode    string `json:"mode"`
}

func (m *RevokeRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.GrantID)
	return appendString(b, 2, m.Mode)
}

func (m *RevokeRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.GrantID = f.str()
	case 2:
		m.Mode = f.str()
	}
	return nil
}

type RevokeResponse struct {
	Grant    Grant     `json:"grant"`
	Changed  bool      `json:"changed"`
	Rotation *Rotation `json:"rotation,omitempty"`
}

func (m *RevokeResponse) appendWire(b []byte) []byte {
	b = appendMessage(b, 1, &m.Grant)
	b = appendBool(b, 2, m.Changed)
	if m.Rotation != nil {
		b = appendMessage(b, 3, m.Rotation)
	}
	return b
}

func (m *RevokeResponse) setField(f field) error {
	switch f.num {
	case 1:
		return f.into(&m.Grant)
	case 2:
		m.Changed = f.flag()
	case 3:
		m.Rotation = new(Rotation)
		return f.into(m.Rotation)
	}
	return nil
}

type RotateRequest struct {
	SecretRef string `json:"secret_ref"`
	Reason    string `json:"reason,omitempty"`
}

func (m *RotateRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.SecretRef)
	return appendString(b, 2, m.Reason)
}

func (m *RotateRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.SecretRef = f.str()
	case 2:
		m.Reason = f.str()
	}
	return nil
}

type RotationResponse struct {
	Rotation Rotation `json:"rotation"`
}

func (m *RotationResponse) appendWire(b []byte) []byte { return appendMessage(b, 1, &m.Rotation) }

func (m *RotationResponse) setField(f field) error {
	if f.num == 1 {
		return f.into(&m.Rotation)
	}
	return nil
}

type HistoryRequest struct {
	SecretRef string `json:"secret_ref"`
	Limit     int    `json:"limit,omitempty"`
}

func (m *HistoryRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.SecretRef)
	return appendInt(b, 2, int64(m.Limit))
}

func (m *HistoryRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.SecretRef = f.str()
	case 2:
		m.Limit = f.int()
	}
	return nil
}

type HistoryResponse struct {
	Rotations []Rotation `json:"rotations"`
}

func (m *HistoryResponse) appendWire(b []byte) []byte {
	for i := range m.Rotations {
		b = appendMessage(b, 1, &m.Rotations[i])
	}
	return b
}

func (m *HistoryResponse) setField(f field) error {
	if f.num != 1 {
		return nil
	}
	var r Rotation
	if err := f.into(&r); err != nil {
		return err
	}
	m.Rotations = append(m.Rotations, r)
	return nil
}

type ListGrantsRequest struct {
	SecretRef string `json:"secret_ref"`
	Status    string `json:"status,omitempty"`
}

func (m *ListGrantsRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.SecretRef)
	return appendString(b, 2, m.Status)
}

func (m *ListGrantsRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.SecretRef = f.str()
	case 2:
		m.Status = f.str()
	}
	return nil
}

type ListGrantsResponse struct {
	Grants []Grant `json:"grants"`
}

func (m *ListGrantsResponse) appendWire(b []byte) []byte {
	for i := range m.Grants {
		b = appendMessage(b, 1, &m.Grants[i])
	}
	return b
}

func (m *ListGrantsResponse) setField(f field) error {
	if f.num != 1 {
		return nil
	}
	var g Grant
	if err := f.into(&g); err != nil {
		return err
	}
	m.Grants = append(m.Grants, g)
	return nil
}

type CheckAccessRequest struct {
	GrantID    string     `json:"grant_id"`
	Permission string     `json:"permission"`
	DataClass  string     `json:"data_class"`
	RecordTime *time.Time `json:"record_time,omitempty"`
	At         *time.Time `json:"at,omitempty"`
}

func (m *CheckAccessRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.GrantID)
	b = appendString(b, 2, m.Permission)
	b = appendString(b, 3, m.DataClass)
	b = appendTimePtr(b, 4, m.RecordTime)
	return appendTimePtr(b, 5, m.At)
}

func (m *CheckAccessRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.GrantID = f.str()
	case 2:
		m.Permission = f.str()
	case 3:
		m.DataClass = f.str()
	case 4:
		m.RecordTime = f.timePtr()
	case 5:
		m.At = f.timePtr()
	}
	return nil
}

type CheckAccessResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (m *CheckAccessResponse) appendWire(b []byte) []byte {
	b = appendBool(b, 1, m.Allowed)
	return appendString(b, 2, m.Reason)
}

func (m *CheckAccessResponse) setField(f field) error {
	switch f.num {
	case 1:
		m.Allowed = f.flag()
	case 2:
		m.Reason = f.str()
	}
	return nil
}

type AuditRequest struct {
	ActorID        string     `json:"actor_id,omitempty"`
	SubjectGrantID string     `json:"subject_grant_id,omitempty"`
	Types          []string   `json:"types,omitempty"`
	MinSeverity    string     `json:"min_severity,omitempty"`
	From           *time.Time `json:"from,omitempty"`
	To             *time.Time `json:"to,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

func (m *AuditRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ActorID)
	b = appendString(b, 2, m.SubjectGrantID)
	b = appendStrings(b, 3, m.Types)
	b = appendString(b, 4, m.MinSeverity)
	b = appendTimePtr(b, 5, m.From)
	b = appendTimePtr(b, 6, m.To)
	return appendInt(b, 7, int64(m.Limit))
}

func (m *AuditRequest) setField(f field) error {
	switch f.num {
	case 1:
		m.ActorID = f.str()
	case 2:
		m.SubjectGrantID = f.str()
	case 3:
		m.Types = append(m.Types, f.str())
	case 4:
		m.MinSeverity = f.str()
	case 5:
		m.From = f.timePtr()
	case 6:
		m.To = f.timePtr()
	case 7:
		m.Limit = f.int()
	}
	return nil
}
