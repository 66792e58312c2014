// Package memory contains in-process implementations of the repository
// interfaces, used by tests and by the daemon's -store=memory mode.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var (
	_ repository.GrantRepository      = (*Store)(nil)
	_ repository.KeyRecordRepository  = (*Store)(nil)
	_ repository.OwnerRepository      = (*Store)(nil)
	_ repository.RotationRepository   = (*Store)(nil)
	_ repository.AuditRepository      = (*Store)(nil)
	_ repository.GranteeKeyRepository = (*Store)(nil)
)

type keyRecordID struct {
	owner uuid.UUID
	t     model.KeyType
}

// Store keeps every collection in maps guarded by one RWMutex.
type Store struct {
	mu        sync.RWMutex
	grants    map[uuid.UUID]model.AccessGrant
	records   map[keyRecordID][]model.DerivedKeyRecord
	owners    map[uuid.UUID]model.OwnerProfile
	rotations map[uuid.UUID]model.RotationEvent
	audit     []model.AuditRecord
	grantees  map[uuid.UUID][]model.GranteeKey
}

// New returns an empty store.
func New() *Store {
	return &Store{
		grants:    make(map[uuid.UUID]model.AccessGrant),
		records:   make(map[keyRecordID][]model.DerivedKeyRecord),
		owners:    make(map[uuid.UUID]model.OwnerProfile),
		rotations: make(map[uuid.UUID]model.RotationEvent),
		grantees:  make(map[uuid.UUID][]model.GranteeKey),
	}
}

func cloneGrant(g model.AccessGrant) model.AccessGrant {
	g.ScopeHash = slices.Clone(g.ScopeHash)
	g.EncryptedViewKey = slices.Clone(g.EncryptedViewKey)
	g.ViewKeyCheck = slices.Clone(g.ViewKeyCheck)
	g.Scope.Permissions = slices.Clone(g.Scope.Permissions)
	g.Scope.DataClasses = slices.Clone(g.Scope.DataClasses)
	return g
}

// --- grants ---

// Create inserts a new grant.
func (s *Store) Create(_ context.Context, g *model.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; ok {
		return errs.ErrAlreadyExists
	}
	s.grants[g.ID] = cloneGrant(*g)
	return nil
}

// Get loads a grant by ID.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*model.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := cloneGrant(g)
	return &c, nil
}

func (s *Store) list(match func(model.AccessGrant) bool) []model.AccessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AccessGrant
	for _, g := range s.grants {
		if match(g) {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ListByOwner returns the owner's grants with the given status.
func (s *Store) ListByOwner(_ context.Context, ownerID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error) {
	return s.list(func(g model.AccessGrant) bool { return g.OwnerID == ownerID && g.Status == status }), nil
}

// ListByGrantee returns the grantee's grants with the given status.
func (s *Store) ListByGrantee(_ context.Context, granteeID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error) {
	return s.list(func(g model.AccessGrant) bool { return g.GranteeID == granteeID && g.Status == status }), nil
}

// Revoke sets status=revoked once.
func (s *Store) Revoke(_ context.Context, id uuid.UUID, at time.Time, mode model.RevokeMode) (*model.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if g.RevokedAt == nil {
		at := at
		g.Status = model.GrantRevoked
		g.RevokedAt = &at
		g.RevokeMode = mode
		s.grants[id] = g
	}
	c := cloneGrant(g)
	return &c, nil
}

// MarkExpired flips lapsed active grants to expired.
func (s *Store) MarkExpired(_ context.Context, at time.Time, limit int) ([]model.AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AccessGrant
	for id, g := range s.grants {
		if limit > 0 && len(out) >= limit {
			break
		}
		if g.Status != model.GrantActive || g.ExpiresAt == nil || g.ExpiresAt.After(at) {
			continue
		}
		g.Status = model.GrantExpired
		s.grants[id] = g
		out = append(out, cloneGrant(g))
	}
	return out, nil
}

// BeginRekey opens a staged re-key transaction.
func (s *Store) BeginRekey(_ context.Context, ownerID uuid.UUID) (repository.RekeyTx, error) {
	return &rekeyTx{s: s, owner: ownerID, staged: make(map[uuid.UUID]model.GrantRekey)}, nil
}

type rekeyTx struct {
	s      *Store
	owner  uuid.UUID
	staged map[uuid.UUID]model.GrantRekey
	rec    *model.DerivedKeyRecord
	done   bool
}

func (t *rekeyTx) Apply(_ context.Context, batch []model.GrantRekey) error {
	if t.done {
		return errs.ErrInvalidArgument
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, rk := range batch {
		g, ok := t.s.grants[rk.GrantID]
		if !ok || g.OwnerID != t.owner {
			return errs.ErrNotFound
		}
		t.staged[rk.GrantID] = model.GrantRekey{
			GrantID:          rk.GrantID,
			KeyVersion:       rk.KeyVersion,
			EncryptedViewKey: slices.Clone(rk.EncryptedViewKey),
			ViewKeyCheck:     slices.Clone(rk.ViewKeyCheck),
		}
	}
	return nil
}

func (t *rekeyTx) CommitVersion(_ context.Context, rec model.DerivedKeyRecord) error {
	if t.done {
		return errs.ErrInvalidArgument
	}
	r := rec
	t.rec = &r
	return nil
}

func (t *rekeyTx) Commit(_ context.Context) error {
	if t.done {
		return errs.ErrInvalidArgument
	}
	t.done = true
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.rec != nil {
		id := keyRecordID{owner: t.rec.OwnerID, t: t.rec.KeyType}
		for _, r := range t.s.records[id] {
			if r.Version == t.rec.Version {
				return errs.ErrAlreadyExists
			}
		}
	}
	for id, rk := range t.staged {
		g := t.s.grants[id]
		if g.Status != model.GrantActive {
			continue
		}
		g.KeyVersion = rk.KeyVersion
		g.EncryptedViewKey = rk.EncryptedViewKey
		g.ViewKeyCheck = rk.ViewKeyCheck
		t.s.grants[id] = g
	}
	if t.rec != nil {
		id := keyRecordID{owner: t.rec.OwnerID, t: t.rec.KeyType}
		recs := t.s.records[id]
		for i := range recs {
			if recs[i].Status == model.KeyRecordActive {
				recs[i].Status = model.KeyRecordSuperseded
			}
		}
		t.s.records[id] = append(recs, *t.rec)
	}
	return nil
}

func (t *rekeyTx) Rollback(_ context.Context) error {
	t.done = true
	t.staged = nil
	t.rec = nil
	return nil
}

// --- key records ---

// Append inserts a key record.
func (s *Store) Append(_ context.Context, rec model.DerivedKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := keyRecordID{owner: rec.OwnerID, t: rec.KeyType}
	for _, r := range s.records[id] {
		if r.Version == rec.Version {
			return errs.ErrAlreadyExists
		}
	}
	s.records[id] = append(s.records[id], rec)
	return nil
}

// Current returns the highest active version.
func (s *Store) Current(_ context.Context, ownerID uuid.UUID, t model.KeyType) (model.DerivedKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.DerivedKeyRecord
	for _, r := range s.records[keyRecordID{owner: ownerID, t: t}] {
		if r.Status != model.KeyRecordActive {
			continue
		}
		if best == nil || r.Version > best.Version {
			r := r
			best = &r
		}
	}
	if best == nil {
		return model.DerivedKeyRecord{}, errs.ErrNotFound
	}
	return *best, nil
}

// List returns all versions ascending.
func (s *Store) List(_ context.Context, ownerID uuid.UUID, t model.KeyType) ([]model.DerivedKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.records[keyRecordID{owner: ownerID, t: t}])
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- owners ---

// CreateOwner inserts an owner profile.
func (s *Store) CreateOwner(_ context.Context, p model.OwnerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[p.OwnerID]; ok {
		return errs.ErrAlreadyExists
	}
	s.owners[p.OwnerID] = p
	return nil
}

// GetOwner loads an owner profile.
func (s *Store) GetOwner(_ context.Context, ownerID uuid.UUID) (*model.OwnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.owners[ownerID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &p, nil
}

// --- rotations ---

// Start inserts an in-progress rotation event.
func (s *Store) Start(_ context.Context, ev *model.RotationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rotations[ev.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *ev
	c.AffectedGrantIDs = slices.Clone(ev.AffectedGrantIDs)
	s.rotations[ev.ID] = c
	return nil
}

// Finish stores the outcome of an in-progress rotation.
func (s *Store) Finish(_ context.Context, ev *model.RotationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rotations[ev.ID]
	if !ok || cur.Outcome != model.RotationInProgress {
		return errs.ErrNotFound
	}
	c := *ev
	c.AffectedGrantIDs = slices.Clone(ev.AffectedGrantIDs)
	s.rotations[ev.ID] = c
	return nil
}

// GetRotation loads a rotation event.
func (s *Store) GetRotation(_ context.Context, id uuid.UUID) (*model.RotationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.rotations[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &ev, nil
}

// ListRotations returns an owner's rotation events, newest first.
func (s *Store) ListRotations(_ context.Context, ownerID uuid.UUID, limit int) ([]model.RotationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RotationEvent
	for _, ev := range s.rotations {
		if ev.OwnerID == ownerID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- audit ---

// Insert appends an audit row.
func (s *Store) Insert(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.SealedDetails = slices.Clone(rec.SealedDetails)
	s.audit = append(s.audit, rec)
	return nil
}

func auditLess(a, b model.AuditRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID.String() > b.ID.String()
}

func matches(rec model.AuditRecord, f model.AuditFilter) bool {
	if f.OwnerID != uuid.Nil && rec.OwnerID != f.OwnerID {
		return false
	}
	if f.ActorID != uuid.Nil && rec.ActorID != f.ActorID {
		return false
	}
	if f.SubjectGrantID != uuid.Nil && (rec.SubjectGrantID == nil || *rec.SubjectGrantID != f.SubjectGrantID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, rec.Type) {
		return false
	}
	if f.MinSeverity != "" && rec.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Page returns matching rows after the cursor, newest first.
func (s *Store) Page(_ context.Context, f model.AuditFilter, after *model.AuditCursor, n int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	all := slices.Clone(s.audit)
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return auditLess(all[i], all[j]) })
	var out []model.AuditRecord
	for _, rec := range all {
		if after != nil && !auditLess(rec, model.AuditRecord{Timestamp: after.Timestamp, ID: after.ID}) {
			continue
		}
		if !matches(rec, f) {
			continue
		}
		out = append(out, rec)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out, nil
}

// PurgeBefore deletes whole rows older than before.
func (s *Store) PurgeBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var n int64
	for _, rec := range s.audit {
		if rec.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.audit = kept
	return n, nil
}

// --- grantee keys ---

// PutGranteeKey publishes a grantee key version.
func (s *Store) PutGranteeKey(_ context.Context, k model.GranteeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.grantees[k.GranteeID] {
		if cur.Version == k.Version {
			return errs.ErrAlreadyExists
		}
	}
	k.PublicKey = slices.Clone(k.PublicKey)
	s.grantees[k.GranteeID] = append(s.grantees[k.GranteeID], k)
	return nil
}

// GetGranteeKey returns the latest grantee key.
func (s *Store) GetGranteeKey(_ context.Context, granteeID uuid.UUID) (*model.GranteeKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.grantees[granteeID]
	if len(keys) == 0 {
		return nil, errs.ErrNotFound
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if k.Version > best.Version {
			best = k
		}
	}
	return &best, nil
}
