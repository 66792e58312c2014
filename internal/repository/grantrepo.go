// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/viewkeys/internal/model"
	"github.com/gofrs/uuid/v5"
)

// GrantRepository stores access grants. Scope and wrapped key material are
// written once; afterwards only status fields change, except inside a RekeyTx.
type GrantRepository interface {
	// Create inserts a new grant.
	Create(ctx context.Context, g *model.AccessGrant) error
	// Get loads a grant by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.AccessGrant, error)
	// ListByOwner returns the owner's grants with the given status ordered by depth, issued_at.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error)
	// ListByGrantee returns the grantee's grants with the given status ordered by issued_at.
	ListByGrantee(ctx context.Context, granteeID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error)
	// Revoke sets status=revoked once; repeated calls keep the first revoked_at.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time, mode model.RevokeMode) (*model.AccessGrant, error)
	// MarkExpired flips up to limit active grants with expires_at <= at to expired and returns them.
	MarkExpired(ctx context.Context, at time.Time, limit int) ([]model.AccessGrant, error)
	// BeginRekey opens an all-or-nothing re-key transaction for one owner.
	BeginRekey(ctx context.Context, ownerID uuid.UUID) (RekeyTx, error)
}

// RekeyTx stages a rotation. Nothing is visible to readers before Commit.
type RekeyTx interface {
	// Apply stages new key material for a batch of grants. Grants that left
	// the active state since the batch was planned are skipped; unknown ones
	// fail with ErrNotFound.
	Apply(ctx context.Context, batch []model.GrantRekey) error
	// CommitVersion stages rec as the active record and supersedes the previous active one.
	CommitVersion(ctx context.Context, rec model.DerivedKeyRecord) error
	// Commit makes every staged change visible atomically.
	Commit(ctx context.Context) error
	// Rollback discards every staged change.
	Rollback(ctx context.Context) error
}
