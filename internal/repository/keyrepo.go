package repository

import (
	"context"

	"github.com/and161185/viewkeys/internal/model"
	"github.com/gofrs/uuid/v5"
)

// KeyRecordRepository is the append-only DerivedKeyRecord sequence keyed by
// (owner_id, key_type, version).
type KeyRecordRepository interface {
	// Append inserts a record; a duplicate (owner, type, version) yields errs.ErrAlreadyExists.
	Append(ctx context.Context, rec model.DerivedKeyRecord) error
	// Current returns the highest active version.
	Current(ctx context.Context, ownerID uuid.UUID, t model.KeyType) (model.DerivedKeyRecord, error)
	// List returns all versions ascending.
	List(ctx context.Context, ownerID uuid.UUID, t model.KeyType) ([]model.DerivedKeyRecord, error)
}

// OwnerRepository stores passphrase salts and root-secret verifiers.
type OwnerRepository interface {
	// CreateOwner inserts a profile; an existing one yields errs.ErrAlreadyExists.
	CreateOwner(ctx context.Context, p model.OwnerProfile) error
	// GetOwner loads a profile.
	GetOwner(ctx context.Context, ownerID uuid.UUID) (*model.OwnerProfile, error)
}
