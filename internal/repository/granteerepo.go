package repository

import (
	"context"

	"github.com/and161185/viewkeys/internal/model"
	"github.com/gofrs/uuid/v5"
)

// GranteeKeyRepository is the directory of grantee exchange public keys.
type GranteeKeyRepository interface {
	// PutGranteeKey publishes a key version; older versions are kept.
	PutGranteeKey(ctx context.Context, k model.GranteeKey) error
	// GetGranteeKey returns the latest key of a grantee.
	GetGranteeKey(ctx context.Context, granteeID uuid.UUID) (*model.GranteeKey, error)
}
