package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var _ repository.GranteeKeyRepository = (*GranteeRepo)(nil)

// GranteeRepo implements GranteeKeyRepository using PostgreSQL.
type GranteeRepo struct{ db *DB }

// NewGranteeRepo constructs a grantee key directory.
func NewGranteeRepo(db *DB) *GranteeRepo { return &GranteeRepo{db: db} }

// PutGranteeKey inserts a new key version.
func (r *GranteeRepo) PutGranteeKey(ctx context.Context, k model.GranteeKey) error {
	const q = `
INSERT INTO grantee_keys (grantee_id, version, public_key, created_at)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, k.GranteeID, k.Version, k.PublicKey, k.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetGranteeKey selects the latest key version of a grantee.
func (r *GranteeRepo) GetGranteeKey(ctx context.Context, granteeID uuid.UUID) (*model.GranteeKey, error) {
	const q = `
SELECT grantee_id, version, public_key, created_at
FROM grantee_keys
WHERE grantee_id=$1
ORDER BY version DESC
LIMIT 1`
	var k model.GranteeKey
	if err := r.db.Pool.QueryRow(ctx, q, granteeID).Scan(&k.GranteeID, &k.Version, &k.PublicKey, &k.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}
