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

var (
	_ repository.KeyRecordRepository = (*KeyRepo)(nil)
	_ repository.OwnerRepository     = (*KeyRepo)(nil)
)

// KeyRepo implements KeyRecordRepository and OwnerRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key record repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

const insertKeyRecord = `
INSERT INTO key_records (owner_id, key_type, version, derivation_context, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

const keyCols = `owner_id, key_type, version, derivation_context, status, created_at`

func scanKeyRecord(row scanner) (model.DerivedKeyRecord, error) {
	var (
		rec    model.DerivedKeyRecord
		kt     string
		status string
	)
	if err := row.Scan(&rec.OwnerID, &kt, &rec.Version, &rec.DerivationContext, &status, &rec.CreatedAt); err != nil {
		return model.DerivedKeyRecord{}, err
	}
	rec.KeyType = model.KeyType(kt)
	rec.Status = model.KeyRecordStatus(status)
	return rec, nil
}

// Append inserts a key record.
func (r *KeyRepo) Append(ctx context.Context, rec model.DerivedKeyRecord) error {
	_, err := r.db.Pool.Exec(ctx, insertKeyRecord,
		rec.OwnerID, string(rec.KeyType), rec.Version, rec.DerivationContext, string(rec.Status), rec.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Current returns the highest active version of a key type.
func (r *KeyRepo) Current(ctx context.Context, ownerID uuid.UUID, t model.KeyType) (model.DerivedKeyRecord, error) {
	const q = `SELECT ` + keyCols + `
FROM key_records
WHERE owner_id=$1 AND key_type=$2 AND status='active'
ORDER BY version DESC
LIMIT 1`
	rec, err := scanKeyRecord(r.db.Pool.QueryRow(ctx, q, ownerID, string(t)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DerivedKeyRecord{}, errs.ErrNotFound
	}
	return rec, err
}

// List returns every version of a key type ascending.
func (r *KeyRepo) List(ctx context.Context, ownerID uuid.UUID, t model.KeyType) ([]model.DerivedKeyRecord, error) {
	const q = `SELECT ` + keyCols + `
FROM key_records
WHERE owner_id=$1 AND key_type=$2
ORDER BY version ASC`
	rows, err := r.db.Pool.Query(ctx, q, ownerID, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DerivedKeyRecord
	for rows.Next() {
		rec, err := scanKeyRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateOwner inserts an owner profile row.
func (r *KeyRepo) CreateOwner(ctx context.Context, p model.OwnerProfile) error {
	const q = `
INSERT INTO owners (owner_id, salt, fingerprint, created_at)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, p.OwnerID, p.Salt, p.Fingerprint, p.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetOwner selects an owner profile.
func (r *KeyRepo) GetOwner(ctx context.Context, ownerID uuid.UUID) (*model.OwnerProfile, error) {
	const q = `SELECT owner_id, salt, fingerprint, created_at FROM owners WHERE owner_id=$1`
	var p model.OwnerProfile
	if err := r.db.Pool.QueryRow(ctx, q, ownerID).Scan(&p.OwnerID, &p.Salt, &p.Fingerprint, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
