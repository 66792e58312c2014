package postgres

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var _ repository.GrantRepository = (*GrantRepo)(nil)

// GrantRepo implements GrantRepository using PostgreSQL.
type GrantRepo struct{ db *DB }

// NewGrantRepo constructs a grant repository.
func NewGrantRepo(db *DB) *GrantRepo { return &GrantRepo{db: db} }

const grantCols = `id, owner_id, issuer_id, grantee_id, parent_grant_id, depth,
permissions, data_classes, scope_from, scope_to, scope_hash,
key_version, encrypted_view_key, issued_at, expires_at, status, revoked_at, revoke_mode,
view_key_check`

func scanGrant(row scanner) (*model.AccessGrant, error) {
	var (
		g       model.AccessGrant
		perms   []string
		classes []string
		status  string
		mode    string
	)
	err := row.Scan(&g.ID, &g.OwnerID, &g.IssuerID, &g.GranteeID, &g.ParentGrantID, &g.Depth,
		&perms, &classes, &g.Scope.TimeRange.From, &g.Scope.TimeRange.To, &g.ScopeHash,
		&g.KeyVersion, &g.EncryptedViewKey, &g.IssuedAt, &g.ExpiresAt, &status, &g.RevokedAt, &mode,
		&g.ViewKeyCheck)
	if err != nil {
		return nil, err
	}
	ps := make([]model.Permission, 0, len(perms))
	for _, p := range perms {
		ps = append(ps, model.Permission(p))
	}
	cs := make([]model.DataClass, 0, len(classes))
	for _, c := range classes {
		cs = append(cs, model.DataClass(c))
	}
	g.Scope = model.NewScope(ps, cs, g.Scope.TimeRange)
	g.Status = model.GrantStatus(status)
	g.RevokeMode = model.RevokeMode(mode)
	return &g, nil
}

func scopeArrays(s model.Scope) (perms, classes []string) {
	for _, p := range s.Permissions {
		perms = append(perms, string(p))
	}
	for _, c := range s.DataClasses {
		classes = append(classes, string(c))
	}
	return perms, classes
}

// Create inserts a new grant row.
func (r *GrantRepo) Create(ctx context.Context, g *model.AccessGrant) error {
	const q = `
INSERT INTO access_grants (` + grantCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
	perms, classes := scopeArrays(g.Scope)
	_, err := r.db.Pool.Exec(ctx, q,
		g.ID, g.OwnerID, g.IssuerID, g.GranteeID, g.ParentGrantID, g.Depth,
		perms, classes, g.Scope.TimeRange.From, g.Scope.TimeRange.To, g.ScopeHash,
		g.KeyVersion, g.EncryptedViewKey, g.IssuedAt, g.ExpiresAt, string(g.Status), g.RevokedAt, string(g.RevokeMode),
		g.ViewKeyCheck)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a grant by ID.
func (r *GrantRepo) Get(ctx context.Context, id uuid.UUID) (*model.AccessGrant, error) {
	const q = `SELECT ` + grantCols + ` FROM access_grants WHERE id=$1`
	g, err := scanGrant(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return g, err
}

func (r *GrantRepo) list(ctx context.Context, q string, args ...any) ([]model.AccessGrant, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// ListByOwner returns the owner's grants with the given status, parents first.
func (r *GrantRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error) {
	const q = `SELECT ` + grantCols + `
FROM access_grants
WHERE owner_id=$1 AND status=$2
ORDER BY depth ASC, issued_at ASC, id ASC`
	return r.list(ctx, q, ownerID, string(status))
}

// ListByGrantee returns the grantee's grants with the given status.
func (r *GrantRepo) ListByGrantee(ctx context.Context, granteeID uuid.UUID, status model.GrantStatus) ([]model.AccessGrant, error) {
	const q = `SELECT ` + grantCols + `
FROM access_grants
WHERE grantee_id=$1 AND status=$2
ORDER BY depth ASC, issued_at ASC, id ASC`
	return r.list(ctx, q, granteeID, string(status))
}

// Revoke stamps revoked_at once and returns the stored grant.
func (r *GrantRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time, mode model.RevokeMode) (*model.AccessGrant, error) {
	const q = `
UPDATE access_grants
SET status='revoked', revoked_at=$2, revoke_mode=$3
WHERE id=$1 AND revoked_at IS NULL`
	if _, err := r.db.Pool.Exec(ctx, q, id, at, string(mode)); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// MarkExpired flips lapsed active grants to expired.
func (r *GrantRepo) MarkExpired(ctx context.Context, at time.Time, limit int) ([]model.AccessGrant, error) {
	const q = `
UPDATE access_grants SET status='expired'
WHERE id IN (
  SELECT id FROM access_grants
  WHERE status='active' AND expires_at IS NOT NULL AND expires_at <= $1
  ORDER BY expires_at
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + grantCols
	if limit <= 0 {
		limit = math.MaxInt32
	}
	return r.list(ctx, q, at, limit)
}

// BeginRekey opens a serializable transaction holding the owner's advisory lock.
func (r *GrantRepo) BeginRekey(ctx context.Context, ownerID uuid.UUID) (repository.RekeyTx, error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	const lock = `SELECT pg_advisory_xact_lock(hashtext($1))`
	if _, err := tx.Exec(ctx, lock, ownerID.String()); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &rekeyTx{tx: tx, owner: ownerID}, nil
}

type rekeyTx struct {
	tx    pgx.Tx
	owner uuid.UUID
}

func (t *rekeyTx) Apply(ctx context.Context, batch []model.GrantRekey) error {
	const q = `
UPDATE access_grants SET key_version=$3, encrypted_view_key=$4, view_key_check=$5
WHERE id=$1 AND owner_id=$2 AND status='active'`
	for _, rk := range batch {
		tag, err := t.tx.Exec(ctx, q, rk.GrantID, t.owner, rk.KeyVersion, rk.EncryptedViewKey, rk.ViewKeyCheck)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			continue
		}
		// Revoked or expired after the rotation listed it: nothing to re-key.
		var status string
		err = t.tx.QueryRow(ctx, `SELECT status FROM access_grants WHERE id=$1 AND owner_id=$2`, rk.GrantID, t.owner).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *rekeyTx) CommitVersion(ctx context.Context, rec model.DerivedKeyRecord) error {
	const sup = `
UPDATE key_records SET status='superseded'
WHERE owner_id=$1 AND key_type=$2 AND status='active'`
	if _, err := t.tx.Exec(ctx, sup, rec.OwnerID, string(rec.KeyType)); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, insertKeyRecord,
		rec.OwnerID, string(rec.KeyType), rec.Version, rec.DerivationContext, string(rec.Status), rec.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (t *rekeyTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *rekeyTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
