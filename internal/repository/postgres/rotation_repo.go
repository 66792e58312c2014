package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var _ repository.RotationRepository = (*RotationRepo)(nil)

// RotationRepo implements RotationRepository using PostgreSQL.
type RotationRepo struct{ db *DB }

// NewRotationRepo constructs a rotation event repository.
func NewRotationRepo(db *DB) *RotationRepo { return &RotationRepo{db: db} }

const rotationCols = `id, owner_id, reason, old_version, new_version, affected_grant_ids,
batches_total, batches_done, started_at, completed_at, elapsed_ms, over_budget, outcome, failure`

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func scanRotation(row scanner) (*model.RotationEvent, error) {
	var (
		ev        model.RotationEvent
		reason    string
		affected  []string
		elapsedMS int64
		outcome   string
	)
	err := row.Scan(&ev.ID, &ev.OwnerID, &reason, &ev.OldVersion, &ev.NewVersion, &affected,
		&ev.BatchesTotal, &ev.BatchesDone, &ev.StartedAt, &ev.CompletedAt, &elapsedMS, &ev.OverBudget, &outcome, &ev.Failure)
	if err != nil {
		return nil, err
	}
	ev.Reason = model.RotationReason(reason)
	ev.Outcome = model.RotationOutcome(outcome)
	ev.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	for _, s := range affected {
		id, err := uuid.FromString(s)
		if err != nil {
			return nil, err
		}
		ev.AffectedGrantIDs = append(ev.AffectedGrantIDs, id)
	}
	return &ev, nil
}

// Start inserts an in-progress rotation event.
func (r *RotationRepo) Start(ctx context.Context, ev *model.RotationEvent) error {
	const q = `
INSERT INTO rotation_events (` + rotationCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.db.Pool.Exec(ctx, q,
		ev.ID, ev.OwnerID, string(ev.Reason), ev.OldVersion, ev.NewVersion, idStrings(ev.AffectedGrantIDs),
		ev.BatchesTotal, ev.BatchesDone, ev.StartedAt, ev.CompletedAt, ev.Elapsed.Milliseconds(), ev.OverBudget,
		string(ev.Outcome), ev.Failure)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Finish records the outcome of an in-progress rotation exactly once.
func (r *RotationRepo) Finish(ctx context.Context, ev *model.RotationEvent) error {
	const q = `
UPDATE rotation_events
SET batches_done=$2, completed_at=$3, elapsed_ms=$4, over_budget=$5, outcome=$6, failure=$7
WHERE id=$1 AND outcome='in_progress'`
	tag, err := r.db.Pool.Exec(ctx, q,
		ev.ID, ev.BatchesDone, ev.CompletedAt, ev.Elapsed.Milliseconds(), ev.OverBudget, string(ev.Outcome), ev.Failure)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetRotation selects a rotation event by ID.
func (r *RotationRepo) GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationEvent, error) {
	const q = `SELECT ` + rotationCols + ` FROM rotation_events WHERE id=$1`
	ev, err := scanRotation(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return ev, err
}

// ListRotations returns the owner's latest rotation events first.
func (r *RotationRepo) ListRotations(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.RotationEvent, error) {
	const q = `SELECT ` + rotationCols + `
FROM rotation_events
WHERE owner_id=$1
ORDER BY started_at DESC
LIMIT $2`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RotationEvent
	for rows.Next() {
		ev, err := scanRotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
