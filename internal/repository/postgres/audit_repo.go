package postgres

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var _ repository.AuditRepository = (*AuditRepo)(nil)

// AuditRepo implements AuditRepository using PostgreSQL. The table has no
// UPDATE path; rows leave only through PurgeBefore.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

const auditCols = `id, owner_id, event_type, actor_id, subject_grant_id, ts, severity, sealed_details`

// Insert appends an audit row.
func (r *AuditRepo) Insert(ctx context.Context, rec model.AuditRecord) error {
	const q = `
INSERT INTO audit_events (` + auditCols + `, severity_rank)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.ID, rec.OwnerID, string(rec.Type), rec.ActorID, rec.SubjectGrantID, rec.Timestamp,
		string(rec.Severity), rec.SealedDetails, rec.Severity.Rank())
	return err
}

// pageQuery builds the filtered keyset query for Page.
func pageQuery(f model.AuditFilter, after *model.AuditCursor, n int) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.OwnerID != uuid.Nil {
		add("owner_id=?", f.OwnerID)
	}
	if f.ActorID != uuid.Nil {
		add("actor_id=?", f.ActorID)
	}
	if f.SubjectGrantID != uuid.Nil {
		add("subject_grant_id=?", f.SubjectGrantID)
	}
	if len(f.Types) > 0 {
		types := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			types = append(types, string(t))
		}
		add("event_type = ANY(?)", types)
	}
	if f.MinSeverity != "" {
		add("severity_rank >= ?", f.MinSeverity.Rank())
	}
	if !f.From.IsZero() {
		add("ts >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("ts < ?", f.To)
	}
	if after != nil {
		args = append(args, after.Timestamp, after.ID)
		where = append(where, "(ts, id) < ($"+strconv.Itoa(len(args)-1)+", $"+strconv.Itoa(len(args))+")")
	}

	var b strings.Builder
	b.WriteString("SELECT " + auditCols + " FROM audit_events")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts DESC, id DESC")
	if n > 0 {
		args = append(args, n)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

// Page returns up to n matching rows strictly after the cursor, newest first.
func (r *AuditRepo) Page(ctx context.Context, f model.AuditFilter, after *model.AuditCursor, n int) ([]model.AuditRecord, error) {
	q, args := pageQuery(f, after, n)
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var (
			rec      model.AuditRecord
			typ, sev string
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &typ, &rec.ActorID, &rec.SubjectGrantID,
			&rec.Timestamp, &sev, &rec.SealedDetails); err != nil {
			return nil, err
		}
		rec.Type = model.AuditEventType(typ)
		rec.Severity = model.Severity(sev)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeBefore deletes whole rows older than before.
func (r *AuditRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM audit_events WHERE ts < $1`
	tag, err := r.db.Pool.Exec(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
