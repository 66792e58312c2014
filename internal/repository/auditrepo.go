package repository

import (
	"context"
	"time"

	"github.com/and161185/viewkeys/internal/model"
)

// AuditRepository stores sealed audit rows. There is no update operation.
type AuditRepository interface {
	// Insert appends a row.
	Insert(ctx context.Context, rec model.AuditRecord) error
	// Page returns up to n rows matching f, ordered by (timestamp, id) descending,
	// strictly after the cursor when one is given.
	Page(ctx context.Context, f model.AuditFilter, after *model.AuditCursor, n int) ([]model.AuditRecord, error)
	// PurgeBefore deletes whole rows with timestamp < before.
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}
