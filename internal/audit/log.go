// Package audit is the append-only log of grant and key lifecycle events.
//
// Index columns (owner, actor, grant, type, severity, timestamp) are stored in
// clear so the log can be filtered server-side; the free-form details are
// sealed with the audit key before they reach the repository.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

const (
	// DefaultRetention is how long events must be kept before Purge may drop them.
	DefaultRetention = 7 * 365 * 24 * time.Hour
	defaultPageSize  = 100
)

// Option configures a Log.
type Option func(*Log)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option { return func(l *Log) { l.retention = d } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithLogger sets the zap logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Log) { l.log = lg } }

// WithPageSize sets how many rows Query fetches per round trip.
func WithPageSize(n int) Option { return func(l *Log) { l.pageSize = n } }

// Log appends and queries audit events.
type Log struct {
	repo      repository.AuditRepository
	key       []byte
	retention time.Duration
	pageSize  int
	now       func() time.Time
	log       *zap.Logger
}

// New returns a Log sealing details with key, which must be 32 bytes.
func New(repo repository.AuditRepository, key []byte, opts ...Option) (*Log, error) {
	if len(key) != clientcrypto.KeyLen {
		return nil, fmt.Errorf("%w: audit key must be %d bytes", errs.ErrInvalidArgument, clientcrypto.KeyLen)
	}
	l := &Log{
		repo:      repo,
		key:       append([]byte(nil), key...),
		retention: DefaultRetention,
		pageSize:  defaultPageSize,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.pageSize <= 0 {
		l.pageSize = defaultPageSize
	}
	return l, nil
}

func aad(rec model.AuditRecord) []byte {
	out := make([]byte, 0, 32+len(rec.Type))
	out = append(out, rec.ID.Bytes()...)
	out = append(out, rec.OwnerID.Bytes()...)
	return append(out, rec.Type...)
}

// Append stamps ev with an id and timestamp when missing, seals its details
// and stores it. The stored event is returned.
func (l *Log) Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error) {
	if ev.OwnerID == uuid.Nil || ev.Type == "" {
		return model.AuditEvent{}, fmt.Errorf("%w: audit event needs owner and type", errs.ErrInvalidArgument)
	}
	if ev.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return model.AuditEvent{}, err
		}
		ev.ID = id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}

	rec := model.AuditRecord{
		ID:             ev.ID,
		OwnerID:        ev.OwnerID,
		Type:           ev.Type,
		ActorID:        ev.ActorID,
		SubjectGrantID: ev.SubjectGrantID,
		Timestamp:      ev.Timestamp,
		Severity:       ev.Severity,
	}
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return model.AuditEvent{}, fmt.Errorf("marshal audit details: %w", err)
		}
		sealed, err := clientcrypto.Seal(l.key, aad(rec), raw)
		if err != nil {
			return model.AuditEvent{}, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
		}
		rec.SealedDetails = sealed
	}
	if err := l.repo.Insert(ctx, rec); err != nil {
		return model.AuditEvent{}, err
	}
	l.log.Debug("audit appended",
		zap.String("type", string(ev.Type)),
		zap.String("owner", ev.OwnerID.String()),
		zap.String("severity", string(ev.Severity)))
	return ev, nil
}

func (l *Log) open(rec model.AuditRecord) (model.AuditEvent, error) {
	ev := model.AuditEvent{
		ID:             rec.ID,
		OwnerID:        rec.OwnerID,
		Type:           rec.Type,
		ActorID:        rec.ActorID,
		SubjectGrantID: rec.SubjectGrantID,
		Timestamp:      rec.Timestamp,
		Severity:       rec.Severity,
	}
	if len(rec.SealedDetails) == 0 {
		return ev, nil
	}
	raw, err := clientcrypto.Open(l.key, aad(rec), rec.SealedDetails)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("%w: audit %s: %v", errs.ErrEncryption, rec.ID, err)
	}
	if err := json.Unmarshal(raw, &ev.Details); err != nil {
		return model.AuditEvent{}, fmt.Errorf("unmarshal audit details: %w", err)
	}
	return ev, nil
}

// Query yields matching events newest first. Pages are fetched lazily as the
// caller ranges; breaking out of the loop stops fetching. An error is yielded
// once and ends the sequence.
func (l *Log) Query(ctx context.Context, f model.AuditFilter) iter.Seq2[model.AuditEvent, error] {
	return func(yield func(model.AuditEvent, error) bool) {
		var cursor *model.AuditCursor
		emitted := 0
		for {
			n := l.pageSize
			if f.Limit > 0 && f.Limit-emitted < n {
				n = f.Limit - emitted
			}
			page, err := l.repo.Page(ctx, f, cursor, n)
			if err != nil {
				yield(model.AuditEvent{}, err)
				return
			}
			for _, rec := range page {
				ev, err := l.open(rec)
				if err != nil {
					yield(model.AuditEvent{}, err)
					return
				}
				if !yield(ev, nil) {
					return
				}
				emitted++
			}
			if len(page) < n || (f.Limit > 0 && emitted >= f.Limit) {
				return
			}
			last := page[len(page)-1]
			cursor = &model.AuditCursor{Timestamp: last.Timestamp, ID: last.ID}
		}
	}
}

// Collect drains Query into a slice.
func (l *Log) Collect(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	var out []model.AuditEvent
	for ev, err := range l.Query(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Horizon is the newest instant Purge currently accepts.
func (l *Log) Horizon() time.Time { return l.now().Add(-l.retention).UTC() }

// Purge deletes whole events older than before. before must lie outside the
// retention window.
func (l *Log) Purge(ctx context.Context, before time.Time) (int64, error) {
	horizon := l.Horizon()
	if before.After(horizon) {
		return 0, fmt.Errorf("%w: %s is after %s", errs.ErrRetentionHorizon,
			before.UTC().Format(time.RFC3339), horizon.UTC().Format(time.RFC3339))
	}
	n, err := l.repo.PurgeBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	l.log.Info("audit purged", zap.Time("before", before), zap.Int64("rows", n))
	return n, nil
}
