// Package rotation moves an owner's sharing key to a new version and re-keys
// every active grant in one all-or-nothing step.
//
// Only one rotation runs per owner. Grant issuance holds the owner's lock in
// shared mode and a rotation waits for in-flight issuances before it starts,
// so a grant is never issued against a key version that might still be
// rolled back. A running rotation is never cancelled; it either
// commits or rolls back.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
	"github.com/and161185/viewkeys/internal/viewkey"
)

const (
	DefaultBatchSize = 50
	DefaultBudget    = 30 * time.Second
	DefaultWorkers   = 8
)

// Directory resolves grantee exchange public keys.
type Directory interface {
	GetGranteeKey(ctx context.Context, granteeID uuid.UUID) (*model.GranteeKey, error)
}

// Auditor receives rotation lifecycle events.
type Auditor interface {
	Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error)
}

// Config tunes batching and the time budget.
type Config struct {
	BatchSize int
	Budget    time.Duration
	Workers   int
}

// Coordinator runs rotations.
type Coordinator struct {
	grants    repository.GrantRepository
	rotations repository.RotationRepository
	keys      *keyhierarchy.Manager
	dir       Directory
	issuer    *viewkey.Issuer
	audit     Auditor
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
	cfg       Config
	locks     *ownerLocks
}

type ownerLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*ownerLock
}

// ownerLock is held exclusively by a rotation and shared by issuance.
// rotating is set from the moment a rotation claims the owner, including
// while it waits for readers.
type ownerLock struct {
	sync.RWMutex
	rotating atomic.Bool
}

// Deps groups the collaborators of a Coordinator.
type Deps struct {
	Grants    repository.GrantRepository
	Rotations repository.RotationRepository
	Keys      *keyhierarchy.Manager
	Directory Directory
	Issuer    *viewkey.Issuer
	Audit     Auditor
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// New builds a Coordinator. Zero Config fields take the defaults.
func New(d Deps, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Issuer == nil {
		d.Issuer = viewkey.NewIssuer()
	}
	return &Coordinator{
		grants:    d.Grants,
		rotations: d.Rotations,
		keys:      d.Keys,
		dir:       d.Directory,
		issuer:    d.Issuer,
		audit:     d.Audit,
		metrics:   d.Metrics,
		log:       d.Log,
		now:       time.Now,
		cfg:       cfg,
		locks:     &ownerLocks{m: make(map[uuid.UUID]*ownerLock)},
	}
}

// WithClock returns a copy of the coordinator reading time from now. Locks
// are shared with the original.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	cp := *c
	cp.now = now
	return &cp
}

func (c *Coordinator) lockFor(ownerID uuid.UUID) *ownerLock {
	c.locks.mu.Lock()
	defer c.locks.mu.Unlock()
	l, ok := c.locks.m[ownerID]
	if !ok {
		l = &ownerLock{}
		c.locks.m[ownerID] = l
	}
	return l
}

// Shared takes the owner's lock in shared mode for grant issuance. It blocks
// while a rotation is running. Call the returned func to release.
func (c *Coordinator) Shared(ownerID uuid.UUID) (release func()) {
	l := c.lockFor(ownerID)
	l.RLock()
	return l.RUnlock
}

// Rotate moves the owner's sharing key from the current version to the next
// and re-keys every active grant. The returned event carries the outcome:
// a rolled-back rotation is reported through the event and the audit log,
// not through err. err is non-nil only when the rotation could not start,
// with errs.ErrConcurrentRotation if another one is running. In-flight grant
// issuance is waited for, not treated as a conflict.
func (c *Coordinator) Rotate(ctx context.Context, root []byte, ownerID uuid.UUID, reason model.RotationReason) (*model.RotationEvent, error) {
	l := c.lockFor(ownerID)
	if !l.rotating.CompareAndSwap(false, true) {
		return nil, errs.ErrConcurrentRotation
	}
	defer l.rotating.Store(false)
	l.Lock()
	defer l.Unlock()
	ctx = context.WithoutCancel(ctx)

	cur, err := c.keys.Current(ctx, ownerID, model.KeyTypeSharing)
	if err != nil {
		return nil, fmt.Errorf("current sharing key: %w", err)
	}
	next := c.keys.NextRecord(cur)
	newKey, err := keyhierarchy.Derive(root, model.KeyTypeSharing, next.Version)
	if err != nil {
		return nil, err
	}

	active, err := c.grants.ListByOwner(ctx, ownerID, model.GrantActive)
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}
	batches := c.plan(active)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	affected := make([]uuid.UUID, 0, len(active))
	for _, g := range active {
		affected = append(affected, g.ID)
	}
	started := c.now().UTC()
	ev := &model.RotationEvent{
		ID:               id,
		OwnerID:          ownerID,
		Reason:           reason,
		OldVersion:       cur.Version,
		NewVersion:       next.Version,
		AffectedGrantIDs: affected,
		BatchesTotal:     len(batches),
		StartedAt:        started,
		Outcome:          model.RotationInProgress,
	}
	if err := c.rotations.Start(ctx, ev); err != nil {
		return nil, fmt.Errorf("record rotation start: %w", err)
	}
	c.record(ctx, ev, model.AuditRotationStarted, model.SeverityInfo, map[string]string{
		"reason": string(reason),
		"grants": strconv.Itoa(len(active)),
	})
	c.log.Info("rotation started",
		zap.String("owner", ownerID.String()),
		zap.Int64("from", cur.Version),
		zap.Int64("to", next.Version),
		zap.Int("grants", len(active)),
		zap.Int("batches", len(batches)))

	runErr := c.run(ctx, ev, newKey, next, batches, started)
	return c.finish(ctx, ev, runErr, started)
}

// plan splits grants into batches that never mix delegation depths, so every
// parent is re-keyed in an earlier batch than its children.
func (c *Coordinator) plan(active []model.AccessGrant) [][]model.AccessGrant {
	var out [][]model.AccessGrant
	var cur []model.AccessGrant
	depth := -1
	for _, g := range active {
		if g.Depth != depth || len(cur) == c.cfg.BatchSize {
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
			depth = g.Depth
		}
		cur = append(cur, g)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (c *Coordinator) run(ctx context.Context, ev *model.RotationEvent, newKey keyhierarchy.DerivedKey, next model.DerivedKeyRecord, batches [][]model.AccessGrant, started time.Time) (err error) {
	tx, err := c.grants.BeginRekey(ctx, ev.OwnerID)
	if err != nil {
		return fmt.Errorf("begin rekey: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				c.log.Error("rekey rollback failed", zap.String("rotation", ev.ID.String()), zap.Error(rbErr))
			}
		}
	}()

	res := viewkey.NewResolver(newKey, ev.OwnerID, c.grants)
	for i, batch := range batches {
		rekeys, err := c.rekeyBatch(ctx, res, batch, newKey.Version)
		if err != nil {
			return fmt.Errorf("%w: batch %d: %v", errs.ErrPartialRotation, i+1, err)
		}
		if err := tx.Apply(ctx, rekeys); err != nil {
			return fmt.Errorf("%w: apply batch %d: %v", errs.ErrPartialRotation, i+1, err)
		}
		ev.BatchesDone = i + 1
		c.checkBudget(ctx, ev, started)
	}
	if err := tx.CommitVersion(ctx, next); err != nil {
		return fmt.Errorf("stage key version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rekey: %w", err)
	}
	return nil
}

func (c *Coordinator) rekeyBatch(ctx context.Context, res *viewkey.Resolver, batch []model.AccessGrant, version int64) ([]model.GrantRekey, error) {
	out := make([]model.GrantRekey, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, gr := range batch {
		g.Go(func() error {
			vk, err := res.ViewKey(gctx, gr)
			if err != nil {
				return fmt.Errorf("grant %s: %w", gr.ID, err)
			}
			pub, err := c.dir.GetGranteeKey(gctx, gr.GranteeID)
			if err != nil {
				return fmt.Errorf("grantee key for %s: %w", gr.ID, err)
			}
			rk, err := c.issuer.Rewrap(gr, pub.PublicKey, vk, version)
			if err != nil {
				return fmt.Errorf("grant %s: %w", gr.ID, err)
			}
			out[i] = rk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) checkBudget(ctx context.Context, ev *model.RotationEvent, started time.Time) {
	if ev.OverBudget || c.now().Sub(started) <= c.cfg.Budget {
		return
	}
	ev.OverBudget = true
	c.log.Warn("rotation over budget",
		zap.String("rotation", ev.ID.String()),
		zap.Duration("budget", c.cfg.Budget),
		zap.Int("batches_done", ev.BatchesDone),
		zap.Int("batches_total", ev.BatchesTotal))
	c.record(ctx, ev, model.AuditRotationOverBudget, model.SeverityWarning, map[string]string{
		"budget":        c.cfg.Budget.String(),
		"batches_done":  strconv.Itoa(ev.BatchesDone),
		"batches_total": strconv.Itoa(ev.BatchesTotal),
	})
}

func (c *Coordinator) finish(ctx context.Context, ev *model.RotationEvent, runErr error, started time.Time) (*model.RotationEvent, error) {
	done := c.now().UTC()
	ev.CompletedAt = &done
	ev.Elapsed = done.Sub(started)
	c.checkBudget(ctx, ev, started)

	if runErr == nil {
		ev.Outcome = model.RotationSuccess
		c.record(ctx, ev, model.AuditRotationCommitted, model.SeverityInfo, map[string]string{
			"elapsed": ev.Elapsed.String(),
		})
		c.log.Info("rotation committed",
			zap.String("rotation", ev.ID.String()),
			zap.Int64("version", ev.NewVersion),
			zap.Duration("elapsed", ev.Elapsed))
	} else {
		ev.Outcome = model.RotationRolledBack
		ev.Failure = runErr.Error()
		c.record(ctx, ev, model.AuditRotationRolledBack, model.SeverityCritical, map[string]string{
			"failure": ev.Failure,
		})
		c.log.Error("rotation rolled back",
			zap.String("rotation", ev.ID.String()),
			zap.Bool("partial", errors.Is(runErr, errs.ErrPartialRotation)),
			zap.Error(runErr))
	}
	c.metrics.ObserveRotation(string(ev.Outcome), ev.Elapsed, len(ev.AffectedGrantIDs), ev.OverBudget)

	if err := c.rotations.Finish(ctx, ev); err != nil {
		c.log.Error("record rotation outcome failed", zap.String("rotation", ev.ID.String()), zap.Error(err))
	}
	return ev, nil
}

func (c *Coordinator) record(ctx context.Context, ev *model.RotationEvent, typ model.AuditEventType, sev model.Severity, details map[string]string) {
	if c.audit == nil {
		return
	}
	details["rotation"] = ev.ID.String()
	details["from"] = strconv.FormatInt(ev.OldVersion, 10)
	details["to"] = strconv.FormatInt(ev.NewVersion, 10)
	_, err := c.audit.Append(ctx, model.AuditEvent{
		OwnerID: ev.OwnerID, Type: typ, ActorID: ev.OwnerID,
		Timestamp: c.now().UTC(), Severity: sev, Details: details,
	})
	if err != nil {
		c.log.Error("audit append failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// ViewKeyFor re-derives the current view-key of any of the owner's grants.
func (c *Coordinator) ViewKeyFor(ctx context.Context, root []byte, g model.AccessGrant) ([]byte, error) {
	sharing, err := keyhierarchy.Derive(root, model.KeyTypeSharing, g.KeyVersion)
	if err != nil {
		return nil, err
	}
	return viewkey.NewResolver(sharing, g.OwnerID, c.grants).ViewKey(ctx, g)
}

// History returns the owner's latest rotation events.
// coverageWindow bounds how many recent rotations RotatedAfter inspects.
const coverageWindow = 20

// RotatedAfter reports whether a committed rotation has re-keyed the owner's
// grants without g since g was revoked, leaving g's key material stale.
func (c *Coordinator) RotatedAfter(ctx context.Context, g *model.AccessGrant) (bool, error) {
	if g.RevokedAt == nil {
		return false, nil
	}
	evs, err := c.rotations.ListRotations(ctx, g.OwnerID, coverageWindow)
	if err != nil {
		return false, err
	}
	for _, ev := range evs {
		if ev.StartedAt.Before(*g.RevokedAt) {
			break
		}
		if ev.Outcome == model.RotationSuccess && !slices.Contains(ev.AffectedGrantIDs, g.ID) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) History(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.RotationEvent, error) {
	return c.rotations.ListRotations(ctx, ownerID, limit)
}
