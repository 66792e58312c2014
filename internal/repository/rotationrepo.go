package repository

import (
	"context"

	"github.com/and161185/viewkeys/internal/model"
	"github.com/gofrs/uuid/v5"
)

// RotationRepository stores rotation events. An event is written once as
// in_progress and finalised exactly once.
type RotationRepository interface {
	// Start inserts an in-progress event.
	Start(ctx context.Context, ev *model.RotationEvent) error
	// Finish stores the outcome; it fails with errs.ErrNotFound if the event is not in progress.
	Finish(ctx context.Context, ev *model.RotationEvent) error
	// GetRotation loads an event by ID.
	GetRotation(ctx context.Context, id uuid.UUID) (*model.RotationEvent, error)
	// ListRotations returns the owner's latest events first.
	ListRotations(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.RotationEvent, error)
}
