package viewkey

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/model"
)

// GrantGetter loads grants by id.
type GrantGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*model.AccessGrant, error)
}

// Resolver re-derives the view-key of any grant of one owner, walking up the
// delegation chain as needed. Results are memoized; it is safe for
// concurrent use.
type Resolver struct {
	sharing keyhierarchy.DerivedKey
	owner   uuid.UUID
	grants  GrantGetter

	mu   sync.Mutex
	memo map[uuid.UUID][]byte
}

// NewResolver returns a resolver deriving from sharing for ownerID.
func NewResolver(sharing keyhierarchy.DerivedKey, ownerID uuid.UUID, grants GrantGetter) *Resolver {
	return &Resolver{sharing: sharing, owner: ownerID, grants: grants, memo: make(map[uuid.UUID][]byte)}
}

// ViewKey returns the view-key g would have under the resolver's sharing key.
func (r *Resolver) ViewKey(ctx context.Context, g model.AccessGrant) ([]byte, error) {
	return r.viewKey(ctx, g, MaxDelegationDepth+1)
}

func (r *Resolver) viewKey(ctx context.Context, g model.AccessGrant, budget int) ([]byte, error) {
	if g.OwnerID != r.owner {
		return nil, fmt.Errorf("%w: grant %s belongs to another owner", errs.ErrDerivation, g.ID)
	}
	r.mu.Lock()
	vk, ok := r.memo[g.ID]
	r.mu.Unlock()
	if ok {
		return vk, nil
	}
	if budget == 0 {
		return nil, fmt.Errorf("%w: delegation chain of %s too long", errs.ErrDerivation, g.ID)
	}

	base := r.sharing.Key
	if g.ParentGrantID != nil {
		parent, err := r.grants.Get(ctx, *g.ParentGrantID)
		if err != nil {
			return nil, fmt.Errorf("load parent of %s: %w", g.ID, err)
		}
		base, err = r.viewKey(ctx, *parent, budget-1)
		if err != nil {
			return nil, err
		}
	}
	vk, err := DeriveViewKey(base, g.OwnerID, g.GranteeID, g.ExpiresAt, g.ScopeHash)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.memo[g.ID] = vk
	r.mu.Unlock()
	return vk, nil
}

// Remember seeds the memo with a view-key derived elsewhere.
func (r *Resolver) Remember(grantID uuid.UUID, vk []byte) {
	r.mu.Lock()
	r.memo[grantID] = vk
	r.mu.Unlock()
}
