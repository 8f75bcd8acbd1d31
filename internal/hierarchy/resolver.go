package hierarchy

import (
	"context"

	"github.com/edu-gov/platform/internal/shared/types"
)

// Store is the data access the resolver needs. *Repository implements it;
// tests substitute an in-memory fake.
type Store interface {
	UserRole(ctx context.Context, userID types.ID) (Role, string, error)
	ActiveNodes(ctx context.Context, userID types.ID) (map[NodeKind][]types.ID, error)
}

// Resolver builds authorization profiles. It is stateless: every Resolve call
// re-reads current role and assignment state, so revocations take effect on
// the next request with no cache to invalidate.
type Resolver struct {
	store Store
}

// NewResolver creates a new resolver
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the profile for a user. An unknown user id yields a NotFound
// error which callers treat as deny-all.
func (r *Resolver) Resolve(ctx context.Context, userID types.ID) (*Profile, error) {
	role, username, err := r.store.UserRole(ctx, userID)
	if err != nil {
		return nil, err
	}

	profile := &Profile{
		UserID:   userID,
		Username: username,
		Role:     role,
		Nodes:    make(map[NodeKind]map[types.ID]struct{}),
	}

	// The top administrative role carries the global marker instead of
	// populated sets; scoped checks short-circuit on it.
	if role.IsGlobal() {
		profile.Global = true
		return profile, nil
	}

	nodes, err := r.store.ActiveNodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	for kind, ids := range nodes {
		set := make(map[types.ID]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		profile.Nodes[kind] = set
	}

	return profile, nil
}
