package scope

import (
	"context"

	"github.com/edu-gov/platform/internal/hierarchy"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/metrics"
	"github.com/edu-gov/platform/internal/shared/types"
)

// ProfileResolver resolves a user's authorization profile.
type ProfileResolver interface {
	Resolve(ctx context.Context, userID types.ID) (*hierarchy.Profile, error)
}

// PermissionStore reads the permission matrix.
type PermissionStore interface {
	Permissions(ctx context.Context, role, dataType string) ([]Permission, error)
}

// OwnerResolver resolves the owning nodes of one record.
type OwnerResolver interface {
	OwnerNodes(ctx context.Context, dataType string, recordID types.ID) (map[hierarchy.NodeKind]types.ID, error)
}

// Engine answers "can user U do action A on data type D for resource R" and
// builds listing filters that never diverge from those answers. It holds no
// per-request state and no permission cache: a revoked grant is gone on the
// next call.
type Engine struct {
	resolver ProfileResolver
	perms    PermissionStore
	owners   OwnerResolver
	registry *Registry
}

// NewEngine creates a new decision engine
func NewEngine(resolver ProfileResolver, perms PermissionStore, owners OwnerResolver, registry *Registry) *Engine {
	return &Engine{resolver: resolver, perms: perms, owners: owners, registry: registry}
}

// CanAccess evaluates the access decision. resourceID may be nil for
// listing-level checks; record narrowing is then the filter builder's job.
// The decision is deny by default: no matrix row, unknown user, or an
// unresolvable owner all come out false.
func (e *Engine) CanAccess(ctx context.Context, userID types.ID, dataType string, action Action, resourceID *types.ID) (bool, error) {
	allowed, err := e.canAccess(ctx, userID, dataType, action, resourceID)
	if err == nil {
		metrics.RecordAccessDecision(dataType, string(action), allowed)
	}
	return allowed, err
}

func (e *Engine) canAccess(ctx context.Context, userID types.ID, dataType string, action Action, resourceID *types.ID) (bool, error) {
	profile, err := e.resolver.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if profile.Global {
		return true, nil
	}

	perms, err := e.perms.Permissions(ctx, profile.Role.Name, dataType)
	if err != nil {
		return false, err
	}
	if len(perms) == 0 {
		return false, nil
	}

	// Owning nodes are looked up at most once, and only when a scoped row
	// needs them.
	var owners map[hierarchy.NodeKind]types.ID
	ownersResolved := false

	for _, p := range perms {
		if !p.Allows(action) {
			continue
		}

		switch p.Level {
		case LevelGlobal:
			// Only the global administrator satisfies this, handled above.
			continue

		case LevelSelf:
			// A user may always act on data that is inherently theirs;
			// record narrowing happens in the filter builder.
			return true, nil

		default:
			kind, ok := p.Level.NodeKind()
			if !ok {
				continue
			}
			if resourceID == nil {
				// Listing-level permission; filtering happens separately.
				return true, nil
			}
			if !ownersResolved {
				owners, err = e.owners.OwnerNodes(ctx, dataType, *resourceID)
				ownersResolved = true
				if err != nil {
					if errors.Is(err, errors.ErrNotFound) {
						// Unknown record or unmapped type: fail closed.
						owners = nil
						err = nil
					} else {
						return false, err
					}
				}
			}
			ownerID, ok := owners[kind]
			if !ok {
				continue
			}
			if profile.HasNode(kind, ownerID) {
				return true, nil
			}
		}
	}

	return false, nil
}

// BuildFilter produces the listing predicate for a user over a data type. It
// is kept in lock-step with CanAccess: any record the predicate matches is
// one CanAccess would permit for view.
func (e *Engine) BuildFilter(ctx context.Context, userID types.ID, dataType string) (Predicate, error) {
	profile, err := e.resolver.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return Never{}, nil
		}
		return nil, err
	}

	if profile.Global {
		return Always{}, nil
	}

	d, ok := e.registry.Get(dataType)
	if !ok {
		return Never{}, nil
	}

	perms, err := e.perms.Permissions(ctx, profile.Role.Name, dataType)
	if err != nil {
		return nil, err
	}

	var clauses []Predicate
	for _, p := range perms {
		if !p.CanView {
			continue
		}

		switch p.Level {
		case LevelGlobal:
			continue

		case LevelSelf:
			if d.SelfColumn != "" {
				clauses = append(clauses, Eq{Column: d.SelfColumn, Value: profile.UserID.String()})
			} else if d.CreatedByColumn != "" {
				clauses = append(clauses, Eq{Column: d.CreatedByColumn, Value: profile.UserID.String()})
			}

		default:
			kind, ok := p.Level.NodeKind()
			if !ok {
				continue
			}
			ids := profile.NodeIDs(kind)
			if len(ids) == 0 {
				continue
			}
			if col, ok := d.NodeColumns[kind]; ok {
				clauses = append(clauses, In{Column: col, IDs: ids})
			} else if d.SchoolLink != "" {
				clauses = append(clauses, InSchools{Column: d.SchoolLink, Kind: kind, IDs: ids})
			}
		}
	}

	if len(clauses) == 0 {
		return Never{}, nil
	}
	return Or{Preds: clauses}, nil
}
