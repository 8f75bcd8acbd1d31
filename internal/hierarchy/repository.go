package hierarchy

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Repository provides database operations for roles and assignments
type Repository struct {
	q database.Querier
}

// NewRepository creates a new hierarchy repository
func NewRepository(q database.Querier) *Repository {
	return &Repository{q: q}
}

// UserRole loads the role metadata and username for a user.
func (r *Repository) UserRole(ctx context.Context, userID types.ID) (Role, string, error) {
	query := `
		SELECT r.name, r.hierarchy_level, r.can_manage_hierarchy, r.max_hierarchy_depth, u.username
		FROM identity.users u
		JOIN identity.roles r ON r.name = u.role_name
		WHERE u.id = $1 AND NOT u.is_deleted`

	var role Role
	var username string
	err := r.q.QueryRow(ctx, query, userID).Scan(
		&role.Name, &role.Level, &role.CanManageHierarchy, &role.MaxDepth, &username,
	)

	if err == pgx.ErrNoRows {
		return Role{}, "", errors.NotFound("user", userID.String())
	}
	if err != nil {
		return Role{}, "", errors.Wrap(err, "failed to load user role")
	}

	return role, username, nil
}

// ActiveNodes returns the node ids of all active assignments, grouped by kind.
func (r *Repository) ActiveNodes(ctx context.Context, userID types.ID) (map[NodeKind][]types.ID, error) {
	query := `
		SELECT node_kind, node_id
		FROM identity.hierarchy_assignments
		WHERE user_id = $1 AND active`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query assignments")
	}
	defer rows.Close()

	nodes := make(map[NodeKind][]types.ID)
	for rows.Next() {
		var kind NodeKind
		var nodeID types.ID
		if err := rows.Scan(&kind, &nodeID); err != nil {
			return nil, errors.Wrap(err, "failed to scan assignment")
		}
		nodes[kind] = append(nodes[kind], nodeID)
	}

	return nodes, rows.Err()
}

// NodeAncestors resolves the chain of nodes above the given node, keyed by
// kind. The node itself is not included. Returns NotFound when the node does
// not exist.
func (r *Repository) NodeAncestors(ctx context.Context, kind NodeKind, nodeID types.ID) (map[NodeKind]types.ID, error) {
	ancestors := make(map[NodeKind]types.ID)

	var query string
	switch kind {
	case NodeZone:
		query = `SELECT 1 FROM education.zones WHERE id = $1`
		var one int
		if err := r.q.QueryRow(ctx, query, nodeID).Scan(&one); err != nil {
			if err == pgx.ErrNoRows {
				return nil, errors.NotFound("zone", nodeID.String())
			}
			return nil, errors.Wrap(err, "failed to resolve node ancestors")
		}
		return ancestors, nil
	case NodeProvince:
		query = `SELECT zone_id FROM education.provinces WHERE id = $1`
		var zone types.ID
		if err := r.q.QueryRow(ctx, query, nodeID).Scan(&zone); err != nil {
			if err == pgx.ErrNoRows {
				return nil, errors.NotFound("province", nodeID.String())
			}
			return nil, errors.Wrap(err, "failed to resolve node ancestors")
		}
		ancestors[NodeZone] = zone
		return ancestors, nil
	case NodeDistrict:
		query = `
			SELECT p.zone_id, d.province_id
			FROM education.districts d
			JOIN education.provinces p ON p.id = d.province_id
			WHERE d.id = $1`
		var zone, province types.ID
		if err := r.q.QueryRow(ctx, query, nodeID).Scan(&zone, &province); err != nil {
			if err == pgx.ErrNoRows {
				return nil, errors.NotFound("district", nodeID.String())
			}
			return nil, errors.Wrap(err, "failed to resolve node ancestors")
		}
		ancestors[NodeZone] = zone
		ancestors[NodeProvince] = province
		return ancestors, nil
	case NodeSchool:
		query = `SELECT zone_id, province_id, district_id FROM education.schools WHERE id = $1 AND NOT is_deleted`
		var zone, province, district types.ID
		if err := r.q.QueryRow(ctx, query, nodeID).Scan(&zone, &province, &district); err != nil {
			if err == pgx.ErrNoRows {
				return nil, errors.NotFound("school", nodeID.String())
			}
			return nil, errors.Wrap(err, "failed to resolve node ancestors")
		}
		ancestors[NodeZone] = zone
		ancestors[NodeProvince] = province
		ancestors[NodeDistrict] = district
		return ancestors, nil
	case NodeClass:
		query = `
			SELECT s.zone_id, s.province_id, s.district_id, c.school_id
			FROM education.classes c
			JOIN education.schools s ON s.id = c.school_id
			WHERE c.id = $1 AND NOT c.is_deleted`
		var zone, province, district, school types.ID
		if err := r.q.QueryRow(ctx, query, nodeID).Scan(&zone, &province, &district, &school); err != nil {
			if err == pgx.ErrNoRows {
				return nil, errors.NotFound("class", nodeID.String())
			}
			return nil, errors.Wrap(err, "failed to resolve node ancestors")
		}
		ancestors[NodeZone] = zone
		ancestors[NodeProvince] = province
		ancestors[NodeDistrict] = district
		ancestors[NodeSchool] = school
		return ancestors, nil
	}

	return nil, errors.BadRequest("unknown node kind")
}

// Grant creates a new active assignment.
func (r *Repository) Grant(ctx context.Context, q database.Querier, a *Assignment) error {
	query := `
		INSERT INTO identity.hierarchy_assignments (id, user_id, node_kind, node_id, assigned_by, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)`

	_, err := q.Exec(ctx, query, a.ID, a.UserID, a.Kind, a.NodeID, a.AssignedBy)
	if err != nil {
		return errors.Wrap(err, "failed to grant assignment")
	}
	return nil
}

// Revoke deactivates an assignment. The row is kept, preserving history.
func (r *Repository) Revoke(ctx context.Context, q database.Querier, assignmentID, by types.ID) error {
	query := `
		UPDATE identity.hierarchy_assignments
		SET active = FALSE, deactivated_at = NOW(), deactivated_by = $2
		WHERE id = $1 AND active`

	result, err := q.Exec(ctx, query, assignmentID, by)
	if err != nil {
		return errors.Wrap(err, "failed to revoke assignment")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("assignment", assignmentID.String())
	}
	return nil
}

// GetAssignment retrieves one assignment by id.
func (r *Repository) GetAssignment(ctx context.Context, id types.ID) (*Assignment, error) {
	query := `
		SELECT id, user_id, node_kind, node_id, assigned_by, active, created_at, deactivated_at, deactivated_by
		FROM identity.hierarchy_assignments
		WHERE id = $1`

	a := &Assignment{}
	err := r.q.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.Kind, &a.NodeID, &a.AssignedBy, &a.Active,
		&a.CreatedAt, &a.DeactivatedAt, &a.DeactivatedBy,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("assignment", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get assignment")
	}

	return a, nil
}

// ListAssignments lists a user's assignments, newest first.
func (r *Repository) ListAssignments(ctx context.Context, userID types.ID, includeInactive bool) ([]Assignment, error) {
	query := `
		SELECT id, user_id, node_kind, node_id, assigned_by, active, created_at, deactivated_at, deactivated_by
		FROM identity.hierarchy_assignments
		WHERE user_id = $1 AND (active OR $2)
		ORDER BY created_at DESC`

	rows, err := r.q.Query(ctx, query, userID, includeInactive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list assignments")
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		err := rows.Scan(
			&a.ID, &a.UserID, &a.Kind, &a.NodeID, &a.AssignedBy, &a.Active,
			&a.CreatedAt, &a.DeactivatedAt, &a.DeactivatedBy,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan assignment")
		}
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}
