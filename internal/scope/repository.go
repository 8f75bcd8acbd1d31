package scope

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/edu-gov/platform/internal/hierarchy"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Repository reads the permission matrix and resolves record ownership
type Repository struct {
	q        database.Querier
	registry *Registry
}

// NewRepository creates a new scope repository
func NewRepository(q database.Querier, registry *Registry) *Repository {
	return &Repository{q: q, registry: registry}
}

// Permissions returns all matrix rows for a (role, data type) pair.
func (r *Repository) Permissions(ctx context.Context, role, dataType string) ([]Permission, error) {
	query := `
		SELECT role_name, data_type, scope_level,
			can_view, can_create, can_update, can_delete, can_export
		FROM authz.scope_permissions
		WHERE role_name = $1 AND data_type = $2`

	rows, err := r.q.Query(ctx, query, role, dataType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query permissions")
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		err := rows.Scan(
			&p.RoleName, &p.DataType, &p.Level,
			&p.CanView, &p.CanCreate, &p.CanUpdate, &p.CanDelete, &p.CanExport,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan permission")
		}
		perms = append(perms, p)
	}

	return perms, rows.Err()
}

// OwnerNodes resolves the owning node of each kind for one record, looking
// through the linked school where the descriptor says so. An unknown record
// yields NotFound; a dangling school link leaves the wider kinds unresolved,
// which the decision engine treats as inaccessible.
func (r *Repository) OwnerNodes(ctx context.Context, dataType string, recordID types.ID) (map[hierarchy.NodeKind]types.ID, error) {
	d, ok := r.registry.Get(dataType)
	if !ok {
		return nil, errors.NotFound("data type", dataType)
	}

	var cols []string
	var kinds []hierarchy.NodeKind
	for _, kind := range hierarchy.NodeKinds {
		if col, ok := d.NodeColumns[kind]; ok {
			cols = append(cols, col)
			kinds = append(kinds, kind)
		}
	}
	if len(cols) == 0 {
		return nil, errors.NotFound("owning node", dataType)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		strings.Join(cols, ", "), d.Table, d.IDColumnName())

	dests := make([]any, len(cols))
	values := make([]types.ID, len(cols))
	for i := range values {
		dests[i] = &values[i]
	}

	err := r.q.QueryRow(ctx, query, recordID).Scan(dests...)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(dataType, recordID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve owning nodes")
	}

	nodes := make(map[hierarchy.NodeKind]types.ID, len(kinds)+3)
	for i, kind := range kinds {
		if !values[i].IsZero() {
			nodes[kind] = values[i]
		}
	}

	if d.SchoolLink == "" {
		return nodes, nil
	}

	schoolID, ok := nodes[hierarchy.NodeSchool]
	if !ok {
		return nodes, nil
	}

	var zone, province, district types.ID
	err = r.q.QueryRow(ctx,
		`SELECT zone_id, province_id, district_id FROM education.schools WHERE id = $1`,
		schoolID,
	).Scan(&zone, &province, &district)

	if err == pgx.ErrNoRows {
		// Dangling school reference: leave zone/province/district unset.
		return nodes, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve school nodes")
	}

	nodes[hierarchy.NodeZone] = zone
	nodes[hierarchy.NodeProvince] = province
	nodes[hierarchy.NodeDistrict] = district
	return nodes, nil
}
