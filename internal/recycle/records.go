package recycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Records performs the row-level half of delete and restore: snapshotting,
// flagging and unflagging rows in the domain tables named by descriptors.
// Table names come from the startup registry, never from request input.
type Records struct{}

// NewRecords creates a record store over descriptor-named tables.
func NewRecords() *Records { return &Records{} }

// Snapshot captures the live row as JSON. Returns NotFound when the record
// does not exist or is already deleted.
func (s *Records) Snapshot(ctx context.Context, q database.Querier, d scope.Descriptor, recordID types.ID) (json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE t.%s = $1 AND NOT t.is_deleted`,
		d.Table, d.IDColumnName())

	var data json.RawMessage
	if err := q.QueryRow(ctx, query, recordID).Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound(d.DataType, recordID.String())
		}
		return nil, errors.Wrap(err, "failed to snapshot record")
	}
	return data, nil
}

// MarkDeleted flags the row as deleted.
func (s *Records) MarkDeleted(ctx context.Context, q database.Querier, d scope.Descriptor, recordID, by types.ID, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET is_deleted = TRUE, deleted_at = $2, deleted_by = $3
		WHERE %s = $1 AND NOT is_deleted`, d.Table, d.IDColumnName())

	tag, err := q.Exec(ctx, query, recordID, at, by)
	if err != nil {
		return errors.Wrap(err, "failed to mark deleted")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(d.DataType, recordID.String())
	}
	return nil
}

// ClearDeleted brings the row back.
func (s *Records) ClearDeleted(ctx context.Context, q database.Querier, d scope.Descriptor, recordID types.ID) error {
	query := fmt.Sprintf(`UPDATE %s SET is_deleted = FALSE, deleted_at = NULL, deleted_by = NULL
		WHERE %s = $1 AND is_deleted`, d.Table, d.IDColumnName())

	tag, err := q.Exec(ctx, query, recordID)
	if err != nil {
		return errors.Wrap(err, "failed to clear deleted")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotRestorable("record is not deleted")
	}
	return nil
}

// ChildIDs lists live dependents referencing the parent record.
func (s *Records) ChildIDs(ctx context.Context, q database.Querier, d scope.Descriptor, foreignKey string, parentID types.ID) ([]types.ID, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND NOT is_deleted`,
		d.IDColumnName(), d.Table, foreignKey)

	rows, err := q.Query(ctx, query, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dependents")
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependent")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
