package recycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Repository persists tombstones in the recycle schema.
type Repository struct {
	q database.Querier
}

// NewRepository creates a new recycle repository.
func NewRepository(q database.Querier) *Repository {
	return &Repository{q: q}
}

const deletedColumns = `id, table_name, record_id, record_data, deleted_by,
	delete_reason, deleted_at, retention_days, is_restored, restored_at, restored_by`

func scanDeleted(row pgx.Row) (*DeletedRecord, error) {
	var d DeletedRecord
	err := row.Scan(
		&d.ID, &d.TableName, &d.RecordID, &d.RecordData, &d.DeletedBy,
		&d.DeleteReason, &d.DeletedAt, &d.RetentionDays, &d.IsRestored,
		&d.RestoredAt, &d.RestoredBy,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Insert writes a tombstone inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, q database.Querier, d *DeletedRecord) error {
	query := `
		INSERT INTO recycle.deleted_records (
			id, table_name, record_id, record_data, deleted_by,
			delete_reason, deleted_at, retention_days
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := q.Exec(ctx, query,
		d.ID, d.TableName, d.RecordID, d.RecordData, d.DeletedBy,
		d.DeleteReason, d.DeletedAt, d.RetentionDays,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert tombstone")
	}
	return nil
}

// FindByID loads a tombstone by its own id.
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*DeletedRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM recycle.deleted_records WHERE id = $1`, deletedColumns)

	d, err := scanDeleted(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("deleted record", id.String())
		}
		return nil, errors.Wrap(err, "failed to find tombstone")
	}
	return d, nil
}

// FindPending returns the unrestored tombstone for a record, newest first.
func (r *Repository) FindPending(ctx context.Context, tableName string, recordID types.ID) (*DeletedRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM recycle.deleted_records
		WHERE table_name = $1 AND record_id = $2 AND NOT is_restored
		ORDER BY deleted_at DESC
		LIMIT 1`, deletedColumns)

	d, err := scanDeleted(r.q.QueryRow(ctx, query, tableName, recordID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("deleted record", recordID.String())
		}
		return nil, errors.Wrap(err, "failed to find tombstone")
	}
	return d, nil
}

// List returns tombstones matching the filter plus the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*DeletedRecord, int, error) {
	conditions := []string{"1=1"}
	args := []any{}
	argNum := 1

	if filter.TableName != "" {
		conditions = append(conditions, fmt.Sprintf("table_name = $%d", argNum))
		args = append(args, filter.TableName)
		argNum++
	}
	if filter.DeletedBy != nil {
		conditions = append(conditions, fmt.Sprintf("deleted_by = $%d", argNum))
		args = append(args, *filter.DeletedBy)
		argNum++
	}
	if filter.OnlyPending {
		conditions = append(conditions, "NOT is_restored")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM recycle.deleted_records WHERE %s`, where)
	if err := r.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count tombstones")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM recycle.deleted_records
		WHERE %s
		ORDER BY deleted_at DESC
		LIMIT $%d OFFSET $%d`, deletedColumns, where, argNum, argNum+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list tombstones")
	}
	defer rows.Close()

	var records []*DeletedRecord
	for rows.Next() {
		d, err := scanDeleted(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan tombstone")
		}
		records = append(records, d)
	}
	return records, total, nil
}

// MarkRestored stamps the tombstone inside the caller's transaction.
func (r *Repository) MarkRestored(ctx context.Context, q database.Querier, id types.ID, by types.ID, at time.Time) error {
	query := `
		UPDATE recycle.deleted_records
		SET is_restored = TRUE, restored_at = $2, restored_by = $3
		WHERE id = $1 AND NOT is_restored`

	tag, err := q.Exec(ctx, query, id, at, by)
	if err != nil {
		return errors.Wrap(err, "failed to mark restored")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("deleted record", id.String())
	}
	return nil
}
