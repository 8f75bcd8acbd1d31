package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/metrics"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Ledger is the append surface handed to mutating services. Append joins the
// caller's transaction: if the write fails the whole operation rolls back, so
// the ledger never records an action that did not happen and no mutation goes
// un-audited.
type Ledger interface {
	Append(ctx context.Context, q database.Querier, entry *Entry) error
}

// Repository provides append-only ledger operations backed by Postgres
type Repository struct {
	q  database.Querier
	mu sync.Mutex
}

// NewRepository creates a new audit repository. q is used for reads; writes
// go through the Querier passed to Append.
func NewRepository(q database.Querier) *Repository {
	return &Repository{q: q}
}

// chainLockKey serializes chain-head reads across transactions.
const chainLockKey = int64(0x61756474)

// Append appends a new ledger entry inside the caller's transaction. The
// previous hash is read within the same transaction, so a rollback leaves the
// chain untouched. The mutex covers concurrent appenders in this process; the
// advisory lock covers concurrent transactions, which otherwise commit after
// the head read and could both link to the same prev_hash. The lock is held
// until the surrounding transaction ends; outside a transaction it is a
// per-statement no-op and the mutex alone applies.
func (r *Repository) Append(ctx context.Context, q database.Querier, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return errors.AuditWriteFailed(err)
	}

	var lastHash string
	err := q.QueryRow(ctx, `
		SELECT hash FROM audit.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&lastHash)
	if err != nil && err != pgx.ErrNoRows {
		return errors.AuditWriteFailed(err)
	}

	entry.PrevHash = lastHash
	entry.Hash = entry.calculateHash()

	oldJSON, err := marshalSnapshot(entry.OldData)
	if err != nil {
		return errors.AuditWriteFailed(err)
	}
	newJSON, err := marshalSnapshot(entry.NewData)
	if err != nil {
		return errors.AuditWriteFailed(err)
	}

	query := `
		INSERT INTO audit.entries (
			id, timestamp, hash, prev_hash,
			actor_id, actor_username, actor_role, actor_ip, actor_agent,
			action, table_name, record_id,
			old_data, new_data, summary
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		) RETURNING sequence`

	err = q.QueryRow(ctx, query,
		entry.ID, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorID, entry.ActorUsername, entry.ActorRole, entry.ActorIP, entry.ActorAgent,
		entry.Action, entry.TableName, entry.RecordID,
		oldJSON, newJSON, entry.Summary,
	).Scan(&entry.Sequence)

	if err != nil {
		return errors.AuditWriteFailed(err)
	}

	metrics.RecordAuditAppend(string(entry.Action))
	return nil
}

func marshalSnapshot(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

const entryColumns = `id, sequence, timestamp, hash, prev_hash,
		actor_id, actor_username, actor_role, actor_ip, actor_agent,
		action, table_name, record_id,
		old_data, new_data, summary`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var oldJSON, newJSON []byte

	err := row.Scan(
		&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
		&e.ActorID, &e.ActorUsername, &e.ActorRole, &e.ActorIP, &e.ActorAgent,
		&e.Action, &e.TableName, &e.RecordID,
		&oldJSON, &newJSON, &e.Summary,
	)
	if err != nil {
		return nil, err
	}

	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &e.OldData); err != nil {
			e.OldData = nil
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &e.NewData); err != nil {
			e.NewData = nil
		}
	}

	return &e, nil
}

// List lists ledger entries with filters (read-only)
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Entry, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.ActorID != nil {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argNum))
		args = append(args, *filter.ActorID)
		argNum++
	}

	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argNum))
		args = append(args, filter.Action)
		argNum++
	}

	if filter.TableName != "" {
		conditions = append(conditions, fmt.Sprintf("table_name = $%d", argNum))
		args = append(args, filter.TableName)
		argNum++
	}

	if filter.RecordID != nil {
		conditions = append(conditions, fmt.Sprintf("record_id = $%d", argNum))
		args = append(args, *filter.RecordID)
		argNum++
	}

	if filter.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *filter.StartTime)
		argNum++
	}

	if filter.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", argNum))
		args = append(args, *filter.EndTime)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit.entries %s", whereClause)
	var total int
	if err := r.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit entries")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit.entries
		%s
		ORDER BY sequence DESC
		LIMIT $%d OFFSET $%d`, entryColumns, whereClause, argNum, argNum+1)

	args = append(args, limit, filter.Offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, *e)
	}

	return entries, total, nil
}

// FindByID finds a ledger entry by ID (read-only)
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit.entries WHERE id = $1`, entryColumns)

	e, err := scanEntry(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("audit entry", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find audit entry")
	}

	return e, nil
}

// GetByRecord gets the ledger entries for one record, newest first.
func (r *Repository) GetByRecord(ctx context.Context, tableName string, recordID types.ID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	entries, _, err := r.List(ctx, ListFilter{
		TableName: tableName,
		RecordID:  &recordID,
		Limit:     limit,
	})
	return entries, err
}

// VerifyResult contains detailed verification results
type VerifyResult struct {
	Valid          bool     `json:"valid"`
	Checked        int      `json:"checked"`
	ContentValid   int      `json:"content_valid"`
	ContentInvalid int      `json:"content_invalid"`
	LinkageValid   int      `json:"linkage_valid"`
	LinkageInvalid int      `json:"linkage_invalid"`
	Violations     []string `json:"violations,omitempty"`
}

// VerifyChain verifies the integrity of the ledger chain over the most recent
// entries: the stored hash must match the recomputed content hash, and each
// entry's hash must match what the following entry recorded as prev_hash.
func (r *Repository) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit.entries
		ORDER BY sequence DESC
		LIMIT $1`, entryColumns)

	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, *e)
	}

	result := &VerifyResult{Valid: true}

	// Entries are newest-first: prevExpected holds the prev_hash recorded by
	// the entry that follows the current one in time.
	var prevExpected string

	for i, e := range entries {
		if e.ComputeHash() != e.Hash {
			result.ContentInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("content tampered: entry %s (seq %d) stored hash does not match content", e.ID, e.Sequence))
		} else {
			result.ContentValid++
		}

		if i > 0 {
			if prevExpected != "" && e.Hash != prevExpected {
				result.LinkageInvalid++
				result.Valid = false
				result.Violations = append(result.Violations,
					fmt.Sprintf("chain broken: entry %s (seq %d) hash does not match next entry's prev_hash", e.ID, e.Sequence))
			} else {
				result.LinkageValid++
			}
		}

		prevExpected = e.PrevHash
		result.Checked++
	}

	return result, nil
}
