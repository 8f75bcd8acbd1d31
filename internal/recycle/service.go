package recycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/config"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/metrics"
	"github.com/edu-gov/platform/internal/shared/types"
)

// TombstoneStore persists and looks up deleted-record tombstones.
type TombstoneStore interface {
	Insert(ctx context.Context, q database.Querier, d *DeletedRecord) error
	FindByID(ctx context.Context, id types.ID) (*DeletedRecord, error)
	MarkRestored(ctx context.Context, q database.Querier, id, by types.ID, at time.Time) error
}

// RecordStore manipulates the underlying domain rows.
type RecordStore interface {
	Snapshot(ctx context.Context, q database.Querier, d scope.Descriptor, recordID types.ID) (json.RawMessage, error)
	MarkDeleted(ctx context.Context, q database.Querier, d scope.Descriptor, recordID, by types.ID, at time.Time) error
	ClearDeleted(ctx context.Context, q database.Querier, d scope.Descriptor, recordID types.ID) error
	ChildIDs(ctx context.Context, q database.Querier, d scope.Descriptor, foreignKey string, parentID types.ID) ([]types.ID, error)
}

// Guard answers record-level access questions.
type Guard interface {
	CanAccess(ctx context.Context, userID types.ID, dataType string, action scope.Action, resourceID *types.ID) (bool, error)
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q database.Querier) error) error
}

// Service implements soft delete and restore. Every delete produces, in one
// transaction, a flagged row, a tombstone and a ledger entry. If any of the
// three fails the others roll back with it.
type Service struct {
	tx         TxRunner
	tombstones TombstoneStore
	records    RecordStore
	ledger     audit.Ledger
	guard      Guard
	registry   *scope.Registry
	retention  config.RetentionConfig
	clock      Clock
}

// NewService creates a recycle service.
func NewService(tx TxRunner, tombstones TombstoneStore, records RecordStore, ledger audit.Ledger, guard Guard, registry *scope.Registry, retention config.RetentionConfig, clock Clock) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	return &Service{
		tx:         tx,
		tombstones: tombstones,
		records:    records,
		ledger:     ledger,
		guard:      guard,
		registry:   registry,
		retention:  retention,
		clock:      clock,
	}
}

// SoftDelete removes a record from circulation without destroying it. When
// the record has live dependents the delete is refused unless force is set,
// in which case the dependents are deleted in the same transaction, each
// with its own tombstone and ledger entry.
func (s *Service) SoftDelete(ctx context.Context, dataType string, recordID types.ID, actor audit.Actor, reason string, force bool) (*DeletedRecord, error) {
	desc, ok := s.registry.Get(dataType)
	if !ok {
		return nil, errors.BadRequest(fmt.Sprintf("unknown data type: %s", dataType))
	}

	allowed, err := s.guard.CanAccess(ctx, actor.ID, dataType, scope.ActionDelete, &recordID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.PermissionDenied()
	}

	var tombstone *DeletedRecord
	err = s.tx.WithTx(ctx, func(q database.Querier) error {
		tombstone, err = s.deleteTx(ctx, q, desc, recordID, actor, reason, force)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tombstone, nil
}

func (s *Service) deleteTx(ctx context.Context, q database.Querier, desc scope.Descriptor, recordID types.ID, actor audit.Actor, reason string, force bool) (*DeletedRecord, error) {
	snapshot, err := s.records.Snapshot(ctx, q, desc, recordID)
	if err != nil {
		return nil, err
	}

	dependents, err := s.liveDependents(ctx, q, desc, recordID)
	if err != nil {
		return nil, err
	}
	if len(dependents) > 0 && !force {
		return nil, errors.CascadeConflict(desc.DataType, len(dependents))
	}

	// Children go first so a failure leaves nothing half-deleted. A record
	// reachable through two paths, a student through both its school and its
	// class, is gone by the time the second path reaches it.
	for _, dep := range dependents {
		if _, err := s.deleteTx(ctx, q, dep.desc, dep.id, actor, reason, force); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}
	}

	now := s.clock.Now()
	if err := s.records.MarkDeleted(ctx, q, desc, recordID, actor.ID, now); err != nil {
		return nil, err
	}

	tombstone := &DeletedRecord{
		ID:            types.NewID(),
		TableName:     desc.DataType,
		RecordID:      recordID,
		RecordData:    snapshot,
		DeletedBy:     actor.ID,
		DeleteReason:  reason,
		DeletedAt:     now,
		RetentionDays: s.retention.Days(desc.DataType),
	}
	if err := s.tombstones.Insert(ctx, q, tombstone); err != nil {
		return nil, err
	}

	old, err := asMap(snapshot)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("Deleted %s record", desc.DataType)
	if reason != "" {
		summary = fmt.Sprintf("%s: %s", summary, reason)
	}
	entry := audit.NewEntry(actor, audit.ActionDelete, desc.DataType, &recordID, old, nil, summary)
	if err := s.ledger.Append(ctx, q, entry); err != nil {
		return nil, err
	}

	metrics.RecordSoftDelete(desc.DataType)
	return tombstone, nil
}

type dependent struct {
	desc scope.Descriptor
	id   types.ID
}

func (s *Service) liveDependents(ctx context.Context, q database.Querier, desc scope.Descriptor, recordID types.ID) ([]dependent, error) {
	var deps []dependent
	for _, child := range desc.Children {
		childDesc, ok := s.registry.Get(child.DataType)
		if !ok {
			return nil, errors.Internal(fmt.Errorf("unregistered child type: %s", child.DataType))
		}
		ids, err := s.records.ChildIDs(ctx, q, childDesc, child.ForeignKey, recordID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			deps = append(deps, dependent{desc: childDesc, id: id})
		}
	}
	return deps, nil
}

// Restore brings a soft-deleted record back. Preconditions are checked in a
// fixed order so the caller always learns the most specific reason for a
// refusal: unknown or already-restored tombstone, then expired retention,
// then missing update permission.
func (s *Service) Restore(ctx context.Context, tombstoneID types.ID, actor audit.Actor, reason string) (*DeletedRecord, error) {
	tombstone, err := s.tombstones.FindByID(ctx, tombstoneID)
	if err != nil {
		metrics.RecordRestore("not_found")
		return nil, err
	}
	if tombstone.IsRestored {
		metrics.RecordRestore("already_restored")
		return nil, errors.NotRestorable("record was already restored")
	}

	if !s.clock.Now().Before(tombstone.ExpiresAt()) {
		metrics.RecordRestore("expired")
		return nil, errors.NotRestorable("retention window has expired")
	}

	desc, ok := s.registry.Get(tombstone.TableName)
	if !ok {
		return nil, errors.Internal(fmt.Errorf("unregistered data type: %s", tombstone.TableName))
	}

	allowed, err := s.guard.CanAccess(ctx, actor.ID, tombstone.TableName, scope.ActionUpdate, &tombstone.RecordID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		metrics.RecordRestore("denied")
		return nil, errors.PermissionDenied()
	}

	now := s.clock.Now()
	err = s.tx.WithTx(ctx, func(q database.Querier) error {
		if err := s.records.ClearDeleted(ctx, q, desc, tombstone.RecordID); err != nil {
			return err
		}
		if err := s.tombstones.MarkRestored(ctx, q, tombstone.ID, actor.ID, now); err != nil {
			return err
		}

		restored, err := asMap(tombstone.RecordData)
		if err != nil {
			return err
		}
		summary := fmt.Sprintf("Restored %s record", tombstone.TableName)
		if reason != "" {
			summary = fmt.Sprintf("%s: %s", summary, reason)
		}
		entry := audit.NewEntry(actor, audit.ActionRestore, tombstone.TableName, &tombstone.RecordID, nil, restored, summary)
		return s.ledger.Append(ctx, q, entry)
	})
	if err != nil {
		metrics.RecordRestore("failed")
		return nil, err
	}

	metrics.RecordRestore("success")
	tombstone.IsRestored = true
	tombstone.RestoredAt = &now
	tombstone.RestoredBy = &actor.ID
	return tombstone, nil
}

func asMap(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "malformed record snapshot")
	}
	return m, nil
}
