package recycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/config"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// --- Fake clock ---

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

// --- Fake record store ---

type fakeRecords struct {
	rows    map[string]map[types.ID]map[string]any
	deleted map[string]map[types.ID]bool
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		rows:    make(map[string]map[types.ID]map[string]any),
		deleted: make(map[string]map[types.ID]bool),
	}
}

func (f *fakeRecords) add(dataType string, id types.ID, data map[string]any) {
	if f.rows[dataType] == nil {
		f.rows[dataType] = make(map[types.ID]map[string]any)
		f.deleted[dataType] = make(map[types.ID]bool)
	}
	f.rows[dataType][id] = data
}

func (f *fakeRecords) Snapshot(ctx context.Context, q database.Querier, d scope.Descriptor, recordID types.ID) (json.RawMessage, error) {
	data, ok := f.rows[d.DataType][recordID]
	if !ok || f.deleted[d.DataType][recordID] {
		return nil, errors.NotFound(d.DataType, recordID.String())
	}
	return json.Marshal(data)
}

func (f *fakeRecords) MarkDeleted(ctx context.Context, q database.Querier, d scope.Descriptor, recordID, by types.ID, at time.Time) error {
	if _, ok := f.rows[d.DataType][recordID]; !ok || f.deleted[d.DataType][recordID] {
		return errors.NotFound(d.DataType, recordID.String())
	}
	f.deleted[d.DataType][recordID] = true
	return nil
}

func (f *fakeRecords) ClearDeleted(ctx context.Context, q database.Querier, d scope.Descriptor, recordID types.ID) error {
	if !f.deleted[d.DataType][recordID] {
		return errors.NotRestorable("record is not deleted")
	}
	f.deleted[d.DataType][recordID] = false
	return nil
}

func (f *fakeRecords) ChildIDs(ctx context.Context, q database.Querier, d scope.Descriptor, foreignKey string, parentID types.ID) ([]types.ID, error) {
	var ids []types.ID
	for id, data := range f.rows[d.DataType] {
		if f.deleted[d.DataType][id] {
			continue
		}
		if ref, ok := data[foreignKey]; ok && ref == parentID.String() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeRecords) snapshotState() any {
	rows := make(map[string]map[types.ID]map[string]any)
	deleted := make(map[string]map[types.ID]bool)
	for dt, m := range f.rows {
		rows[dt] = make(map[types.ID]map[string]any, len(m))
		for id, data := range m {
			rows[dt][id] = data
		}
	}
	for dt, m := range f.deleted {
		deleted[dt] = make(map[types.ID]bool, len(m))
		for id, v := range m {
			deleted[dt][id] = v
		}
	}
	return [2]any{rows, deleted}
}

func (f *fakeRecords) restoreState(s any) {
	pair := s.([2]any)
	f.rows = pair[0].(map[string]map[types.ID]map[string]any)
	f.deleted = pair[1].(map[string]map[types.ID]bool)
}

// --- Fake tombstone store ---

type fakeTombstones struct {
	byID map[types.ID]*DeletedRecord
}

func newFakeTombstones() *fakeTombstones {
	return &fakeTombstones{byID: make(map[types.ID]*DeletedRecord)}
}

func (f *fakeTombstones) Insert(ctx context.Context, q database.Querier, d *DeletedRecord) error {
	copied := *d
	f.byID[d.ID] = &copied
	return nil
}

func (f *fakeTombstones) FindByID(ctx context.Context, id types.ID) (*DeletedRecord, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, errors.NotFound("deleted record", id.String())
	}
	copied := *d
	return &copied, nil
}

func (f *fakeTombstones) MarkRestored(ctx context.Context, q database.Querier, id, by types.ID, at time.Time) error {
	d, ok := f.byID[id]
	if !ok || d.IsRestored {
		return errors.NotFound("deleted record", id.String())
	}
	d.IsRestored = true
	d.RestoredAt = &at
	d.RestoredBy = &by
	return nil
}

func (f *fakeTombstones) forRecord(dataType string, recordID types.ID) *DeletedRecord {
	for _, d := range f.byID {
		if d.TableName == dataType && d.RecordID == recordID {
			return d
		}
	}
	return nil
}

func (f *fakeTombstones) snapshotState() any {
	byID := make(map[types.ID]*DeletedRecord, len(f.byID))
	for id, d := range f.byID {
		copied := *d
		byID[id] = &copied
	}
	return byID
}

func (f *fakeTombstones) restoreState(s any) {
	f.byID = s.(map[types.ID]*DeletedRecord)
}

// --- Fake ledger ---

type fakeLedger struct {
	entries []*audit.Entry
	failOn  audit.Action
}

func (f *fakeLedger) Append(ctx context.Context, q database.Querier, entry *audit.Entry) error {
	if f.failOn != "" && entry.Action == f.failOn {
		return errors.AuditWriteFailed(fmt.Errorf("ledger unavailable"))
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLedger) snapshotState() any { return len(f.entries) }
func (f *fakeLedger) restoreState(s any) { f.entries = f.entries[:s.(int)] }

// --- Fake guard ---

type fakeGuard struct {
	deny map[string]bool // dataType|action
}

func (f *fakeGuard) CanAccess(ctx context.Context, userID types.ID, dataType string, action scope.Action, resourceID *types.ID) (bool, error) {
	return !f.deny[dataType+"|"+string(action)], nil
}

// --- Fake transaction runner ---

type stateful interface {
	snapshotState() any
	restoreState(any)
}

// fakeTx mimics rollback semantics: when the function fails, every
// participating fake is restored to its pre-transaction state.
type fakeTx struct {
	stores []stateful
}

func (f *fakeTx) WithTx(ctx context.Context, fn func(q database.Querier) error) error {
	snaps := make([]any, len(f.stores))
	for i, s := range f.stores {
		snaps[i] = s.snapshotState()
	}
	if err := fn(nil); err != nil {
		for i, s := range f.stores {
			s.restoreState(snaps[i])
		}
		return err
	}
	return nil
}

// --- Fixture ---

type fixture struct {
	service    *Service
	records    *fakeRecords
	tombstones *fakeTombstones
	ledger     *fakeLedger
	guard      *fakeGuard
	clock      *fakeClock

	school  types.ID
	class   types.ID
	student types.ID
	actor   audit.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		records:    newFakeRecords(),
		tombstones: newFakeTombstones(),
		ledger:     &fakeLedger{},
		guard:      &fakeGuard{deny: map[string]bool{}},
		clock:      &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		actor: audit.Actor{
			ID:       types.NewID(),
			Username: "root",
			Role:     "admin",
		},
	}

	f.school = types.NewID()
	f.class = types.NewID()
	f.student = types.NewID()

	f.records.add("schools", f.school, map[string]any{"name": "OS Vuk Karadzic"})
	f.records.add("classes", f.class, map[string]any{"name": "5-a", "school_id": f.school.String()})
	f.records.add("students", f.student, map[string]any{
		"first_name": "Ana",
		"school_id":  f.school.String(),
		"class_id":   f.class.String(),
	})

	tx := &fakeTx{stores: []stateful{f.records, f.tombstones, f.ledger}}
	retention := config.RetentionConfig{
		DefaultDays: 30,
		TableDays:   map[string]int{"students": 90, "schools": 90},
	}

	f.service = NewService(tx, f.tombstones, f.records, f.ledger, f.guard,
		scope.DefaultRegistry(), retention, f.clock)
	return f
}

// --- Soft delete ---

func TestSoftDeleteWritesAllThree(t *testing.T) {
	f := newFixture(t)

	tombstone, err := f.service.SoftDelete(context.Background(), "students", f.student, f.actor, "duplicate entry", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !f.records.deleted["students"][f.student] {
		t.Error("record not flagged deleted")
	}

	stored := f.tombstones.byID[tombstone.ID]
	if stored == nil {
		t.Fatal("tombstone not persisted")
	}
	if stored.RetentionDays != 90 {
		t.Errorf("retention days = %d, want the students override 90", stored.RetentionDays)
	}
	if stored.DeleteReason != "duplicate entry" {
		t.Errorf("delete reason = %q", stored.DeleteReason)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(stored.RecordData, &snapshot); err != nil || snapshot["first_name"] != "Ana" {
		t.Errorf("tombstone snapshot = %s", stored.RecordData)
	}

	if len(f.ledger.entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(f.ledger.entries))
	}
	entry := f.ledger.entries[0]
	if entry.Action != audit.ActionDelete || entry.TableName != "students" {
		t.Errorf("ledger entry = %s on %s", entry.Action, entry.TableName)
	}
	if entry.OldData["first_name"] != "Ana" {
		t.Error("ledger entry missing pre-delete snapshot")
	}
}

func TestSoftDeleteUnknownRecord(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SoftDelete(context.Background(), "students", types.NewID(), f.actor, "", false)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSoftDeleteDenied(t *testing.T) {
	f := newFixture(t)
	f.guard.deny["students|delete"] = true

	_, err := f.service.SoftDelete(context.Background(), "students", f.student, f.actor, "", false)
	if !errors.Is(err, errors.ErrForbidden) {
		t.Errorf("expected Forbidden, got %v", err)
	}
	if f.records.deleted["students"][f.student] {
		t.Error("record deleted despite denial")
	}
	if len(f.ledger.entries) != 0 {
		t.Error("ledger written despite denial")
	}
}

func TestSoftDeleteRefusesCascadeWithoutForce(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SoftDelete(context.Background(), "schools", f.school, f.actor, "", false)
	if !errors.Is(err, errors.ErrConflict) {
		t.Fatalf("expected Conflict for live dependents, got %v", err)
	}

	var appErr *errors.AppError
	if !errors.As(err, &appErr) || appErr.Details["dependents"] != "2" {
		t.Errorf("conflict should report the dependent count, got %v", err)
	}

	if f.records.deleted["schools"][f.school] {
		t.Error("school deleted despite refusal")
	}
}

func TestSoftDeleteForceCascades(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SoftDelete(context.Background(), "schools", f.school, f.actor, "closing down", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, check := range []struct {
		dataType string
		id       types.ID
	}{
		{"schools", f.school},
		{"classes", f.class},
		{"students", f.student},
	} {
		if !f.records.deleted[check.dataType][check.id] {
			t.Errorf("%s not cascade-deleted", check.dataType)
		}
		if f.tombstones.forRecord(check.dataType, check.id) == nil {
			t.Errorf("%s has no tombstone", check.dataType)
		}
	}

	if len(f.ledger.entries) != 3 {
		t.Errorf("expected 3 ledger entries, got %d", len(f.ledger.entries))
	}
}

func TestSoftDeleteLedgerFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	f.ledger.failOn = audit.ActionDelete

	_, err := f.service.SoftDelete(context.Background(), "students", f.student, f.actor, "", false)
	if !errors.Is(err, errors.ErrAuditWrite) {
		t.Fatalf("expected audit write failure, got %v", err)
	}

	if f.records.deleted["students"][f.student] {
		t.Error("record stayed deleted after ledger failure")
	}
	if len(f.tombstones.byID) != 0 {
		t.Error("tombstone survived ledger failure")
	}
}

// --- Restore ---

func deleteStudent(t *testing.T, f *fixture) *DeletedRecord {
	t.Helper()
	tombstone, err := f.service.SoftDelete(context.Background(), "students", f.student, f.actor, "", false)
	if err != nil {
		t.Fatalf("setup delete failed: %v", err)
	}
	return tombstone
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	f.clock.now = f.clock.now.Add(24 * time.Hour)

	restored, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.records.deleted["students"][f.student] {
		t.Error("record still flagged deleted after restore")
	}
	if !restored.IsRestored || restored.RestoredBy == nil || *restored.RestoredBy != f.actor.ID {
		t.Error("tombstone not stamped with restore metadata")
	}
	stored := f.tombstones.byID[tombstone.ID]
	if !stored.IsRestored {
		t.Error("stored tombstone not marked restored")
	}

	last := f.ledger.entries[len(f.ledger.entries)-1]
	if last.Action != audit.ActionRestore {
		t.Errorf("last ledger entry = %s, want RESTORE", last.Action)
	}
}

func TestRestoreReasonRecorded(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	if _, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "deleted by mistake"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := f.ledger.entries[len(f.ledger.entries)-1]
	if last.Action != audit.ActionRestore {
		t.Fatalf("last ledger entry = %s, want RESTORE", last.Action)
	}
	if !strings.Contains(last.Summary, "deleted by mistake") {
		t.Errorf("restore summary %q does not carry the stated reason", last.Summary)
	}
}

func TestRestoreUnknownTombstone(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Restore(context.Background(), types.NewID(), f.actor, "")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestRestoreIsTerminal(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	if _, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, ""); err != nil {
		t.Fatalf("first restore failed: %v", err)
	}

	_, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "")
	if !errors.Is(err, errors.ErrNotRestorable) {
		t.Errorf("second restore should be refused, got %v", err)
	}
}

func TestRestoreAfterExpiryRefused(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	// Retention for students is 90 days; one day past the deadline.
	f.clock.now = f.clock.now.Add(91 * 24 * time.Hour)

	_, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "")
	if !errors.Is(err, errors.ErrNotRestorable) {
		t.Fatalf("expected NotRestorable after expiry, got %v", err)
	}
	if !f.records.deleted["students"][f.student] {
		t.Error("expired record came back")
	}
}

func TestRestoreExactlyAtDeadlineRefused(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	// The window is open strictly before the deadline.
	f.clock.now = tombstone.ExpiresAt()

	_, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "")
	if !errors.Is(err, errors.ErrNotRestorable) {
		t.Errorf("restore at the exact deadline should be refused, got %v", err)
	}
}

func TestRestoreJustBeforeDeadlineAllowed(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	f.clock.now = tombstone.ExpiresAt().Add(-time.Minute)

	if _, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, ""); err != nil {
		t.Errorf("restore inside the window failed: %v", err)
	}
}

func TestRestoreExpiryBeatsPermission(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)

	// Both preconditions fail; the caller must learn about expiry, since no
	// permission can bring an expired record back.
	f.guard.deny["students|update"] = true
	f.clock.now = f.clock.now.Add(100 * 24 * time.Hour)

	_, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "")
	if !errors.Is(err, errors.ErrNotRestorable) {
		t.Errorf("expected NotRestorable to win over denial, got %v", err)
	}
}

func TestRestoreDenied(t *testing.T) {
	f := newFixture(t)
	tombstone := deleteStudent(t, f)
	f.guard.deny["students|update"] = true

	_, err := f.service.Restore(context.Background(), tombstone.ID, f.actor, "")
	if !errors.Is(err, errors.ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if f.tombstones.byID[tombstone.ID].IsRestored {
		t.Error("tombstone restored despite denial")
	}
}

func TestExpiresAtComputedFromRetention(t *testing.T) {
	deletedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &DeletedRecord{DeletedAt: deletedAt, RetentionDays: 30}

	want := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if got := d.ExpiresAt(); !got.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got, want)
	}

	clock := &fakeClock{now: want.Add(-time.Second)}
	if !d.IsRestorable(clock) {
		t.Error("restorable just before the deadline")
	}
	clock.now = want
	if d.IsRestorable(clock) {
		t.Error("not restorable at the deadline")
	}
}
