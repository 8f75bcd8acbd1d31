package recycle

import (
	"encoding/json"
	"time"

	"github.com/edu-gov/platform/internal/shared/types"
)

// DeletedRecord is the tombstone written when a record is soft-deleted. It
// carries a full snapshot of the row so the record can be inspected and
// restored while the retention window is open.
type DeletedRecord struct {
	ID            types.ID        `json:"id"`
	TableName     string          `json:"table_name"`
	RecordID      types.ID        `json:"record_id"`
	RecordData    json.RawMessage `json:"record_data"`
	DeletedBy     types.ID        `json:"deleted_by"`
	DeleteReason  string          `json:"delete_reason,omitempty"`
	DeletedAt     time.Time       `json:"deleted_at"`
	RetentionDays int             `json:"retention_days"`
	IsRestored    bool            `json:"is_restored"`
	RestoredAt    *time.Time      `json:"restored_at,omitempty"`
	RestoredBy    *types.ID       `json:"restored_by,omitempty"`
}

// ExpiresAt is the deadline after which the record can no longer be restored.
// Computed on read, never stored, so retention policy changes do not require
// a backfill.
func (d *DeletedRecord) ExpiresAt() time.Time {
	return d.DeletedAt.Add(time.Duration(d.RetentionDays) * 24 * time.Hour)
}

// IsRestorable reports whether the record can still be restored at the
// clock's current time. Already-restored records are terminal.
func (d *DeletedRecord) IsRestorable(clock Clock) bool {
	if d.IsRestored {
		return false
	}
	return clock.Now().Before(d.ExpiresAt())
}

// ListFilter narrows deleted-record listings.
type ListFilter struct {
	TableName   string
	DeletedBy   *types.ID
	OnlyPending bool
	Limit       int
	Offset      int
}
