package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/edu-gov/platform/internal/shared/types"
)

// Action is the kind of operation an entry records.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionRestore Action = "RESTORE"
)

// Entry is one immutable record of the append-only ledger. Entries chain
// through prev_hash so that both content tampering and removal are
// detectable.
type Entry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	// Actor
	ActorID       types.ID `json:"actor_id"`
	ActorUsername string   `json:"actor_username"`
	ActorRole     string   `json:"actor_role"`
	ActorIP       string   `json:"actor_ip,omitempty"`
	ActorAgent    string   `json:"actor_agent,omitempty"`

	// Target
	Action    Action    `json:"action"`
	TableName string    `json:"table_name"`
	RecordID  *types.ID `json:"record_id,omitempty"`

	// Snapshots before and after the operation, as stored in the row
	OldData map[string]any `json:"old_data,omitempty"`
	NewData map[string]any `json:"new_data,omitempty"`

	// Summary is a short human sentence written by the caller, which knows
	// the domain semantics; the ledger never generates it.
	Summary string `json:"summary,omitempty"`
}

// Actor identifies who performed an operation.
type Actor struct {
	ID       types.ID
	Username string
	Role     string
	IP       string
	Agent    string
}

// NewEntry creates a ledger entry. The hash is recalculated by the repository
// once prev_hash is known.
func NewEntry(actor Actor, action Action, tableName string, recordID *types.ID, oldData, newData map[string]any, summary string) *Entry {
	entry := &Entry{
		ID:            types.NewID(),
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond), // microsecond precision matches PostgreSQL
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		ActorIP:       actor.IP,
		ActorAgent:    actor.Agent,
		Action:        action,
		TableName:     tableName,
		RecordID:      recordID,
		OldData:       oldData,
		NewData:       newData,
		Summary:       summary,
	}

	entry.Hash = entry.calculateHash()
	return entry
}

// calculateHash computes the SHA-256 hash over canonical JSON so the result
// is independent of map iteration order and JSONB key reordering.
func (e *Entry) calculateHash() string {
	data := map[string]any{
		"id":         e.ID,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":  e.PrevHash,
		"actor_id":   e.ActorID,
		"actor_role": e.ActorRole,
		"action":     e.Action,
		"table_name": e.TableName,
	}

	if e.RecordID != nil {
		data["record_id"] = e.RecordID
	}
	if len(e.OldData) > 0 {
		data["old_data"] = e.OldData
	}
	if len(e.NewData) > 0 {
		data["new_data"] = e.NewData
	}
	if e.Summary != "" {
		data["summary"] = e.Summary
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ComputeHash computes and returns the correct hash for this entry
func (e *Entry) ComputeHash() string {
	return e.calculateHash()
}

// ListFilter defines filters for listing ledger entries
type ListFilter struct {
	ActorID   *types.ID  `json:"actor_id,omitempty"`
	Action    Action     `json:"action,omitempty"`
	TableName string     `json:"table_name,omitempty"`
	RecordID  *types.ID  `json:"record_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// canonicalJSON produces deterministic JSON output with sorted map keys.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}
