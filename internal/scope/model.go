// Package scope implements the declarative permission matrix, the access
// decision engine, and the query filter builder.
package scope

import (
	"fmt"

	"github.com/edu-gov/platform/internal/hierarchy"
)

// Action is one of the five operations the matrix grants.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionExport:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Level is the granularity at which a permission grant applies.
type Level string

const (
	LevelGlobal   Level = "global"
	LevelSelf     Level = "self"
	LevelZone     Level = "zone"
	LevelProvince Level = "province"
	LevelDistrict Level = "district"
	LevelSchool   Level = "school"
	LevelClass    Level = "class"
)

// NodeKind maps a scoped level onto its hierarchy node kind. Global and self
// have no node kind.
func (l Level) NodeKind() (hierarchy.NodeKind, bool) {
	switch l {
	case LevelZone:
		return hierarchy.NodeZone, true
	case LevelProvince:
		return hierarchy.NodeProvince, true
	case LevelDistrict:
		return hierarchy.NodeDistrict, true
	case LevelSchool:
		return hierarchy.NodeSchool, true
	case LevelClass:
		return hierarchy.NodeClass, true
	}
	return "", false
}

// Permission is one row of the scope permission matrix. Several rows per
// (role, data type) are expected; the decision is the OR across rows whose
// scope the user actually holds.
type Permission struct {
	RoleName  string `json:"role_name"`
	DataType  string `json:"data_type"`
	Level     Level  `json:"scope_level"`
	CanView   bool   `json:"can_view"`
	CanCreate bool   `json:"can_create"`
	CanUpdate bool   `json:"can_update"`
	CanDelete bool   `json:"can_delete"`
	CanExport bool   `json:"can_export"`
}

// Allows reports whether this row grants the action.
func (p Permission) Allows(a Action) bool {
	switch a {
	case ActionView:
		return p.CanView
	case ActionCreate:
		return p.CanCreate
	case ActionUpdate:
		return p.CanUpdate
	case ActionDelete:
		return p.CanDelete
	case ActionExport:
		return p.CanExport
	}
	return false
}
