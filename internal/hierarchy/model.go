// Package hierarchy resolves a user's role and organizational reach.
package hierarchy

import (
	"fmt"
	"time"

	"github.com/edu-gov/platform/internal/shared/types"
)

// NodeKind identifies one level of the organizational hierarchy.
type NodeKind string

const (
	NodeZone     NodeKind = "zone"
	NodeProvince NodeKind = "province"
	NodeDistrict NodeKind = "district"
	NodeSchool   NodeKind = "school"
	NodeClass    NodeKind = "class"
)

// NodeKinds lists all kinds from widest to narrowest reach.
var NodeKinds = []NodeKind{NodeZone, NodeProvince, NodeDistrict, NodeSchool, NodeClass}

// Depth returns the kind's position in the hierarchy. Zone is 1, class is 5.
// Unknown kinds return 0.
func (k NodeKind) Depth() int {
	for i, kind := range NodeKinds {
		if k == kind {
			return i + 1
		}
	}
	return 0
}

// ParseNodeKind validates a node kind string.
func ParseNodeKind(s string) (NodeKind, error) {
	for _, k := range NodeKinds {
		if s == string(k) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

// Role carries the role metadata used by the decision engine. Level ordering
// is total: lower level means more authority, level 0 is the platform
// administrator.
type Role struct {
	Name               string `json:"name"`
	Level              int    `json:"hierarchy_level"`
	CanManageHierarchy bool   `json:"can_manage_hierarchy"`
	MaxDepth           int    `json:"max_hierarchy_depth"`
}

// IsGlobal reports whether this is the top administrative role.
func (r Role) IsGlobal() bool {
	return r.Level == 0
}

// Assignment binds one user to one organizational node. Assignments are
// additive and never hard-deleted; revoking one deactivates it.
type Assignment struct {
	ID            types.ID   `json:"id"`
	UserID        types.ID   `json:"user_id"`
	Kind          NodeKind   `json:"node_kind"`
	NodeID        types.ID   `json:"node_id"`
	AssignedBy    types.ID   `json:"assigned_by"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	DeactivatedBy *types.ID  `json:"deactivated_by,omitempty"`
}

// Profile is the resolved view of a user for authorization purposes. For the
// global administrator Global is set and the node sets stay empty; scoped
// checks short-circuit to true. For everyone else each set is the union of
// the user's active assignments of that kind.
type Profile struct {
	UserID   types.ID
	Username string
	Role     Role
	Global   bool
	Nodes    map[NodeKind]map[types.ID]struct{}
}

// HasNode reports whether the profile can reach the given node.
func (p *Profile) HasNode(kind NodeKind, id types.ID) bool {
	if p.Global {
		return true
	}
	set, ok := p.Nodes[kind]
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

// NodeIDs returns the accessible node ids of one kind.
func (p *Profile) NodeIDs(kind NodeKind) []types.ID {
	set, ok := p.Nodes[kind]
	if !ok || len(set) == 0 {
		return nil
	}
	ids := make([]types.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// HoldsAny reports whether the profile holds at least one accessible node.
func (p *Profile) HoldsAny() bool {
	for _, set := range p.Nodes {
		if len(set) > 0 {
			return true
		}
	}
	return false
}
