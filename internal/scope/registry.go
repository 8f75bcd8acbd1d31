package scope

import (
	"fmt"

	"github.com/edu-gov/platform/internal/hierarchy"
)

// Descriptor declares, once at startup, how a data type maps onto the
// organizational hierarchy: which table holds it, which columns carry node
// ids, and which child tables block a plain delete. It replaces per-call
// switches over data-type names.
type Descriptor struct {
	// DataType is the logical name used by the permission matrix.
	DataType string
	// Table is the schema-qualified table name.
	Table string
	// IDColumn is the primary key column, "id" unless stated otherwise.
	IDColumn string
	// NodeColumns maps a node kind to the column on Table that holds the
	// owning node id of that kind. Kinds absent here resolve through the
	// linked school, if any.
	NodeColumns map[hierarchy.NodeKind]string
	// SchoolLink is the column referencing education.schools when zone,
	// province and district ownership resolves through the record's school.
	// Empty for tables that carry those columns directly.
	SchoolLink string
	// SelfColumn is the column equal to the requesting user's id for the
	// self scope. Empty when the type has no notion of self.
	SelfColumn string
	// CreatedByColumn is the column recording the creating user, OR-ed into
	// listing filters for roles granted self scope on creator-owned types.
	CreatedByColumn string
	// Children are dependent tables that must be cascade-deleted explicitly.
	Children []ChildTable
}

// ChildTable names a dependent data type and the column linking it to the
// parent record.
type ChildTable struct {
	DataType   string
	ForeignKey string
}

// IDColumnName returns the primary key column, defaulting to "id".
func (d Descriptor) IDColumnName() string {
	if d.IDColumn == "" {
		return "id"
	}
	return d.IDColumn
}

// Registry holds all registered descriptors, keyed by data type.
type Registry struct {
	byType map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Descriptor)}
}

// Register adds a descriptor. Registering the same data type twice is a
// programming error.
func (r *Registry) Register(d Descriptor) error {
	if d.DataType == "" || d.Table == "" {
		return fmt.Errorf("descriptor needs data type and table")
	}
	if _, exists := r.byType[d.DataType]; exists {
		return fmt.Errorf("data type %q already registered", d.DataType)
	}
	r.byType[d.DataType] = d
	return nil
}

// Get looks up the descriptor for a data type.
func (r *Registry) Get(dataType string) (Descriptor, bool) {
	d, ok := r.byType[dataType]
	return d, ok
}

// MustRegister registers a descriptor and panics on error. For startup wiring.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// DefaultRegistry wires the education domain.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.MustRegister(Descriptor{
		DataType: "schools",
		Table:    "education.schools",
		NodeColumns: map[hierarchy.NodeKind]string{
			hierarchy.NodeZone:     "zone_id",
			hierarchy.NodeProvince: "province_id",
			hierarchy.NodeDistrict: "district_id",
			hierarchy.NodeSchool:   "id",
		},
		Children: []ChildTable{
			{DataType: "classes", ForeignKey: "school_id"},
			{DataType: "students", ForeignKey: "school_id"},
		},
	})

	r.MustRegister(Descriptor{
		DataType: "classes",
		Table:    "education.classes",
		NodeColumns: map[hierarchy.NodeKind]string{
			hierarchy.NodeSchool: "school_id",
			hierarchy.NodeClass:  "id",
		},
		SchoolLink: "school_id",
		Children: []ChildTable{
			{DataType: "students", ForeignKey: "class_id"},
		},
	})

	r.MustRegister(Descriptor{
		DataType: "students",
		Table:    "education.students",
		NodeColumns: map[hierarchy.NodeKind]string{
			hierarchy.NodeSchool: "school_id",
			hierarchy.NodeClass:  "class_id",
		},
		SchoolLink:      "school_id",
		CreatedByColumn: "created_by",
	})

	r.MustRegister(Descriptor{
		DataType: "users",
		Table:    "identity.users",
		NodeColumns: map[hierarchy.NodeKind]string{
			hierarchy.NodeSchool: "school_id",
		},
		SchoolLink: "school_id",
		SelfColumn: "id",
	})

	return r
}
