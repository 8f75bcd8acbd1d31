package scope

import (
	"fmt"
	"strings"

	"github.com/edu-gov/platform/internal/hierarchy"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Predicate is a structured filter condition. Listing queries render it with
// bound parameters and AND it into their own WHERE clause; it is never more
// permissive than the per-record access decision.
type Predicate interface {
	render(b *sqlBuilder) string
}

// Always matches every row.
type Always struct{}

// Never matches no row. Emitted for users with no accessible nodes:
// default-deny, never default-allow.
type Never struct{}

// In matches rows whose column is inside the id set.
type In struct {
	Column string
	IDs    []types.ID
}

// Eq matches rows whose column equals the value.
type Eq struct {
	Column string
	Value  any
}

// InSchools matches rows whose school link column references a school owned
// by one of the given nodes. Used for data types whose zone/province/district
// ownership resolves through their school.
type InSchools struct {
	Column string
	Kind   hierarchy.NodeKind
	IDs    []types.ID
}

// Or matches when any sub-predicate matches. Empty Or matches nothing.
type Or struct {
	Preds []Predicate
}

// And matches when all sub-predicates match. Empty And matches everything.
type And struct {
	Preds []Predicate
}

type sqlBuilder struct {
	next int
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	n := b.next
	b.next++
	return fmt.Sprintf("$%d", n)
}

func (Always) render(*sqlBuilder) string { return "TRUE" }
func (Never) render(*sqlBuilder) string  { return "FALSE" }

func (p In) render(b *sqlBuilder) string {
	if len(p.IDs) == 0 {
		return "FALSE"
	}
	return fmt.Sprintf("%s = ANY(%s::uuid[])", p.Column, b.bind(idStrings(p.IDs)))
}

func (p Eq) render(b *sqlBuilder) string {
	return fmt.Sprintf("%s = %s", p.Column, b.bind(p.Value))
}

func (p InSchools) render(b *sqlBuilder) string {
	if len(p.IDs) == 0 {
		return "FALSE"
	}
	col, ok := schoolNodeColumns[p.Kind]
	if !ok {
		return "FALSE"
	}
	return fmt.Sprintf("%s IN (SELECT id FROM education.schools WHERE %s = ANY(%s::uuid[]))",
		p.Column, col, b.bind(idStrings(p.IDs)))
}

func (p Or) render(b *sqlBuilder) string {
	return renderJoined(b, p.Preds, " OR ", "FALSE")
}

func (p And) render(b *sqlBuilder) string {
	return renderJoined(b, p.Preds, " AND ", "TRUE")
}

func renderJoined(b *sqlBuilder, preds []Predicate, sep, empty string) string {
	if len(preds) == 0 {
		return empty
	}
	if len(preds) == 1 {
		return preds[0].render(b)
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		parts = append(parts, p.render(b))
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// schoolNodeColumns names the node columns on education.schools.
var schoolNodeColumns = map[hierarchy.NodeKind]string{
	hierarchy.NodeZone:     "zone_id",
	hierarchy.NodeProvince: "province_id",
	hierarchy.NodeDistrict: "district_id",
}

// Render produces a SQL fragment with bound parameters, numbering placeholders
// from start. Listing queries append the returned args after their own.
func Render(p Predicate, start int) (string, []any) {
	b := &sqlBuilder{next: start}
	clause := p.render(b)
	return clause, b.args
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
