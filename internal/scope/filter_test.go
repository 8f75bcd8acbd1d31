package scope

import (
	"testing"

	"github.com/edu-gov/platform/internal/hierarchy"
	"github.com/edu-gov/platform/internal/shared/types"
)

func TestRenderAlwaysNever(t *testing.T) {
	clause, args := Render(Always{}, 1)
	if clause != "TRUE" || len(args) != 0 {
		t.Errorf("Always rendered as %q with %d args", clause, len(args))
	}

	clause, args = Render(Never{}, 1)
	if clause != "FALSE" || len(args) != 0 {
		t.Errorf("Never rendered as %q with %d args", clause, len(args))
	}
}

func TestRenderIn(t *testing.T) {
	a, b := types.NewID(), types.NewID()

	clause, args := Render(In{Column: "school_id", IDs: []types.ID{a, b}}, 1)
	if clause != "school_id = ANY($1::uuid[])" {
		t.Errorf("unexpected clause: %q", clause)
	}
	if len(args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(args))
	}
	ids, ok := args[0].([]string)
	if !ok || len(ids) != 2 {
		t.Errorf("expected a two-element string slice, got %#v", args[0])
	}
}

func TestRenderEmptyInMatchesNothing(t *testing.T) {
	clause, args := Render(In{Column: "school_id"}, 1)
	if clause != "FALSE" {
		t.Errorf("empty In should render FALSE, got %q", clause)
	}
	if len(args) != 0 {
		t.Errorf("empty In should bind nothing, got %d args", len(args))
	}
}

func TestRenderParameterNumbering(t *testing.T) {
	a := types.NewID()
	p := Or{Preds: []Predicate{
		In{Column: "school_id", IDs: []types.ID{a}},
		Eq{Column: "created_by", Value: "u1"},
	}}

	clause, args := Render(p, 4)
	want := "(school_id = ANY($4::uuid[]) OR created_by = $5)"
	if clause != want {
		t.Errorf("clause = %q, want %q", clause, want)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
}

func TestRenderInSchools(t *testing.T) {
	a := types.NewID()
	p := InSchools{Column: "school_id", Kind: hierarchy.NodeDistrict, IDs: []types.ID{a}}

	clause, args := Render(p, 1)
	want := "school_id IN (SELECT id FROM education.schools WHERE district_id = ANY($1::uuid[]))"
	if clause != want {
		t.Errorf("clause = %q, want %q", clause, want)
	}
	if len(args) != 1 {
		t.Errorf("expected 1 arg, got %d", len(args))
	}
}

func TestRenderEmptyCombinators(t *testing.T) {
	if clause, _ := Render(Or{}, 1); clause != "FALSE" {
		t.Errorf("empty Or should render FALSE, got %q", clause)
	}
	if clause, _ := Render(And{}, 1); clause != "TRUE" {
		t.Errorf("empty And should render TRUE, got %q", clause)
	}
}

func TestRenderSingleClauseUnwrapped(t *testing.T) {
	clause, _ := Render(Or{Preds: []Predicate{Eq{Column: "id", Value: "x"}}}, 1)
	if clause != "id = $1" {
		t.Errorf("single-clause Or should not parenthesize, got %q", clause)
	}
}
