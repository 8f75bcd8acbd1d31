package scope

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/edu-gov/platform/internal/hierarchy"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// --- Fakes ---

type fakeResolver struct {
	profiles map[types.ID]*hierarchy.Profile
}

func (f *fakeResolver) Resolve(ctx context.Context, userID types.ID) (*hierarchy.Profile, error) {
	p, ok := f.profiles[userID]
	if !ok {
		return nil, errors.NotFound("user", userID.String())
	}
	return p, nil
}

type fakePerms struct {
	rows map[string][]Permission // role|dataType
}

func (f *fakePerms) Permissions(ctx context.Context, role, dataType string) ([]Permission, error) {
	return f.rows[role+"|"+dataType], nil
}

type fakeOwners struct {
	owners map[types.ID]map[hierarchy.NodeKind]types.ID
}

func (f *fakeOwners) OwnerNodes(ctx context.Context, dataType string, recordID types.ID) (map[hierarchy.NodeKind]types.ID, error) {
	o, ok := f.owners[recordID]
	if !ok {
		return nil, errors.NotFound(dataType, recordID.String())
	}
	return o, nil
}

func profileWith(role hierarchy.Role, nodes map[hierarchy.NodeKind][]types.ID) *hierarchy.Profile {
	p := &hierarchy.Profile{
		UserID: types.NewID(),
		Role:   role,
		Global: role.IsGlobal(),
		Nodes:  make(map[hierarchy.NodeKind]map[types.ID]struct{}),
	}
	for kind, ids := range nodes {
		set := make(map[types.ID]struct{})
		for _, id := range ids {
			set[id] = struct{}{}
		}
		p.Nodes[kind] = set
	}
	return p
}

func newTestEngine(profiles map[types.ID]*hierarchy.Profile, rows map[string][]Permission, owners map[types.ID]map[hierarchy.NodeKind]types.ID) *Engine {
	return NewEngine(
		&fakeResolver{profiles: profiles},
		&fakePerms{rows: rows},
		&fakeOwners{owners: owners},
		DefaultRegistry(),
	)
}

// --- CanAccess ---

func TestCanAccessDefaultDeny(t *testing.T) {
	p := profileWith(hierarchy.Role{Name: "intern", Level: 3}, nil)
	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{p.UserID: p},
		map[string][]Permission{}, // no matrix rows at all
		nil,
	)

	allowed, err := engine.CanAccess(context.Background(), p.UserID, "students", ActionView, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("access granted with no matrix rows; want deny by default")
	}
}

func TestCanAccessUnknownUserDenied(t *testing.T) {
	engine := newTestEngine(map[types.ID]*hierarchy.Profile{}, nil, nil)

	allowed, err := engine.CanAccess(context.Background(), types.NewID(), "students", ActionView, nil)
	if err != nil {
		t.Fatalf("unknown user should deny, not error: %v", err)
	}
	if allowed {
		t.Error("access granted for unknown user")
	}
}

func TestCanAccessGlobalAdministrator(t *testing.T) {
	admin := profileWith(hierarchy.Role{Name: "admin", Level: 0}, nil)
	record := types.NewID()
	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{admin.UserID: admin},
		map[string][]Permission{}, // intentionally empty: global bypasses the matrix
		nil,
	)

	for _, action := range []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionExport} {
		allowed, err := engine.CanAccess(context.Background(), admin.UserID, "students", action, &record)
		if err != nil {
			t.Fatalf("action %s: unexpected error: %v", action, err)
		}
		if !allowed {
			t.Errorf("action %s: global administrator denied", action)
		}
	}
}

func TestCanAccessScopedRecord(t *testing.T) {
	schoolA, schoolB := types.NewID(), types.NewID()
	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {schoolA}},
	)

	inA, inB := types.NewID(), types.NewID()
	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{teacher.UserID: teacher},
		map[string][]Permission{
			"teacher|students": {{Level: LevelSchool, CanView: true}},
		},
		map[types.ID]map[hierarchy.NodeKind]types.ID{
			inA: {hierarchy.NodeSchool: schoolA},
			inB: {hierarchy.NodeSchool: schoolB},
		},
	)

	allowed, err := engine.CanAccess(context.Background(), teacher.UserID, "students", ActionView, &inA)
	if err != nil || !allowed {
		t.Errorf("record in own school: allowed=%v err=%v, want allow", allowed, err)
	}

	allowed, err = engine.CanAccess(context.Background(), teacher.UserID, "students", ActionView, &inB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("record in another school granted; want deny")
	}
}

func TestCanAccessActionsIndependent(t *testing.T) {
	schoolA := types.NewID()
	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {schoolA}},
	)
	record := types.NewID()

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{teacher.UserID: teacher},
		map[string][]Permission{
			"teacher|students": {{Level: LevelSchool, CanView: true, CanUpdate: true}},
		},
		map[types.ID]map[hierarchy.NodeKind]types.ID{
			record: {hierarchy.NodeSchool: schoolA},
		},
	)

	allowed, _ := engine.CanAccess(context.Background(), teacher.UserID, "students", ActionUpdate, &record)
	if !allowed {
		t.Error("update denied despite matrix grant")
	}

	allowed, _ = engine.CanAccess(context.Background(), teacher.UserID, "students", ActionDelete, &record)
	if allowed {
		t.Error("delete granted without a matrix grant")
	}
}

func TestCanAccessUnresolvableOwnerFailsClosed(t *testing.T) {
	schoolA := types.NewID()
	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {schoolA}},
	)
	missing := types.NewID()

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{teacher.UserID: teacher},
		map[string][]Permission{
			"teacher|students": {{Level: LevelSchool, CanView: true}},
		},
		map[types.ID]map[hierarchy.NodeKind]types.ID{}, // record has no owner mapping
	)

	allowed, err := engine.CanAccess(context.Background(), teacher.UserID, "students", ActionView, &missing)
	if err != nil {
		t.Fatalf("unresolvable owner should deny, not error: %v", err)
	}
	if allowed {
		t.Error("access granted for record with unresolvable owner; want fail closed")
	}
}

func TestCanAccessWiderScopeCoversRecord(t *testing.T) {
	district := types.NewID()
	coordinator := profileWith(
		hierarchy.Role{Name: "coordinator", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeDistrict: {district}},
	)
	record := types.NewID()

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{coordinator.UserID: coordinator},
		map[string][]Permission{
			"coordinator|students": {{Level: LevelDistrict, CanView: true}},
		},
		map[types.ID]map[hierarchy.NodeKind]types.ID{
			record: {
				hierarchy.NodeDistrict: district,
				hierarchy.NodeSchool:   types.NewID(),
			},
		},
	)

	allowed, err := engine.CanAccess(context.Background(), coordinator.UserID, "students", ActionView, &record)
	if err != nil || !allowed {
		t.Errorf("district-scoped access to record in held district: allowed=%v err=%v", allowed, err)
	}
}

func TestCanAccessSelfScope(t *testing.T) {
	intern := profileWith(hierarchy.Role{Name: "intern", Level: 3}, nil)
	record := types.NewID()

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{intern.UserID: intern},
		map[string][]Permission{
			"intern|students": {{Level: LevelSelf, CanView: true}},
		},
		nil,
	)

	allowed, err := engine.CanAccess(context.Background(), intern.UserID, "students", ActionView, &record)
	if err != nil || !allowed {
		t.Errorf("self scope: allowed=%v err=%v; narrowing is the filter's job", allowed, err)
	}
}

// --- BuildFilter ---

func TestBuildFilterGlobal(t *testing.T) {
	admin := profileWith(hierarchy.Role{Name: "admin", Level: 0}, nil)
	engine := newTestEngine(map[types.ID]*hierarchy.Profile{admin.UserID: admin}, nil, nil)

	pred, err := engine.BuildFilter(context.Background(), admin.UserID, "students")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := pred.(Always); !ok {
		t.Errorf("global filter = %#v, want Always", pred)
	}
}

func TestBuildFilterUnknownUser(t *testing.T) {
	engine := newTestEngine(map[types.ID]*hierarchy.Profile{}, nil, nil)

	pred, err := engine.BuildFilter(context.Background(), types.NewID(), "students")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := pred.(Never); !ok {
		t.Errorf("unknown user filter = %#v, want Never", pred)
	}
}

func TestBuildFilterNoGrantsMatchesNothing(t *testing.T) {
	teacher := profileWith(hierarchy.Role{Name: "teacher", Level: 2}, nil)
	engine := newTestEngine(map[types.ID]*hierarchy.Profile{teacher.UserID: teacher}, nil, nil)

	pred, err := engine.BuildFilter(context.Background(), teacher.UserID, "students")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := pred.(Never); !ok {
		t.Errorf("no-grant filter = %#v, want Never", pred)
	}
}

func TestBuildFilterSchoolScope(t *testing.T) {
	schoolA := types.NewID()
	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {schoolA}},
	)

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{teacher.UserID: teacher},
		map[string][]Permission{
			"teacher|students": {{Level: LevelSchool, CanView: true}},
		},
		nil,
	)

	pred, err := engine.BuildFilter(context.Background(), teacher.UserID, "students")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	or, ok := pred.(Or)
	if !ok || len(or.Preds) != 1 {
		t.Fatalf("filter = %#v, want Or with one clause", pred)
	}
	in, ok := or.Preds[0].(In)
	if !ok || in.Column != "school_id" || !reflect.DeepEqual(in.IDs, []types.ID{schoolA}) {
		t.Errorf("clause = %#v, want In on school_id", or.Preds[0])
	}
}

func TestBuildFilterDistrictThroughSchoolLink(t *testing.T) {
	district := types.NewID()
	partner := profileWith(
		hierarchy.Role{Name: "partner", Level: 1},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeDistrict: {district}},
	)

	// users carries no district column; the filter must route through the
	// linked school.
	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{partner.UserID: partner},
		map[string][]Permission{
			"partner|users": {{Level: LevelDistrict, CanView: true}},
		},
		nil,
	)

	pred, err := engine.BuildFilter(context.Background(), partner.UserID, "users")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	or, ok := pred.(Or)
	if !ok || len(or.Preds) != 1 {
		t.Fatalf("filter = %#v, want Or with one clause", pred)
	}
	link, ok := or.Preds[0].(InSchools)
	if !ok || link.Column != "school_id" || link.Kind != hierarchy.NodeDistrict {
		t.Errorf("clause = %#v, want InSchools through school_id", or.Preds[0])
	}
}

func TestBuildFilterSelfUsesCreatedBy(t *testing.T) {
	intern := profileWith(hierarchy.Role{Name: "intern", Level: 3}, nil)

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{intern.UserID: intern},
		map[string][]Permission{
			"intern|students": {{Level: LevelSelf, CanView: true}},
		},
		nil,
	)

	pred, err := engine.BuildFilter(context.Background(), intern.UserID, "students")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	or, ok := pred.(Or)
	if !ok || len(or.Preds) != 1 {
		t.Fatalf("filter = %#v, want Or with one clause", pred)
	}
	eq, ok := or.Preds[0].(Eq)
	if !ok || eq.Column != "created_by" || eq.Value != intern.UserID.String() {
		t.Errorf("clause = %#v, want Eq on created_by", or.Preds[0])
	}
}

// --- Filter/decision consistency ---

// evalPredicate applies a predicate to an in-memory row the way the rendered
// SQL would, with schools standing in for the education.schools table.
func evalPredicate(t *testing.T, p Predicate, rec map[string]string, schools map[types.ID]map[string]string) bool {
	t.Helper()
	switch q := p.(type) {
	case Always:
		return true
	case Never:
		return false
	case In:
		for _, id := range q.IDs {
			if rec[q.Column] == id.String() {
				return true
			}
		}
		return false
	case Eq:
		return rec[q.Column] == fmt.Sprintf("%v", q.Value)
	case InSchools:
		school, ok := schools[types.ID(rec[q.Column])]
		if !ok {
			return false
		}
		col, ok := schoolNodeColumns[q.Kind]
		if !ok {
			return false
		}
		for _, id := range q.IDs {
			if school[col] == id.String() {
				return true
			}
		}
		return false
	case Or:
		for _, sub := range q.Preds {
			if evalPredicate(t, sub, rec, schools) {
				return true
			}
		}
		return false
	case And:
		for _, sub := range q.Preds {
			if !evalPredicate(t, sub, rec, schools) {
				return false
			}
		}
		return true
	default:
		t.Fatalf("unhandled predicate %T", p)
		return false
	}
}

func TestFilterAgreesWithDecision(t *testing.T) {
	districtA, districtB := types.NewID(), types.NewID()
	school1, school2 := types.NewID(), types.NewID()
	schools := map[types.ID]map[string]string{
		school1: {"district_id": districtA.String()},
		school2: {"district_id": districtB.String()},
	}

	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {school1}},
	)
	coordinator := profileWith(
		hierarchy.Role{Name: "coordinator", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeDistrict: {districtB}},
	)
	intern := profileWith(hierarchy.Role{Name: "intern", Level: 3}, nil)

	st1, st2, st3 := types.NewID(), types.NewID(), types.NewID()
	records := map[types.ID]map[string]string{
		st1: {"school_id": school1.String(), "created_by": intern.UserID.String()},
		st2: {"school_id": school1.String(), "created_by": types.NewID().String()},
		st3: {"school_id": school2.String(), "created_by": intern.UserID.String()},
	}
	owners := map[types.ID]map[hierarchy.NodeKind]types.ID{
		st1: {hierarchy.NodeSchool: school1, hierarchy.NodeDistrict: districtA},
		st2: {hierarchy.NodeSchool: school1, hierarchy.NodeDistrict: districtA},
		st3: {hierarchy.NodeSchool: school2, hierarchy.NodeDistrict: districtB},
	}

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{
			teacher.UserID:     teacher,
			coordinator.UserID: coordinator,
			intern.UserID:      intern,
		},
		map[string][]Permission{
			"teacher|students":     {{Level: LevelSchool, CanView: true}},
			"coordinator|students": {{Level: LevelDistrict, CanView: true}},
			"intern|students":      {{Level: LevelSelf, CanView: true}},
		},
		owners,
	)

	cases := []struct {
		name string
		user types.ID
		// Self-scoped decisions say yes for every record and leave the
		// narrowing to the filter, so the converse direction is skipped.
		exact bool
	}{
		{"school scope", teacher.UserID, true},
		{"district scope through school link", coordinator.UserID, true},
		{"self scope", intern.UserID, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred, err := engine.BuildFilter(context.Background(), tc.user, "students")
			if err != nil {
				t.Fatalf("BuildFilter: %v", err)
			}
			for id, rec := range records {
				recordID := id
				matched := evalPredicate(t, pred, rec, schools)
				allowed, err := engine.CanAccess(context.Background(), tc.user, "students", ActionView, &recordID)
				if err != nil {
					t.Fatalf("CanAccess(%s): %v", id, err)
				}
				if matched && !allowed {
					t.Errorf("filter matches record %s but the decision denies it", id)
				}
				if tc.exact && allowed && !matched {
					t.Errorf("decision permits record %s but the filter excludes it", id)
				}
			}
		})
	}
}

func TestDecisionMonotonicUnderAssignmentChange(t *testing.T) {
	school1, school2 := types.NewID(), types.NewID()
	st1, st2 := types.NewID(), types.NewID()

	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {school1}},
	)

	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{teacher.UserID: teacher},
		map[string][]Permission{
			"teacher|students": {{Level: LevelSchool, CanView: true}},
		},
		map[types.ID]map[hierarchy.NodeKind]types.ID{
			st1: {hierarchy.NodeSchool: school1},
			st2: {hierarchy.NodeSchool: school2},
		},
	)

	permitted := func() map[types.ID]bool {
		out := make(map[types.ID]bool)
		for _, id := range []types.ID{st1, st2} {
			recordID := id
			allowed, err := engine.CanAccess(context.Background(), teacher.UserID, "students", ActionView, &recordID)
			if err != nil {
				t.Fatalf("CanAccess(%s): %v", id, err)
			}
			out[id] = allowed
		}
		return out
	}

	before := permitted()
	if !before[st1] || before[st2] {
		t.Fatalf("baseline permitted set = %v, want only the assigned school's record", before)
	}

	// Granting a second school only widens the permitted set.
	teacher.Nodes[hierarchy.NodeSchool][school2] = struct{}{}
	after := permitted()
	for id := range before {
		if before[id] && !after[id] {
			t.Errorf("record %s lost after an additional grant", id)
		}
	}
	if !after[st2] {
		t.Error("record in the newly granted school still denied")
	}

	// Deactivating the original assignment only narrows it.
	delete(teacher.Nodes[hierarchy.NodeSchool], school1)
	revoked := permitted()
	for id, ok := range revoked {
		if ok && !after[id] {
			t.Errorf("record %s appeared after a revocation", id)
		}
	}
	if revoked[st1] {
		t.Error("record in the revoked school still permitted")
	}
	if !revoked[st2] {
		t.Error("revoking one school dropped the other grant")
	}
}

func TestBuildFilterHeldNodesWithoutGrantMatchesNothing(t *testing.T) {
	schoolA := types.NewID()
	teacher := profileWith(
		hierarchy.Role{Name: "teacher", Level: 2},
		map[hierarchy.NodeKind][]types.ID{hierarchy.NodeSchool: {schoolA}},
	)

	// Rows exist but none grants view.
	engine := newTestEngine(
		map[types.ID]*hierarchy.Profile{teacher.UserID: teacher},
		map[string][]Permission{
			"teacher|students": {{Level: LevelSchool, CanUpdate: true}},
		},
		nil,
	)

	pred, err := engine.BuildFilter(context.Background(), teacher.UserID, "students")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := pred.(Never); !ok {
		t.Errorf("filter without view grant = %#v, want Never", pred)
	}
}
