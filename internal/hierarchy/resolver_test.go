package hierarchy

import (
	"context"
	"testing"

	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// --- Fake store ---

type fakeStore struct {
	roles map[types.ID]Role
	names map[types.ID]string
	nodes map[types.ID]map[NodeKind][]types.ID
}

func (f *fakeStore) UserRole(ctx context.Context, userID types.ID) (Role, string, error) {
	role, ok := f.roles[userID]
	if !ok {
		return Role{}, "", errors.NotFound("user", userID.String())
	}
	return role, f.names[userID], nil
}

func (f *fakeStore) ActiveNodes(ctx context.Context, userID types.ID) (map[NodeKind][]types.ID, error) {
	return f.nodes[userID], nil
}

func TestResolveGlobalAdministrator(t *testing.T) {
	adminID := types.NewID()
	store := &fakeStore{
		roles: map[types.ID]Role{adminID: {Name: "admin", Level: 0}},
		names: map[types.ID]string{adminID: "root"},
		// Even if stray assignments exist they must not be loaded.
		nodes: map[types.ID]map[NodeKind][]types.ID{
			adminID: {NodeSchool: {types.NewID()}},
		},
	}

	profile, err := NewResolver(store).Resolve(context.Background(), adminID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !profile.Global {
		t.Error("level-0 role should resolve with the global marker")
	}
	if len(profile.Nodes) != 0 {
		t.Errorf("global profile should carry no node sets, got %d", len(profile.Nodes))
	}
	if !profile.HasNode(NodeClass, types.NewID()) {
		t.Error("global profile should reach any node")
	}
}

func TestResolveScopedUser(t *testing.T) {
	userID := types.NewID()
	schoolA, schoolB := types.NewID(), types.NewID()
	district := types.NewID()

	store := &fakeStore{
		roles: map[types.ID]Role{userID: {Name: "coordinator", Level: 2}},
		names: map[types.ID]string{userID: "mira"},
		nodes: map[types.ID]map[NodeKind][]types.ID{
			userID: {
				NodeSchool:   {schoolA, schoolB},
				NodeDistrict: {district},
			},
		},
	}

	profile, err := NewResolver(store).Resolve(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.Global {
		t.Error("scoped user resolved as global")
	}
	if profile.Username != "mira" {
		t.Errorf("username = %q", profile.Username)
	}

	if !profile.HasNode(NodeSchool, schoolA) || !profile.HasNode(NodeSchool, schoolB) {
		t.Error("assigned schools not reachable")
	}
	if !profile.HasNode(NodeDistrict, district) {
		t.Error("assigned district not reachable")
	}
	if profile.HasNode(NodeSchool, types.NewID()) {
		t.Error("unassigned school reachable")
	}
	if profile.HasNode(NodeZone, district) {
		t.Error("node reachable under the wrong kind")
	}
}

func TestResolveUnknownUser(t *testing.T) {
	store := &fakeStore{roles: map[types.ID]Role{}}

	_, err := NewResolver(store).Resolve(context.Background(), types.NewID())
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected NotFound for unknown user, got %v", err)
	}
}

func TestResolveUserWithoutAssignments(t *testing.T) {
	userID := types.NewID()
	store := &fakeStore{
		roles: map[types.ID]Role{userID: {Name: "teacher", Level: 2}},
		names: map[types.ID]string{userID: "jovan"},
	}

	profile, err := NewResolver(store).Resolve(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.HoldsAny() {
		t.Error("user without assignments should hold no nodes")
	}
}

func TestNodeKindDepth(t *testing.T) {
	cases := []struct {
		kind  NodeKind
		depth int
	}{
		{NodeZone, 1},
		{NodeProvince, 2},
		{NodeDistrict, 3},
		{NodeSchool, 4},
		{NodeClass, 5},
		{NodeKind("building"), 0},
	}
	for _, tc := range cases {
		if got := tc.kind.Depth(); got != tc.depth {
			t.Errorf("Depth(%s) = %d, want %d", tc.kind, got, tc.depth)
		}
	}
}
