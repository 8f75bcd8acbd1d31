package hierarchy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/shared/auth"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q database.Querier) error) error
}

// Handler provides HTTP handlers for hierarchy assignments
type Handler struct {
	repo     *Repository
	resolver *Resolver
	ledger   audit.Ledger
	tx       TxRunner
}

// NewHandler creates a new hierarchy handler
func NewHandler(repo *Repository, resolver *Resolver, ledger audit.Ledger, tx TxRunner) *Handler {
	return &Handler{repo: repo, resolver: resolver, ledger: ledger, tx: tx}
}

// Routes registers the hierarchy routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/assignments", h.Grant)
	r.Delete("/assignments/{assignmentID}", h.Revoke)
	r.Get("/users/{userID}/assignments", h.ListAssignments)
	r.Get("/users/{userID}/profile", h.GetProfile)

	return r
}

type grantRequest struct {
	UserID   types.ID `json:"user_id"`
	NodeKind string   `json:"node_kind"`
	NodeID   types.ID `json:"node_id"`
}

// manager loads the calling user and verifies they may manage assignments.
func (h *Handler) manager(r *http.Request) (*auth.User, *Profile, error) {
	user := auth.GetUser(r.Context())
	if user == nil {
		return nil, nil, errors.Unauthorized("authentication required")
	}

	profile, err := h.resolver.Resolve(r.Context(), user.ID)
	if err != nil {
		return nil, nil, err
	}
	if !profile.Role.CanManageHierarchy {
		return nil, nil, errors.Forbidden("role cannot manage hierarchy assignments")
	}
	return user, profile, nil
}

// withinReach reports whether the manager holds the node or one of its
// ancestors. Also validates that the node exists.
func (h *Handler) withinReach(ctx context.Context, p *Profile, kind NodeKind, nodeID types.ID) (bool, error) {
	ancestors, err := h.repo.NodeAncestors(ctx, kind, nodeID)
	if err != nil {
		return false, err
	}
	if p.Global {
		return true, nil
	}
	if p.HasNode(kind, nodeID) {
		return true, nil
	}
	for ancestorKind, ancestorID := range ancestors {
		if p.HasNode(ancestorKind, ancestorID) {
			return true, nil
		}
	}
	return false, nil
}

// Grant assigns a user to an organizational node
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	user, profile, err := h.manager(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	kind, err := ParseNodeKind(req.NodeKind)
	if err != nil {
		writeError(w, errors.BadRequest(err.Error()))
		return
	}

	targetRole, _, err := h.repo.UserRole(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if targetRole.IsGlobal() {
		writeError(w, errors.Validation("global administrators do not take assignments", nil))
		return
	}
	if targetRole.MaxDepth > 0 && kind.Depth() > targetRole.MaxDepth {
		writeError(w, errors.Validation("node kind is deeper than the role allows", map[string]string{
			"node_kind": req.NodeKind,
			"role":      targetRole.Name,
		}))
		return
	}

	ok, err := h.withinReach(r.Context(), profile, kind, req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, errors.PermissionDenied())
		return
	}

	assignment := &Assignment{
		ID:         types.NewID(),
		UserID:     req.UserID,
		Kind:       kind,
		NodeID:     req.NodeID,
		AssignedBy: user.ID,
		Active:     true,
	}

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.Grant(r.Context(), q, assignment); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionCreate, "hierarchy_assignments", &assignment.ID,
			nil, map[string]any{
				"user_id":   assignment.UserID.String(),
				"node_kind": string(assignment.Kind),
				"node_id":   assignment.NodeID.String(),
			}, "Granted hierarchy assignment")
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, assignment)
}

// Revoke deactivates an assignment
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	user, profile, err := h.manager(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "assignmentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid assignment ID"))
		return
	}

	assignment, err := h.repo.GetAssignment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	ok, err := h.withinReach(r.Context(), profile, assignment.Kind, assignment.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, errors.PermissionDenied())
		return
	}

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.Revoke(r.Context(), q, id, user.ID); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionUpdate, "hierarchy_assignments", &id,
			map[string]any{"active": true}, map[string]any{"active": false},
			"Revoked hierarchy assignment")
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// canInspect allows users to see their own assignments; managers see anyone's.
func (h *Handler) canInspect(r *http.Request) (types.ID, error) {
	user := auth.GetUser(r.Context())
	if user == nil {
		return "", errors.Unauthorized("authentication required")
	}

	targetID, err := types.ParseID(chi.URLParam(r, "userID"))
	if err != nil {
		return "", errors.BadRequest("invalid user ID")
	}

	if targetID == user.ID {
		return targetID, nil
	}

	role, _, err := h.repo.UserRole(r.Context(), user.ID)
	if err != nil {
		return "", err
	}
	if !role.CanManageHierarchy {
		return "", errors.PermissionDenied()
	}
	return targetID, nil
}

// ListAssignments lists a user's assignments
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	targetID, err := h.canInspect(r)
	if err != nil {
		writeError(w, err)
		return
	}

	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	assignments, err := h.repo.ListAssignments(r.Context(), targetID, includeInactive)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  assignments,
		"total": len(assignments),
	})
}

// GetProfile returns the resolved authorization profile for a user
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	targetID, err := h.canInspect(r)
	if err != nil {
		writeError(w, err)
		return
	}

	profile, err := h.resolver.Resolve(r.Context(), targetID)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes := make(map[string][]string)
	for kind := range profile.Nodes {
		for _, id := range profile.NodeIDs(kind) {
			nodes[string(kind)] = append(nodes[string(kind)], id.String())
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  profile.UserID,
		"username": profile.Username,
		"role":     profile.Role,
		"global":   profile.Global,
		"nodes":    nodes,
	})
}

func actorOf(user *auth.User) audit.Actor {
	return audit.Actor{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
		IP:       user.IP,
		Agent:    user.Agent,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
