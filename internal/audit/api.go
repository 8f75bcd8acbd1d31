package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edu-gov/platform/internal/shared/auth"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// AccessCheck answers whether a user may perform an action on the ledger.
// Kept as a function type so this package stays below the decision engine.
type AccessCheck func(ctx context.Context, userID types.ID, action string) (bool, error)

// Handler provides HTTP handlers for the audit module
type Handler struct {
	repo   *Repository
	access AccessCheck
	q      database.Querier
}

// NewHandler creates a new audit handler
func NewHandler(repo *Repository, access AccessCheck, q database.Querier) *Handler {
	return &Handler{repo: repo, access: access, q: q}
}

// Routes registers the audit routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListEntries)
	r.Get("/verify", h.VerifyChain)
	r.Get("/record/{tableName}/{recordID}", h.GetByRecord)
	r.Get("/{entryID}", h.GetEntry)

	return r
}

// authorize checks audit-log access for the current session.
func (h *Handler) authorize(r *http.Request, action string) (*auth.User, error) {
	user := auth.GetUser(r.Context())
	if user == nil {
		return nil, errors.Unauthorized("authentication required")
	}

	allowed, err := h.access(r.Context(), user.ID, action)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.PermissionDenied()
	}
	return user, nil
}

// ListEntries lists ledger entries with filters
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	user, err := h.authorize(r, "view")
	if err != nil {
		writeError(w, err)
		return
	}

	filter := ListFilter{}

	if actorID := r.URL.Query().Get("actor_id"); actorID != "" {
		if id, err := types.ParseID(actorID); err == nil {
			filter.ActorID = &id
		}
	}

	if action := r.URL.Query().Get("action"); action != "" {
		filter.Action = Action(action)
	}

	if tableName := r.URL.Query().Get("table_name"); tableName != "" {
		filter.TableName = tableName
	}

	if recordID := r.URL.Query().Get("record_id"); recordID != "" {
		if id, err := types.ParseID(recordID); err == nil {
			filter.RecordID = &id
		}
	}

	if startTime := r.URL.Query().Get("start_time"); startTime != "" {
		if t, err := time.Parse(time.RFC3339, startTime); err == nil {
			filter.StartTime = &t
		}
	}

	if endTime := r.URL.Query().Get("end_time"); endTime != "" {
		if t, err := time.Parse(time.RFC3339, endTime); err == nil {
			filter.EndTime = &t
		}
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			filter.Offset = o
		}
	}

	entries, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	// Ledger access is itself a read of interest; best-effort.
	_ = h.repo.Append(r.Context(), h.q, NewEntry(
		actorOf(user), ActionRead, "audit_log", nil, nil, nil, "Viewed audit log",
	))

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"total": total,
	})
}

// GetEntry gets a ledger entry by ID
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, "view"); err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "entryID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid entry ID"))
		return
	}

	entry, err := h.repo.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// VerifyChain verifies the integrity of the ledger chain
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, "view"); err != nil {
		writeError(w, err)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	result, err := h.repo.VerifyChain(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetByRecord gets ledger entries for a specific record
func (h *Handler) GetByRecord(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, "view"); err != nil {
		writeError(w, err)
		return
	}

	tableName := chi.URLParam(r, "tableName")
	recordID, err := types.ParseID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid record ID"))
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.repo.GetByRecord(r.Context(), tableName, recordID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"total": len(entries),
	})
}

func actorOf(user *auth.User) Actor {
	return Actor{
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
