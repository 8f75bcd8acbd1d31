package recycle

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/auth"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Handler provides HTTP handlers for the recycle bin
type Handler struct {
	repo    *Repository
	service *Service
	guard   Guard
	ledger  audit.Ledger
	q       database.Querier
	clock   Clock
}

// NewHandler creates a new recycle handler
func NewHandler(repo *Repository, service *Service, guard Guard, ledger audit.Ledger, q database.Querier, clock Clock) *Handler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Handler{repo: repo, service: service, guard: guard, ledger: ledger, q: q, clock: clock}
}

// Routes registers the recycle routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListDeleted)
	r.Get("/{tombstoneID}", h.GetDeleted)
	r.Post("/{tombstoneID}/restore", h.Restore)

	return r
}

// deletedRecordView decorates a tombstone with its computed expiry state.
type deletedRecordView struct {
	*DeletedRecord
	ExpiresAt    string `json:"expires_at"`
	IsRestorable bool   `json:"is_restorable"`
}

func (h *Handler) view(d *DeletedRecord) deletedRecordView {
	return deletedRecordView{
		DeletedRecord: d,
		ExpiresAt:     d.ExpiresAt().Format("2006-01-02T15:04:05Z07:00"),
		IsRestorable:  d.IsRestorable(h.clock),
	}
}

func (h *Handler) authorize(r *http.Request, action scope.Action) (*auth.User, error) {
	user := auth.GetUser(r.Context())
	if user == nil {
		return nil, errors.Unauthorized("authentication required")
	}

	allowed, err := h.guard.CanAccess(r.Context(), user.ID, "deleted_records", action, nil)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.PermissionDenied()
	}
	return user, nil
}

// ListDeleted lists tombstones in the recycle bin
func (h *Handler) ListDeleted(w http.ResponseWriter, r *http.Request) {
	user, err := h.authorize(r, scope.ActionView)
	if err != nil {
		writeError(w, err)
		return
	}

	filter := ListFilter{}

	if tableName := r.URL.Query().Get("table_name"); tableName != "" {
		filter.TableName = tableName
	}
	if deletedBy := r.URL.Query().Get("deleted_by"); deletedBy != "" {
		if id, err := types.ParseID(deletedBy); err == nil {
			filter.DeletedBy = &id
		}
	}
	if pending := r.URL.Query().Get("pending"); pending == "true" {
		filter.OnlyPending = true
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

	records, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]deletedRecordView, 0, len(records))
	for _, d := range records {
		views = append(views, h.view(d))
	}

	// Looking into the bin is recorded; failures here do not block the read.
	_ = h.ledger.Append(r.Context(), h.q, audit.NewEntry(
		actorOf(user), audit.ActionRead, "deleted_records", nil, nil, nil, "Viewed recycle bin",
	))

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  views,
		"total": total,
	})
}

// GetDeleted gets a single tombstone
func (h *Handler) GetDeleted(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, scope.ActionView); err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "tombstoneID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid tombstone ID"))
		return
	}

	record, err := h.repo.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.view(record))
}

type restoreRequest struct {
	Reason string `json:"reason"`
}

// Restore brings a deleted record back from the bin
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "tombstoneID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid tombstone ID"))
		return
	}

	// The body is optional; an empty body restores without a stated reason.
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	record, err := h.service.Restore(r.Context(), id, actorOf(user), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.view(record))
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
