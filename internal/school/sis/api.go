package sis

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/school"
	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/auth"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Guard answers record-level access questions.
type Guard interface {
	CanAccess(ctx context.Context, userID types.ID, dataType string, action scope.Action, resourceID *types.ID) (bool, error)
}

// Handler exposes roster imports over HTTP.
type Handler struct {
	importer *Importer
	schools  *school.Repository
	guard    Guard
}

// NewHandler creates a new SIS handler.
func NewHandler(importer *Importer, schools *school.Repository, guard Guard) *Handler {
	return &Handler{importer: importer, schools: schools, guard: guard}
}

// Routes registers the SIS routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/import/{schoolID}", h.ImportSchool)

	return r
}

type importRequest struct {
	Since *time.Time `json:"since"`
}

// ImportSchool pulls the SIS roster for one school and reconciles it.
func (h *Handler) ImportSchool(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	schoolID, err := types.ParseID(chi.URLParam(r, "schoolID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid school ID"))
		return
	}

	// Imports create students in the target school; the caller needs both.
	allowed, err := h.guard.CanAccess(r.Context(), user.ID, "students", scope.ActionCreate, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeError(w, errors.PermissionDenied())
		return
	}
	allowed, err = h.guard.CanAccess(r.Context(), user.ID, "schools", scope.ActionView, &schoolID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !allowed {
		writeError(w, errors.PermissionDenied())
		return
	}

	var req importRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	since := time.Time{}
	if req.Since != nil {
		since = *req.Since
	}

	target, err := h.schools.GetSchool(r.Context(), schoolID)
	if err != nil {
		writeError(w, err)
		return
	}

	actor := audit.Actor{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
		IP:       user.IP,
		Agent:    user.Agent,
	}

	stats, err := h.importer.ImportSchool(r.Context(), target, since, actor)
	if err != nil {
		writeError(w, errors.Wrap(err, "roster import failed"))
		return
	}

	writeJSON(w, http.StatusOK, stats)
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
