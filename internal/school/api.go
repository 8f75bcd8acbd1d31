package school

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edu-gov/platform/internal/audit"
	"github.com/edu-gov/platform/internal/recycle"
	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/auth"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q database.Querier) error) error
}

// Handler provides HTTP handlers for the education domain. Every operation
// follows the same shape: check access, operate, record. Listings never
// check per record; they merge the caller's scope filter into the query.
type Handler struct {
	repo     *Repository
	engine   *scope.Engine
	recycler *recycle.Service
	ledger   audit.Ledger
	tx       TxRunner
}

// NewHandler creates a new school handler
func NewHandler(repo *Repository, engine *scope.Engine, recycler *recycle.Service, ledger audit.Ledger, tx TxRunner) *Handler {
	return &Handler{repo: repo, engine: engine, recycler: recycler, ledger: ledger, tx: tx}
}

// Routes registers the education domain routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/schools", func(r chi.Router) {
		r.Get("/", h.ListSchools)
		r.Post("/", h.CreateSchool)
		r.Get("/{schoolID}", h.GetSchool)
		r.Put("/{schoolID}", h.UpdateSchool)
		r.Delete("/{schoolID}", h.DeleteSchool)
		r.Get("/{schoolID}/classes", h.ListClasses)
		r.Post("/{schoolID}/classes", h.CreateClass)
	})

	r.Route("/students", func(r chi.Router) {
		r.Get("/", h.ListStudents)
		r.Get("/export", h.ExportStudents)
		r.Post("/", h.CreateStudent)
		r.Get("/{studentID}", h.GetStudent)
		r.Put("/{studentID}", h.UpdateStudent)
		r.Delete("/{studentID}", h.DeleteStudent)
	})

	return r
}

func (h *Handler) requireUser(r *http.Request) (*auth.User, error) {
	user := auth.GetUser(r.Context())
	if user == nil {
		return nil, errors.Unauthorized("authentication required")
	}
	return user, nil
}

// check runs a record-level access decision and maps a refusal to the
// generic denial. Callers never learn whether a record exists outside
// their scope.
func (h *Handler) check(ctx context.Context, userID types.ID, dataType string, action scope.Action, recordID *types.ID) error {
	allowed, err := h.engine.CanAccess(ctx, userID, dataType, action, recordID)
	if err != nil {
		return err
	}
	if !allowed {
		return errors.PermissionDenied()
	}
	return nil
}

// --- Schools ---

type schoolRequest struct {
	Code       string   `json:"code"`
	Name       string   `json:"name"`
	ZoneID     types.ID `json:"zone_id"`
	ProvinceID types.ID `json:"province_id"`
	DistrictID types.ID `json:"district_id"`
}

// ListSchools lists schools visible to the caller
func (h *Handler) ListSchools(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	visible, err := h.engine.BuildFilter(r.Context(), user.ID, "schools")
	if err != nil {
		writeError(w, err)
		return
	}

	filter := SchoolFilter{Search: r.URL.Query().Get("search")}
	filter.Limit, filter.Offset = pagination(r)

	schools, total, err := h.repo.ListSchools(r.Context(), visible, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  schools,
		"total": total,
	})
}

// GetSchool gets one school
func (h *Handler) GetSchool(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "schoolID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid school ID"))
		return
	}

	if err := h.check(r.Context(), user.ID, "schools", scope.ActionView, &id); err != nil {
		writeError(w, err)
		return
	}

	school, err := h.repo.GetSchool(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, school)
}

// CreateSchool creates a school
func (h *Handler) CreateSchool(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req schoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Code == "" || req.Name == "" {
		writeError(w, errors.Validation("code and name are required", nil))
		return
	}

	if err := h.check(r.Context(), user.ID, "schools", scope.ActionCreate, nil); err != nil {
		writeError(w, err)
		return
	}

	school := &School{
		ID:         types.NewID(),
		Code:       req.Code,
		Name:       req.Name,
		ZoneID:     req.ZoneID,
		ProvinceID: req.ProvinceID,
		DistrictID: req.DistrictID,
	}

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.CreateSchool(r.Context(), q, school); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionCreate, "schools", &school.ID,
			nil, asMap(school), "Created school "+school.Code)
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, school)
}

// UpdateSchool updates a school
func (h *Handler) UpdateSchool(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "schoolID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid school ID"))
		return
	}

	var req schoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if err := h.check(r.Context(), user.ID, "schools", scope.ActionUpdate, &id); err != nil {
		writeError(w, err)
		return
	}

	school, err := h.repo.GetSchool(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	before := asMap(school)

	school.Code = req.Code
	school.Name = req.Name
	school.ZoneID = req.ZoneID
	school.ProvinceID = req.ProvinceID
	school.DistrictID = req.DistrictID

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.UpdateSchool(r.Context(), q, school); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionUpdate, "schools", &id,
			before, asMap(school), "Updated school "+school.Code)
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, school)
}

type deleteRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (h *Handler) softDelete(w http.ResponseWriter, r *http.Request, dataType, param string) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, param))
	if err != nil {
		writeError(w, errors.BadRequest("invalid record ID"))
		return
	}

	var req deleteRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if r.URL.Query().Get("force") == "true" {
		req.Force = true
	}

	tombstone, err := h.recycler.SoftDelete(r.Context(), dataType, id, actorOf(user), req.Reason, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "deleted",
		"tombstone": tombstone.ID,
	})
}

// DeleteSchool moves a school to the recycle bin
func (h *Handler) DeleteSchool(w http.ResponseWriter, r *http.Request) {
	h.softDelete(w, r, "schools", "schoolID")
}

// --- Classes ---

type classRequest struct {
	Name  string `json:"name"`
	Grade int    `json:"grade"`
}

// ListClasses lists a school's classes visible to the caller
func (h *Handler) ListClasses(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	schoolID, err := types.ParseID(chi.URLParam(r, "schoolID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid school ID"))
		return
	}

	visible, err := h.engine.BuildFilter(r.Context(), user.ID, "classes")
	if err != nil {
		writeError(w, err)
		return
	}

	classes, err := h.repo.ListClasses(r.Context(), visible, &schoolID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  classes,
		"total": len(classes),
	})
}

// CreateClass creates a class in a school
func (h *Handler) CreateClass(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	schoolID, err := types.ParseID(chi.URLParam(r, "schoolID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid school ID"))
		return
	}

	var req classRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, errors.Validation("name is required", nil))
		return
	}

	// Creating inside a school requires both create rights on classes and
	// view rights on the target school.
	if err := h.check(r.Context(), user.ID, "classes", scope.ActionCreate, nil); err != nil {
		writeError(w, err)
		return
	}
	if err := h.check(r.Context(), user.ID, "schools", scope.ActionView, &schoolID); err != nil {
		writeError(w, err)
		return
	}

	class := &Class{
		ID:       types.NewID(),
		SchoolID: schoolID,
		Name:     req.Name,
		Grade:    req.Grade,
	}

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.CreateClass(r.Context(), q, class); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionCreate, "classes", &class.ID,
			nil, asMap(class), "Created class "+class.Name)
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, class)
}

// --- Students ---

type studentRequest struct {
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	ExternalID string    `json:"external_id"`
	SchoolID   types.ID  `json:"school_id"`
	ClassID    *types.ID `json:"class_id"`
}

// ListStudents lists students visible to the caller
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	visible, err := h.engine.BuildFilter(r.Context(), user.ID, "students")
	if err != nil {
		writeError(w, err)
		return
	}

	filter := StudentFilter{Search: r.URL.Query().Get("search")}
	if schoolID := r.URL.Query().Get("school_id"); schoolID != "" {
		if id, err := types.ParseID(schoolID); err == nil {
			filter.SchoolID = &id
		}
	}
	if classID := r.URL.Query().Get("class_id"); classID != "" {
		if id, err := types.ParseID(classID); err == nil {
			filter.ClassID = &id
		}
	}
	filter.Limit, filter.Offset = pagination(r)

	students, total, err := h.repo.ListStudents(r.Context(), visible, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  students,
		"total": total,
	})
}

// ExportStudents returns every visible student in one batch. Exports are
// gated separately from plain viewing and always leave a ledger entry.
func (h *Handler) ExportStudents(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.check(r.Context(), user.ID, "students", scope.ActionExport, nil); err != nil {
		writeError(w, err)
		return
	}

	visible, err := h.engine.BuildFilter(r.Context(), user.ID, "students")
	if err != nil {
		writeError(w, err)
		return
	}

	students, total, err := h.repo.ListStudents(r.Context(), visible, StudentFilter{Limit: 200})
	if err != nil {
		writeError(w, err)
		return
	}

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		entry := audit.NewEntry(actorOf(user), audit.ActionRead, "students", nil,
			nil, map[string]any{"count": total}, "Exported student records")
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  students,
		"total": total,
	})
}

// GetStudent gets one student
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid student ID"))
		return
	}

	if err := h.check(r.Context(), user.ID, "students", scope.ActionView, &id); err != nil {
		writeError(w, err)
		return
	}

	student, err := h.repo.GetStudent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, student)
}

// CreateStudent creates a student
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req studentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.FirstName == "" || req.LastName == "" {
		writeError(w, errors.Validation("first and last name are required", nil))
		return
	}

	if err := h.check(r.Context(), user.ID, "students", scope.ActionCreate, nil); err != nil {
		writeError(w, err)
		return
	}
	// The new record lands in a school; the caller must be able to see it.
	if err := h.check(r.Context(), user.ID, "schools", scope.ActionView, &req.SchoolID); err != nil {
		writeError(w, err)
		return
	}

	student := &Student{
		ID:         types.NewID(),
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		ExternalID: req.ExternalID,
		SchoolID:   req.SchoolID,
		ClassID:    req.ClassID,
		CreatedBy:  user.ID,
	}

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.CreateStudent(r.Context(), q, student); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionCreate, "students", &student.ID,
			nil, asMap(student), "Created student record")
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, student)
}

// UpdateStudent updates a student
func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	user, err := h.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid student ID"))
		return
	}

	var req studentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if err := h.check(r.Context(), user.ID, "students", scope.ActionUpdate, &id); err != nil {
		writeError(w, err)
		return
	}

	student, err := h.repo.GetStudent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	before := asMap(student)

	student.FirstName = req.FirstName
	student.LastName = req.LastName
	student.ExternalID = req.ExternalID
	student.SchoolID = req.SchoolID
	student.ClassID = req.ClassID

	err = h.tx.WithTx(r.Context(), func(q database.Querier) error {
		if err := h.repo.UpdateStudent(r.Context(), q, student); err != nil {
			return err
		}
		entry := audit.NewEntry(actorOf(user), audit.ActionUpdate, "students", &id,
			before, asMap(student), "Updated student record")
		return h.ledger.Append(r.Context(), q, entry)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, student)
}

// DeleteStudent moves a student to the recycle bin
func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	h.softDelete(w, r, "students", "studentID")
}

// --- Helpers ---

// pagination reads limit/offset query parameters. Negative values would reach
// LIMIT/OFFSET as Postgres errors, so they clamp to zero.
func pagination(r *http.Request) (limit, offset int) {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func asMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
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
