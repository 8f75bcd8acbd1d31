package school

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/edu-gov/platform/internal/scope"
	"github.com/edu-gov/platform/internal/shared/database"
	"github.com/edu-gov/platform/internal/shared/errors"
	"github.com/edu-gov/platform/internal/shared/types"
)

// Repository provides database operations for the education domain. Listing
// queries take a scope predicate and merge it into the WHERE clause, so a
// caller can only ever see rows its hierarchy reach covers.
type Repository struct {
	q database.Querier
}

// NewRepository creates a new school repository
func NewRepository(q database.Querier) *Repository {
	return &Repository{q: q}
}

// --- Schools ---

const schoolColumns = `id, code, name, zone_id, province_id, district_id, created_at, updated_at`

func scanSchool(row pgx.Row) (*School, error) {
	var s School
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.ZoneID, &s.ProvinceID, &s.DistrictID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSchools returns visible schools plus the total count behind the filter.
func (r *Repository) ListSchools(ctx context.Context, visible scope.Predicate, filter SchoolFilter) ([]*School, int, error) {
	scopeSQL, args := scope.Render(visible, 1)
	conditions := []string{"NOT is_deleted", scopeSQL}
	argNum := len(args) + 1

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR code ILIKE $%d)", argNum, argNum))
		args = append(args, "%"+filter.Search+"%")
		argNum++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM education.schools WHERE %s`, where)
	if err := r.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count schools")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM education.schools
		WHERE %s
		ORDER BY name
		LIMIT $%d OFFSET $%d`, schoolColumns, where, argNum, argNum+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list schools")
	}
	defer rows.Close()

	var schools []*School
	for rows.Next() {
		s, err := scanSchool(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan school")
		}
		schools = append(schools, s)
	}
	return schools, total, nil
}

// GetSchool loads one live school by id.
func (r *Repository) GetSchool(ctx context.Context, id types.ID) (*School, error) {
	query := fmt.Sprintf(`SELECT %s FROM education.schools WHERE id = $1 AND NOT is_deleted`, schoolColumns)

	s, err := scanSchool(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("school", id.String())
		}
		return nil, errors.Wrap(err, "failed to get school")
	}
	return s, nil
}

// CreateSchool inserts a school inside the caller's transaction.
func (r *Repository) CreateSchool(ctx context.Context, q database.Querier, s *School) error {
	query := `
		INSERT INTO education.schools (id, code, name, zone_id, province_id, district_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := q.QueryRow(ctx, query, s.ID, s.Code, s.Name, s.ZoneID, s.ProvinceID, s.DistrictID).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create school")
	}
	return nil
}

// UpdateSchool updates a school's mutable fields inside the caller's transaction.
func (r *Repository) UpdateSchool(ctx context.Context, q database.Querier, s *School) error {
	query := `
		UPDATE education.schools
		SET code = $2, name = $3, zone_id = $4, province_id = $5, district_id = $6, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := q.Exec(ctx, query, s.ID, s.Code, s.Name, s.ZoneID, s.ProvinceID, s.DistrictID)
	if err != nil {
		return errors.Wrap(err, "failed to update school")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("school", s.ID.String())
	}
	return nil
}

// --- Classes ---

const classColumns = `id, school_id, name, grade, created_at`

func scanClass(row pgx.Row) (*Class, error) {
	var c Class
	err := row.Scan(&c.ID, &c.SchoolID, &c.Name, &c.Grade, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClasses returns visible classes, optionally narrowed to one school.
func (r *Repository) ListClasses(ctx context.Context, visible scope.Predicate, schoolID *types.ID) ([]*Class, error) {
	scopeSQL, args := scope.Render(visible, 1)
	conditions := []string{"NOT is_deleted", scopeSQL}
	argNum := len(args) + 1

	if schoolID != nil {
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", argNum))
		args = append(args, *schoolID)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM education.classes
		WHERE %s
		ORDER BY grade, name`, classColumns, strings.Join(conditions, " AND "))

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classes")
	}
	defer rows.Close()

	var classes []*Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan class")
		}
		classes = append(classes, c)
	}
	return classes, nil
}

// GetClass loads one live class by id.
func (r *Repository) GetClass(ctx context.Context, id types.ID) (*Class, error) {
	query := fmt.Sprintf(`SELECT %s FROM education.classes WHERE id = $1 AND NOT is_deleted`, classColumns)

	c, err := scanClass(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("class", id.String())
		}
		return nil, errors.Wrap(err, "failed to get class")
	}
	return c, nil
}

// CreateClass inserts a class inside the caller's transaction.
func (r *Repository) CreateClass(ctx context.Context, q database.Querier, c *Class) error {
	query := `
		INSERT INTO education.classes (id, school_id, name, grade)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := q.QueryRow(ctx, query, c.ID, c.SchoolID, c.Name, c.Grade).Scan(&c.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create class")
	}
	return nil
}

// --- Students ---

const studentColumns = `id, first_name, last_name, external_id, school_id, class_id, created_by, created_at, updated_at`

func scanStudent(row pgx.Row) (*Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.FirstName, &s.LastName, &s.ExternalID, &s.SchoolID, &s.ClassID,
		&s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStudents returns visible students plus the total count behind the filter.
func (r *Repository) ListStudents(ctx context.Context, visible scope.Predicate, filter StudentFilter) ([]*Student, int, error) {
	scopeSQL, args := scope.Render(visible, 1)
	conditions := []string{"NOT is_deleted", scopeSQL}
	argNum := len(args) + 1

	if filter.SchoolID != nil {
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", argNum))
		args = append(args, *filter.SchoolID)
		argNum++
	}
	if filter.ClassID != nil {
		conditions = append(conditions, fmt.Sprintf("class_id = $%d", argNum))
		args = append(args, *filter.ClassID)
		argNum++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d)", argNum, argNum))
		args = append(args, "%"+filter.Search+"%")
		argNum++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM education.students WHERE %s`, where)
	if err := r.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count students")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM education.students
		WHERE %s
		ORDER BY last_name, first_name
		LIMIT $%d OFFSET $%d`, studentColumns, where, argNum, argNum+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list students")
	}
	defer rows.Close()

	var students []*Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan student")
		}
		students = append(students, s)
	}
	return students, total, nil
}

// GetStudent loads one live student by id.
func (r *Repository) GetStudent(ctx context.Context, id types.ID) (*Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM education.students WHERE id = $1 AND NOT is_deleted`, studentColumns)

	s, err := scanStudent(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("student", id.String())
		}
		return nil, errors.Wrap(err, "failed to get student")
	}
	return s, nil
}

// CreateStudent inserts a student inside the caller's transaction.
func (r *Repository) CreateStudent(ctx context.Context, q database.Querier, s *Student) error {
	query := `
		INSERT INTO education.students (id, first_name, last_name, external_id, school_id, class_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := q.QueryRow(ctx, query, s.ID, s.FirstName, s.LastName, s.ExternalID, s.SchoolID, s.ClassID, s.CreatedBy).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create student")
	}
	return nil
}

// UpdateStudent updates a student's mutable fields inside the caller's transaction.
func (r *Repository) UpdateStudent(ctx context.Context, q database.Querier, s *Student) error {
	query := `
		UPDATE education.students
		SET first_name = $2, last_name = $3, external_id = $4, school_id = $5, class_id = $6, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := q.Exec(ctx, query, s.ID, s.FirstName, s.LastName, s.ExternalID, s.SchoolID, s.ClassID)
	if err != nil {
		return errors.Wrap(err, "failed to update student")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("student", s.ID.String())
	}
	return nil
}

// FindStudentByExternalID looks a student up by its student information
// system identifier within one school.
func (r *Repository) FindStudentByExternalID(ctx context.Context, schoolID types.ID, externalID string) (*Student, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM education.students
		WHERE school_id = $1 AND external_id = $2 AND NOT is_deleted`, studentColumns)

	s, err := scanStudent(r.q.QueryRow(ctx, query, schoolID, externalID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("student", externalID)
		}
		return nil, errors.Wrap(err, "failed to find student")
	}
	return s, nil
}
