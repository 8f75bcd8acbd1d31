// Package school holds the education domain records the authorization
// engine guards: schools, classes and students.
package school

import (
	"time"

	"github.com/edu-gov/platform/internal/shared/types"
)

// School is one institution, pinned to its zone, province and district.
type School struct {
	ID         types.ID  `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	ZoneID     types.ID  `json:"zone_id"`
	ProvinceID types.ID  `json:"province_id"`
	DistrictID types.ID  `json:"district_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Class is one classroom group within a school.
type Class struct {
	ID        types.ID  `json:"id"`
	SchoolID  types.ID  `json:"school_id"`
	Name      string    `json:"name"`
	Grade     int       `json:"grade"`
	CreatedAt time.Time `json:"created_at"`
}

// Student is one enrolled student. ClassID is nil until the student is
// placed in a class. ExternalID carries the student information system
// identifier for imported records.
type Student struct {
	ID         types.ID  `json:"id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	ExternalID string    `json:"external_id,omitempty"`
	SchoolID   types.ID  `json:"school_id"`
	ClassID    *types.ID `json:"class_id,omitempty"`
	CreatedBy  types.ID  `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StudentFilter narrows student listings on top of the scope filter.
type StudentFilter struct {
	SchoolID *types.ID
	ClassID  *types.ID
	Search   string
	Limit    int
	Offset   int
}

// SchoolFilter narrows school listings on top of the scope filter.
type SchoolFilter struct {
	Search string
	Limit  int
	Offset int
}
