package enroll

import (
	"github.com/volatiletech/null/v8"
)

// Enrollment tracks
const (
	TrackAudit    = "audit"
	TrackVerified = "verified"
	TrackMasters  = "masters"
)

// AnyRole excludes holders of any course role when used in
// Filter.ExcludedCourseRoles.
const AnyRole = "all"

type (
	// Learner is a platform account enrolled in a course. StudentKey is the
	// external program key, present for learners enrolled through a program
	// (masters track).
	Learner struct {
		UserID     string      `json:"user_id"`
		Username   string      `json:"username"`
		Name       string      `json:"name"`
		Email      string      `json:"email"`
		StudentKey null.String `json:"student_key"`
		CourseID   string      `json:"course_id"`
		Track      string      `json:"track"`
		Cohort     null.String `json:"cohort"`
		IsActive   bool        `json:"is_active"`
	}

	// CourseRole grants a user an elevated role within a single course.
	CourseRole struct {
		UserID   string `json:"user_id"`
		CourseID string `json:"course_id"`
		Role     string `json:"role"`
	}

	// Filter applies AND semantics on its fields. ExcludedCourseRoles drops
	// learners holding any of the named roles in the same course; a role held
	// in another course never excludes.
	Filter struct {
		CourseID            string `validate:"required,opaqueid"`
		Track               string
		Cohort              string
		ActiveOnly          bool
		ExcludedCourseRoles []string
	}
)

// ExcludesAnyRole reports whether ExcludedCourseRoles contains AnyRole.
func (f Filter) ExcludesAnyRole() bool {
	for _, role := range f.ExcludedCourseRoles {
		if role == AnyRole {
			return true
		}
	}
	return false
}
