package grades

import (
	"context"
	"strings"

	"github.com/volatiletech/null/v8"
)

// Feature and comment recorded on every bulk grade override.
const (
	OverrideFeature = "grade-import"
	OverrideComment = "Bulk Grade Import"
)

type (
	// Subsection is a graded unit of a course, e.g. a homework or exam.
	Subsection struct {
		BlockID        string `json:"block_id"`
		DisplayName    string `json:"display_name"`
		AssignmentType string `json:"assignment_type"`
	}

	// SubsectionGrade is a learner's grade on one subsection, with any
	// manual override the gradebook holds for it. Only the graded totals
	// drive this service; the all totals ride along from the API.
	SubsectionGrade struct {
		BlockID        string         `json:"block_id"`
		EarnedAll      float64        `json:"earned_all"`
		PossibleAll    float64        `json:"possible_all"`
		EarnedGraded   float64        `json:"earned_graded"`
		PossibleGraded float64        `json:"possible_graded"`
		Override       *GradeOverride `json:"override,omitempty"`
	}

	GradeOverride struct {
		EarnedAllOverride      float64 `json:"earned_all_override"`
		PossibleAllOverride    float64 `json:"possible_all_override"`
		EarnedGradedOverride   float64 `json:"earned_graded_override"`
		PossibleGradedOverride float64 `json:"possible_graded_override"`
	}

	// CourseGrade is a learner's overall standing. Percent runs 0 to 1.
	CourseGrade struct {
		Percent     float64     `json:"percent"`
		LetterGrade null.String `json:"letter_grade"`
		Passed      bool        `json:"passed"`
	}

	// OverrideRequest asks the gradebook to override one subsection grade.
	OverrideRequest struct {
		UserID       string  `json:"user_id"`
		CourseID     string  `json:"course_id"`
		BlockID      string  `json:"block_id"`
		OverriderID  string  `json:"overrider_id,omitempty"`
		EarnedGraded float64 `json:"earned_graded"`
		Feature      string  `json:"feature"`
		Comment      string  `json:"comment"`
	}

	// Gradebook is the host platform's grading API.
	Gradebook interface {
		// GradedSubsections lists a course's graded subsections in course order.
		GradedSubsections(ctx context.Context, courseID string) ([]Subsection, error)
		// PrefetchGrades warms up grade data for a set of learners ahead of
		// per-learner reads.
		PrefetchGrades(ctx context.Context, courseID string, userIDs []string) error
		// SubsectionGrades returns a learner's subsection grades keyed by block ID.
		SubsectionGrades(ctx context.Context, courseID, userID string) (map[string]SubsectionGrade, error)
		CourseGrade(ctx context.Context, courseID, userID string) (CourseGrade, error)
		OverrideSubsectionGrade(ctx context.Context, req OverrideRequest) error
		// RecalculateGrades queues a course-wide grade recomputation.
		RecalculateGrades(ctx context.Context, courseID string) error
	}
)

// ShortID is the first 8 chars of the block's unique suffix. Subsection
// column names are built from it.
func (s Subsection) ShortID() string {
	id := s.BlockID
	if i := strings.LastIndexByte(id, '@'); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Effective is the override score when one exists, the earned score otherwise.
func (g SubsectionGrade) Effective() float64 {
	if g.Override != nil {
		return g.Override.EarnedGradedOverride
	}
	return g.EarnedGraded
}

// EffectivePercent scales the effective score to 0-100 of the possible
// score, preferring the override's possible score when overridden.
func (g SubsectionGrade) EffectivePercent() float64 {
	earned, possible := g.EarnedGraded, g.PossibleGraded
	if g.Override != nil {
		earned, possible = g.Override.EarnedGradedOverride, g.Override.PossibleGradedOverride
	}
	if possible == 0 {
		return 0
	}
	return 100 * earned / possible
}
