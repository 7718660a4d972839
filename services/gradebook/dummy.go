package gradebooksvc

import (
	"context"
	"sync"

	"github.com/trezcool/alama/core/grades"
)

// Dummy is an in-memory gradebook for local runs and tests. Overrides are
// applied to its grade data so a commit is visible in later exports.
type Dummy struct {
	mu           sync.Mutex
	subsections  map[string][]grades.Subsection                        // course
	grades       map[string]map[string]map[string]grades.SubsectionGrade // course -> user -> block
	courseGrades map[string]map[string]grades.CourseGrade              // course -> user

	Overrides    []grades.OverrideRequest
	Recalculated []string
}

var _ grades.Gradebook = (*Dummy)(nil)

func NewDummy() *Dummy {
	return &Dummy{
		subsections:  make(map[string][]grades.Subsection),
		grades:       make(map[string]map[string]map[string]grades.SubsectionGrade),
		courseGrades: make(map[string]map[string]grades.CourseGrade),
	}
}

func (d *Dummy) SetSubsections(courseID string, subsections ...grades.Subsection) {
	d.mu.Lock()
	d.subsections[courseID] = subsections
	d.mu.Unlock()
}

func (d *Dummy) SetGrade(courseID, userID string, grade grades.SubsectionGrade) {
	d.mu.Lock()
	d.userGrades(courseID, userID)[grade.BlockID] = grade
	d.mu.Unlock()
}

func (d *Dummy) SetCourseGrade(courseID, userID string, grade grades.CourseGrade) {
	d.mu.Lock()
	users, ok := d.courseGrades[courseID]
	if !ok {
		users = make(map[string]grades.CourseGrade)
		d.courseGrades[courseID] = users
	}
	users[userID] = grade
	d.mu.Unlock()
}

func (d *Dummy) userGrades(courseID, userID string) map[string]grades.SubsectionGrade {
	users, ok := d.grades[courseID]
	if !ok {
		users = make(map[string]map[string]grades.SubsectionGrade)
		d.grades[courseID] = users
	}
	byBlock, ok := users[userID]
	if !ok {
		byBlock = make(map[string]grades.SubsectionGrade)
		users[userID] = byBlock
	}
	return byBlock
}

func (d *Dummy) GradedSubsections(_ context.Context, courseID string) ([]grades.Subsection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]grades.Subsection{}, d.subsections[courseID]...), nil
}

func (d *Dummy) PrefetchGrades(context.Context, string, []string) error { return nil }

func (d *Dummy) SubsectionGrades(_ context.Context, courseID, userID string) (map[string]grades.SubsectionGrade, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byBlock := make(map[string]grades.SubsectionGrade)
	for blockID, grade := range d.userGrades(courseID, userID) {
		byBlock[blockID] = grade
	}
	return byBlock, nil
}

func (d *Dummy) CourseGrade(_ context.Context, courseID, userID string) (grades.CourseGrade, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.courseGrades[courseID][userID], nil
}

func (d *Dummy) OverrideSubsectionGrade(_ context.Context, req grades.OverrideRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Overrides = append(d.Overrides, req)

	byBlock := d.userGrades(req.CourseID, req.UserID)
	grade := byBlock[req.BlockID]
	grade.BlockID = req.BlockID
	grade.Override = &grades.GradeOverride{
		EarnedGradedOverride:   req.EarnedGraded,
		PossibleGradedOverride: grade.PossibleGraded,
	}
	byBlock[req.BlockID] = grade
	return nil
}

func (d *Dummy) RecalculateGrades(_ context.Context, courseID string) error {
	d.mu.Lock()
	d.Recalculated = append(d.Recalculated, courseID)
	d.mu.Unlock()
	return nil
}
