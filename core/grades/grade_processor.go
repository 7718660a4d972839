package grades

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
)

const newOverridePrefix = "new_override-"

type (
	// GradeConfig is the construction state of a grade processor. Grade
	// bounds run 0-100; zero values leave a bound unset.
	GradeConfig struct {
		CourseID            string   `json:"course_id"`
		Subsection          string   `json:"subsection,omitempty"`
		AssignmentType      string   `json:"assignment_type,omitempty"`
		SubsectionGradeMin  float64  `json:"subsection_grade_min,omitempty"`
		SubsectionGradeMax  float64  `json:"subsection_grade_max,omitempty"`
		CourseGradeMin      float64  `json:"course_grade_min,omitempty"`
		CourseGradeMax      float64  `json:"course_grade_max,omitempty"`
		Track               string   `json:"track,omitempty"`
		Cohort              string   `json:"cohort,omitempty"`
		ActiveOnly          bool     `json:"active_only,omitempty"`
		ExcludedCourseRoles []string `json:"excluded_course_roles,omitempty"`
		UserID              string   `json:"user_id,omitempty"`
	}

	// GradeUnit is one staged set of subsection overrides for a learner.
	GradeUnit struct {
		UserID            string          `json:"user_id"`
		CourseID          string          `json:"course_id"`
		NewOverrideGrades []OverrideGrade `json:"new_override_grades"`
	}

	OverrideGrade struct {
		BlockID string  `json:"block_id"`
		Grade   float64 `json:"grade"`
	}

	// GradeProcessor reads and bulk-overrides subsection grades for a course.
	GradeProcessor struct {
		deps        ProcessorDeps
		cfg         GradeConfig
		subsections SubsectionSet
		columns     []string
		seen        map[string][]int // user_id -> rows it appeared on
	}
)

var (
	_ csvtask.Processor     = (*GradeProcessor)(nil)
	_ csvtask.StagedDecoder = (*GradeProcessor)(nil)
	_ csvtask.Configurer    = (*GradeProcessor)(nil)
	_ csvtask.ResultsFilter = (*GradeProcessor)(nil)
)

func NewGradeProcessor(ctx context.Context, deps ProcessorDeps, cfg GradeConfig) (*GradeProcessor, error) {
	subsections, err := deps.Gradebook.GradedSubsections(ctx, cfg.CourseID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching graded subsections")
	}
	p := &GradeProcessor{
		deps:        deps,
		cfg:         cfg,
		subsections: NewSubsectionSet(subsections, cfg.Subsection, cfg.AssignmentType),
		seen:        make(map[string][]int),
	}
	p.columns = appendColumns(
		[]string{"user_id", "username", "student_key", "course_id", "track", "cohort"},
		p.subsections.columnNames(gradePrefixes),
	)
	return p, nil
}

func (p *GradeProcessor) Kind() string     { return KindGrade }
func (p *GradeProcessor) UniqueID() string { return p.cfg.CourseID }
func (p *GradeProcessor) Operator() string { return p.cfg.UserID }

func (p *GradeProcessor) Columns() ([]string, error) {
	return append([]string{}, p.columns...), nil
}

func (p *GradeProcessor) RequiredColumns() []string {
	return []string{"user_id", "course_id"}
}

func (p *GradeProcessor) ValidateRow(row csvtask.Row) error {
	if row["course_id"] != p.cfg.CourseID {
		return errors.Errorf("Wrong course id %s != %s", row["course_id"], p.cfg.CourseID)
	}
	return nil
}

// PreprocessRow stages the new overrides of a row. Learners may appear only
// once per file; repeats flag the first occurrence too.
func (p *GradeProcessor) PreprocessRow(rownum int, row csvtask.Row) (csvtask.Staged, error) {
	userID := row["user_id"]
	if seen := p.seen[userID]; len(seen) > 0 {
		err := &csvtask.RowError{Message: "Repeated user_id: " + userID}
		if len(seen) == 1 {
			err.Rows = []int{seen[0]}
		}
		p.seen[userID] = append(seen, rownum)
		return nil, err
	}
	p.seen[userID] = append(p.seen[userID], rownum)

	unit := GradeUnit{
		UserID:            userID,
		CourseID:          p.cfg.CourseID,
		NewOverrideGrades: []OverrideGrade{},
	}
	overrideCols := make([]string, 0, p.subsections.Len())
	for col := range row {
		if strings.HasPrefix(col, newOverridePrefix) {
			overrideCols = append(overrideCols, col)
		}
	}
	sort.Strings(overrideCols)
	for _, col := range overrideCols {
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		short := strings.TrimPrefix(col, newOverridePrefix)
		sub, ok := p.subsections.Get(short)
		if !ok {
			return nil, errors.Errorf("Unknown subsection: %s", short)
		}
		grade, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, errors.New("Grade must be a number")
		}
		if grade < 0 {
			return nil, errors.New("Grade must not be negative")
		}
		unit.NewOverrideGrades = append(unit.NewOverrideGrades, OverrideGrade{BlockID: sub.BlockID, Grade: grade})
	}
	return unit, nil
}

func (p *GradeProcessor) ProcessRow(ctx context.Context, staged csvtask.Staged) error {
	unit, ok := staged.(GradeUnit)
	if !ok {
		return errors.Errorf("unexpected staged unit %T", staged)
	}
	for _, override := range unit.NewOverrideGrades {
		err := p.deps.Gradebook.OverrideSubsectionGrade(ctx, OverrideRequest{
			UserID:       unit.UserID,
			CourseID:     unit.CourseID,
			BlockID:      override.BlockID,
			OverriderID:  p.cfg.UserID,
			EarnedGraded: override.Grade,
			Feature:      OverrideFeature,
			Comment:      OverrideComment,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *GradeProcessor) DecodeStaged(data json.RawMessage) (csvtask.Staged, error) {
	var unit GradeUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		return nil, errors.Wrap(err, "decoding staged grades")
	}
	return unit, nil
}

func (p *GradeProcessor) Configure() (json.RawMessage, error) {
	data, err := json.Marshal(p.cfg)
	return data, errors.Wrap(err, "encoding grade config")
}

func (p *GradeProcessor) ExportRows(ctx context.Context, push func(csvtask.Row) error) error {
	learners, err := p.deps.Enroll.Filter(ctx, enroll.Filter{
		CourseID:            p.cfg.CourseID,
		Track:               p.cfg.Track,
		Cohort:              p.cfg.Cohort,
		ActiveOnly:          p.cfg.ActiveOnly,
		ExcludedCourseRoles: p.cfg.ExcludedCourseRoles,
	})
	if err != nil {
		return err
	}
	userIDs := make([]string, len(learners))
	for i, learner := range learners {
		userIDs[i] = learner.UserID
	}
	if err = p.deps.Gradebook.PrefetchGrades(ctx, p.cfg.CourseID, userIDs); err != nil {
		return err
	}

	for _, learner := range learners {
		subsectionGrades, err := p.deps.Gradebook.SubsectionGrades(ctx, p.cfg.CourseID, learner.UserID)
		if err != nil {
			return err
		}
		if skipBySubsectionWindow(subsectionGrades, p.cfg.Subsection, p.cfg.SubsectionGradeMin, p.cfg.SubsectionGradeMax) {
			continue
		}
		if p.cfg.CourseGradeMin > 0 || p.cfg.CourseGradeMax > 0 {
			courseGrade, err := p.deps.Gradebook.CourseGrade(ctx, p.cfg.CourseID, learner.UserID)
			if err != nil {
				return err
			}
			pct := courseGrade.Percent * 100
			if (p.cfg.CourseGradeMin > 0 && pct < p.cfg.CourseGradeMin) ||
				(p.cfg.CourseGradeMax > 0 && pct > p.cfg.CourseGradeMax) {
				continue
			}
		}

		row := csvtask.Row{
			"user_id":     learner.UserID,
			"username":    learner.Username,
			"student_key": "",
			"course_id":   p.cfg.CourseID,
			"track":       learner.Track,
			"cohort":      learner.Cohort.String,
		}
		if learner.Track == enroll.TrackMasters {
			row["student_key"] = learner.StudentKey.String
		}
		for _, short := range p.subsections.ShortIDs() {
			sub, _ := p.subsections.Get(short)
			row["name-"+short] = sub.DisplayName
			grade, ok := subsectionGrades[sub.BlockID]
			if !ok {
				continue
			}
			row["original_grade-"+short] = formatCell(grade.EarnedGraded)
			if grade.Override != nil {
				row["previous_override-"+short] = formatCell(grade.Override.EarnedGradedOverride)
			}
			row["grade-"+short] = formatCell(grade.Effective())
		}
		if err = push(row); err != nil {
			return err
		}
	}
	return nil
}

// FilterResultColumns drops the column groups of subsections no row
// touched, keeping error downloads readable on wide courses.
func (p *GradeProcessor) FilterResultColumns(header []string, results []csvtask.Row) []string {
	untouched := make(map[string]bool, p.subsections.Len())
	for _, short := range p.subsections.ShortIDs() {
		untouched[short] = true
	}
	for _, row := range results {
		if row[csvtask.StatusColumn] == csvtask.StatusNoAction {
			continue
		}
		for short := range untouched {
			if strings.TrimSpace(row[newOverridePrefix+short]) != "" {
				delete(untouched, short)
			}
		}
	}
	if len(untouched) == 0 {
		return header
	}

	drop := make(map[string]bool, len(untouched)*len(gradePrefixes))
	for short := range untouched {
		for _, prefix := range gradePrefixes {
			drop[prefix+"-"+short] = true
		}
	}
	columns := make([]string, 0, len(header))
	for _, col := range header {
		if !drop[col] {
			columns = append(columns, col)
		}
	}
	return columns
}
