package grades

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
)

var interventionBaseColumns = []string{
	"user_id", "username", "email", "student_key", "full_name", "course_id", "track", "cohort",
	"number of videos overall", "number of videos last week",
	"number of problems overall", "number of problems last week",
	"number of correct problems overall", "number of correct problems last week",
	"number of problem attempts overall", "number of problem attempts last week",
	"number of forum posts overall", "number of forum posts last week",
	"date last active",
}

type (
	// InterventionConfig is the construction state of an intervention
	// processor. Grade bounds run 0-100; zero values leave a bound unset.
	InterventionConfig struct {
		CourseID           string  `json:"course_id"`
		Cohort             string  `json:"cohort,omitempty"`
		Subsection         string  `json:"subsection,omitempty"`
		AssignmentType     string  `json:"assignment_type,omitempty"`
		SubsectionGradeMin float64 `json:"subsection_grade_min,omitempty"`
		SubsectionGradeMax float64 `json:"subsection_grade_max,omitempty"`
		CourseGradeMin     float64 `json:"course_grade_min,omitempty"`
		CourseGradeMax     float64 `json:"course_grade_max,omitempty"`
		UserID             string  `json:"user_id,omitempty"`
	}

	// InterventionProcessor exports engagement and grade rollups for
	// masters-track learners. It is read only.
	InterventionProcessor struct {
		deps        ProcessorDeps
		cfg         InterventionConfig
		subsections SubsectionSet
		columns     []string
	}
)

var (
	_ csvtask.Processor  = (*InterventionProcessor)(nil)
	_ csvtask.Configurer = (*InterventionProcessor)(nil)
)

func NewInterventionProcessor(ctx context.Context, deps ProcessorDeps, cfg InterventionConfig) (*InterventionProcessor, error) {
	subsections, err := deps.Gradebook.GradedSubsections(ctx, cfg.CourseID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching graded subsections")
	}
	p := &InterventionProcessor{
		deps:        deps,
		cfg:         cfg,
		subsections: NewSubsectionSet(subsections, cfg.Subsection, cfg.AssignmentType),
	}
	p.columns = appendColumns(
		append([]string{}, interventionBaseColumns...),
		p.subsections.columnNames(interventionPrefixes),
	)
	p.columns = appendColumns(p.columns, []string{"course grade letter", "course grade numeric"})
	return p, nil
}

func (p *InterventionProcessor) Kind() string     { return KindIntervention }
func (p *InterventionProcessor) UniqueID() string { return p.cfg.CourseID }
func (p *InterventionProcessor) Operator() string { return p.cfg.UserID }

func (p *InterventionProcessor) Columns() ([]string, error) {
	return append([]string{}, p.columns...), nil
}

func (p *InterventionProcessor) RequiredColumns() []string { return nil }

func (p *InterventionProcessor) ValidateRow(csvtask.Row) error { return nil }

func (p *InterventionProcessor) PreprocessRow(int, csvtask.Row) (csvtask.Staged, error) {
	return nil, nil
}

func (p *InterventionProcessor) ProcessRow(context.Context, csvtask.Staged) error {
	return errors.New("intervention reports are read only")
}

func (p *InterventionProcessor) Configure() (json.RawMessage, error) {
	data, err := json.Marshal(p.cfg)
	return data, errors.Wrap(err, "encoding intervention config")
}

func (p *InterventionProcessor) ExportRows(ctx context.Context, push func(csvtask.Row) error) error {
	learners, err := p.deps.Enroll.Filter(ctx, enroll.Filter{
		CourseID: p.cfg.CourseID,
		Track:    enroll.TrackMasters,
		Cohort:   p.cfg.Cohort,
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
	engagement, err := p.deps.Analytics.CourseEngagement(ctx, p.cfg.CourseID)
	if err != nil {
		return errors.Wrap(err, "fetching engagement data")
	}

	for _, learner := range learners {
		subsectionGrades, err := p.deps.Gradebook.SubsectionGrades(ctx, p.cfg.CourseID, learner.UserID)
		if err != nil {
			return err
		}
		if skipBySubsectionWindow(subsectionGrades, p.cfg.Subsection, p.cfg.SubsectionGradeMin, p.cfg.SubsectionGradeMax) {
			continue
		}
		courseGrade, err := p.deps.Gradebook.CourseGrade(ctx, p.cfg.CourseID, learner.UserID)
		if err != nil {
			return err
		}
		if p.cfg.CourseGradeMin > 0 || p.cfg.CourseGradeMax > 0 {
			pct := courseGrade.Percent * 100
			if (p.cfg.CourseGradeMin > 0 && pct < p.cfg.CourseGradeMin) ||
				(p.cfg.CourseGradeMax > 0 && pct > p.cfg.CourseGradeMax) {
				continue
			}
		}

		activity := engagement[learner.Username]
		lastActive := activity.DateLastActive
		if lastActive == "" {
			lastActive = "0"
		}
		row := csvtask.Row{
			"user_id":     learner.UserID,
			"username":    learner.Username,
			"email":       learner.Email,
			"student_key": learner.StudentKey.String,
			"full_name":   learner.Name,
			"track":       learner.Track,
			"course_id":   p.cfg.CourseID,
			"cohort":      learner.Cohort.String,

			"number of videos overall":             strconv.Itoa(activity.VideosOverall),
			"number of videos last week":           strconv.Itoa(activity.VideosLastWeek),
			"number of problems overall":           strconv.Itoa(activity.ProblemsOverall),
			"number of problems last week":         strconv.Itoa(activity.ProblemsLastWeek),
			"number of correct problems overall":   strconv.Itoa(activity.CorrectProblemsOverall),
			"number of correct problems last week": strconv.Itoa(activity.CorrectProblemsLastWeek),
			"number of problem attempts overall":   strconv.Itoa(activity.ProblemAttemptsOverall),
			"number of problem attempts last week": strconv.Itoa(activity.ProblemAttemptsLastWeek),
			"number of forum posts overall":        strconv.Itoa(activity.ForumPostsOverall),
			"number of forum posts last week":      strconv.Itoa(activity.ForumPostsLastWeek),
			"date last active":                     lastActive,

			"course grade letter":  courseGrade.LetterGrade.String,
			"course grade numeric": formatCell(courseGrade.Percent),
		}
		for _, short := range p.subsections.ShortIDs() {
			sub, _ := p.subsections.Get(short)
			row["name-"+short] = sub.DisplayName
			if grade, ok := subsectionGrades[sub.BlockID]; ok {
				row["grade-"+short] = formatCell(grade.Effective())
			}
		}
		if err = push(row); err != nil {
			return err
		}
	}
	return nil
}
