package grades

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
)

var scoreColumns = []string{
	"user_id", "username", "full_name", "student_uid", "enrolled", "track",
	"cohort", "block_id", "title", "date_last_graded", "who_last_graded",
	"Previous Points", "New Points", csvtask.ChecksumColumn,
}

const lastGradedFormat = "2006-01-02 15:04"

type (
	// ScoreConfig is the construction state of a score processor. It rides
	// along on the operation snapshot.
	ScoreConfig struct {
		CourseID    string  `json:"course_id"`
		BlockID     string  `json:"block_id"`
		MaxPoints   float64 `json:"max_points,omitempty"`
		DisplayName string  `json:"display_name,omitempty"`
		Track       string  `json:"track,omitempty"`
		Cohort      string  `json:"cohort,omitempty"`
		UserID      string  `json:"user_id,omitempty"`
	}

	// ScoreUnit is one staged score assignment.
	ScoreUnit struct {
		UserID      string  `json:"user_id"`
		BlockID     string  `json:"block_id"`
		NewPoints   float64 `json:"new_points"`
		MaxPoints   float64 `json:"max_points"`
		OverriderID string  `json:"override_user_id,omitempty"`
	}

	// ScoreProcessor reads and bulk-updates raw problem scores for one block.
	ScoreProcessor struct {
		deps ProcessorDeps
		cfg  ScoreConfig
		csum csvtask.Checksum
		seen map[string]bool
	}
)

var (
	_ csvtask.Processor     = (*ScoreProcessor)(nil)
	_ csvtask.StagedDecoder = (*ScoreProcessor)(nil)
	_ csvtask.Committer     = (*ScoreProcessor)(nil)
	_ csvtask.Configurer    = (*ScoreProcessor)(nil)
)

func NewScoreProcessor(deps ProcessorDeps, cfg ScoreConfig) *ScoreProcessor {
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = 1
	}
	return &ScoreProcessor{
		deps: deps,
		cfg:  cfg,
		csum: csvtask.Checksum{Columns: []string{"user_id", "block_id"}},
		seen: make(map[string]bool),
	}
}

func (p *ScoreProcessor) Kind() string     { return KindScore }
func (p *ScoreProcessor) UniqueID() string { return p.cfg.BlockID }
func (p *ScoreProcessor) Operator() string { return p.cfg.UserID }

func (p *ScoreProcessor) Columns() ([]string, error) {
	return append([]string{}, scoreColumns...), nil
}

func (p *ScoreProcessor) RequiredColumns() []string {
	return []string{"user_id", "New Points", "block_id", "Previous Points", csvtask.ChecksumColumn}
}

func (p *ScoreProcessor) ValidateRow(row csvtask.Row) error {
	if err := p.csum.Verify(row); err != nil {
		return err
	}
	if row["block_id"] != p.cfg.BlockID {
		return errors.New("The CSV does not match this problem. Check that you uploaded the right CSV.")
	}
	if cell := row["New Points"]; cell != "" {
		points, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return errors.New("Points must be numbers.")
		}
		if points > p.cfg.MaxPoints {
			return errors.Errorf("Points must not be greater than %s.", formatCell(p.cfg.MaxPoints))
		}
		if points < 0 {
			return errors.New("Points must be greater than 0")
		}
	}
	return nil
}

// PreprocessRow stages non-empty scores, first row per learner wins.
func (p *ScoreProcessor) PreprocessRow(_ int, row csvtask.Row) (csvtask.Staged, error) {
	if row["New Points"] == "" || p.seen[row["user_id"]] {
		return nil, nil
	}
	points, err := strconv.ParseFloat(row["New Points"], 64)
	if err != nil {
		return nil, errors.New("Points must be numbers.")
	}
	p.seen[row["user_id"]] = true
	return ScoreUnit{
		UserID:      row["user_id"],
		BlockID:     p.cfg.BlockID,
		NewPoints:   points,
		MaxPoints:   p.cfg.MaxPoints,
		OverriderID: p.cfg.UserID,
	}, nil
}

func (p *ScoreProcessor) ProcessRow(ctx context.Context, staged csvtask.Staged) error {
	unit, ok := staged.(ScoreUnit)
	if !ok {
		return errors.Errorf("unexpected staged unit %T", staged)
	}
	_, err := p.deps.Scores.SetScore(ctx, p.cfg.CourseID, unit.BlockID, unit.UserID, unit.NewPoints, unit.MaxPoints, unit.OverriderID)
	return err
}

func (p *ScoreProcessor) DecodeStaged(data json.RawMessage) (csvtask.Staged, error) {
	var unit ScoreUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		return nil, errors.Wrap(err, "decoding staged score")
	}
	return unit, nil
}

// Committed queues a course-wide grade recomputation once the scores are in.
func (p *ScoreProcessor) Committed(ctx context.Context) error {
	return p.deps.Gradebook.RecalculateGrades(ctx, p.cfg.CourseID)
}

func (p *ScoreProcessor) Configure() (json.RawMessage, error) {
	data, err := json.Marshal(p.cfg)
	return data, errors.Wrap(err, "encoding score config")
}

func (p *ScoreProcessor) ExportRows(ctx context.Context, push func(csvtask.Row) error) error {
	scores, err := p.deps.Scores.GetScores(ctx, p.cfg.CourseID, p.cfg.BlockID)
	if err != nil {
		return err
	}
	learners, err := p.deps.Enroll.Filter(ctx, enroll.Filter{
		CourseID: p.cfg.CourseID,
		Track:    p.cfg.Track,
		Cohort:   p.cfg.Cohort,
	})
	if err != nil {
		return err
	}

	for _, learner := range learners {
		row := csvtask.Row{
			"user_id":          learner.UserID,
			"username":         learner.Username,
			"full_name":        learner.Name,
			"student_uid":      learner.StudentKey.String,
			"enrolled":         strconv.FormatBool(learner.IsActive),
			"track":            learner.Track,
			"cohort":           learner.Cohort.String,
			"block_id":         p.cfg.BlockID,
			"title":            p.cfg.DisplayName,
			"date_last_graded": "",
			"who_last_graded":  "",
			"Previous Points":  "",
			"New Points":       "",
		}
		if score, ok := scores[learner.UserID]; ok {
			if score.Grade.Valid {
				row["Previous Points"] = formatCell(score.Grade.Float64)
			}
			row["date_last_graded"] = score.UpdatedAt.Format(lastGradedFormat)
			row["who_last_graded"] = score.WhoLastGraded
		}
		p.csum.Apply(row)
		if err = push(row); err != nil {
			return err
		}
	}
	return nil
}
