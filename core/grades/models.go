package grades

import (
	"time"

	"github.com/volatiletech/null/v8"
)

// UnknownLastGrader is reported when a score has no recorded overrider.
const UnknownLastGrader = "unknown"

type (
	// Score is a raw problem score stored for one learner and block.
	// Grade is the earned points, MaxGrade the points possible.
	Score struct {
		ID        string       `json:"id" db:"id"`
		UserID    string       `json:"user_id" db:"user_id"`
		CourseID  string       `json:"course_id" db:"course_id"`
		BlockID   string       `json:"block_id" db:"block_id"`
		Grade     null.Float64 `json:"grade" db:"grade"`
		MaxGrade  null.Float64 `json:"max_grade" db:"max_grade"`
		CreatedAt time.Time    `json:"created_at" db:"created_at"`
		UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
	}

	// ScoreOverrider records who set a score; the newest row wins.
	ScoreOverrider struct {
		ID        string    `json:"id" db:"id"`
		ScoreID   string    `json:"score_id" db:"score_id"`
		UserID    string    `json:"user_id" db:"user_id"`
		CreatedAt time.Time `json:"created_at" db:"created_at"`
	}

	// UserScore is a score joined with the latest overrider's username.
	UserScore struct {
		Score
		WhoLastGraded string `json:"who_last_graded" db:"who_last_graded"`
	}
)
