package sqlxrepos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grades"
)

type scoreRepository struct {
	exec core.DBExecutor
}

var _ grades.ScoreRepository = (*scoreRepository)(nil) // interface compliance check

func NewScoreRepository(exec core.DBExecutor) *scoreRepository {
	return &scoreRepository{exec: exec}
}

func (repo scoreRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

const upsertScoreQuery = `
INSERT INTO score (id, user_id, course_id, block_id, grade, max_grade)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, course_id, block_id)
    DO UPDATE SET grade = EXCLUDED.grade, max_grade = EXCLUDED.max_grade, updated_at = (now() AT TIME ZONE 'utc')
RETURNING id, user_id, course_id, block_id, grade, max_grade, created_at, updated_at`

func (repo scoreRepository) UpsertScore(ctx context.Context, score grades.Score, overriderID string, svcExec ...core.DBExecutor) (grades.Score, error) {
	exec := repo.getExec(svcExec)

	if overriderID == "" {
		return upsertScore(ctx, exec, score)
	}

	// the score and its overrider land together; a caller-supplied
	// transactor is already atomic
	if db, ok := exec.(core.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return grades.Score{}, errors.Wrap(err, "beginning score transaction")
		}
		saved, err := upsertScoreWithOverrider(ctx, tx, score, overriderID)
		if err != nil {
			_ = tx.Rollback()
			return grades.Score{}, err
		}
		if err = tx.Commit(); err != nil {
			return grades.Score{}, errors.Wrap(err, "committing score transaction")
		}
		return saved, nil
	}
	return upsertScoreWithOverrider(ctx, exec, score, overriderID)
}

func upsertScore(ctx context.Context, exec core.DBExecutor, score grades.Score) (grades.Score, error) {
	score.ID = uuid.New().String()

	// on conflict RETURNING yields the existing row's ID
	var saved grades.Score
	err := exec.GetContext(ctx, &saved, upsertScoreQuery,
		score.ID, score.UserID, score.CourseID, score.BlockID, score.Grade, score.MaxGrade)
	if err != nil {
		return grades.Score{}, errors.Wrap(err, "upserting score")
	}
	return saved, nil
}

func upsertScoreWithOverrider(ctx context.Context, exec core.DBExecutor, score grades.Score, overriderID string) (grades.Score, error) {
	saved, err := upsertScore(ctx, exec, score)
	if err != nil {
		return grades.Score{}, err
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO score_overrider (id, score_id, user_id) VALUES ($1, $2, $3)`,
		uuid.New().String(), saved.ID, overriderID)
	if err != nil {
		return grades.Score{}, errors.Wrap(err, "inserting score overrider")
	}
	return saved, nil
}

const userScoreQuery = `
SELECT s.id, s.user_id, s.course_id, s.block_id, s.grade, s.max_grade, s.created_at, s.updated_at,
       COALESCE(g.username, '') AS who_last_graded
FROM score s
         LEFT JOIN LATERAL (
    SELECT u.username
    FROM score_overrider o
             JOIN "user" u ON u.id = o.user_id
    WHERE o.score_id = s.id
    ORDER BY o.created_at DESC
    LIMIT 1
    ) g ON TRUE`

func (repo scoreRepository) GetScores(ctx context.Context, courseID, blockID string, userIDs ...string) (map[string]grades.UserScore, error) {
	q := userScoreQuery + ` WHERE s.course_id = ? AND s.block_id = ?`
	args := []interface{}{courseID, blockID}
	if len(userIDs) > 0 {
		q += ` AND s.user_id IN (?)`
		args = append(args, userIDs)
	}

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "binding score filter")
	}

	var rows []grades.UserScore
	if err = repo.exec.SelectContext(ctx, &rows, repo.exec.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying scores")
	}

	scores := make(map[string]grades.UserScore, len(rows))
	for _, row := range rows {
		if row.WhoLastGraded == "" {
			row.WhoLastGraded = grades.UnknownLastGrader
		}
		scores[row.UserID] = row
	}
	return scores, nil
}
