package sqlxrepos

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/enroll"
)

type enrollmentRepository struct {
	exec core.DBExecutor
}

var _ enroll.Repository = (*enrollmentRepository)(nil) // interface compliance check

func NewEnrollmentRepository(exec core.DBExecutor) *enrollmentRepository {
	return &enrollmentRepository{exec: exec}
}

type learnerRow struct {
	UserID     string      `db:"user_id"`
	Username   string      `db:"username"`
	Name       string      `db:"name"`
	Email      string      `db:"email"`
	StudentKey null.String `db:"student_key"`
	CourseID   string      `db:"course_id"`
	Track      string      `db:"track"`
	Cohort     null.String `db:"cohort"`
	IsActive   bool        `db:"is_active"`
}

func (r learnerRow) learner() enroll.Learner {
	return enroll.Learner{
		UserID:     r.UserID,
		Username:   r.Username,
		Name:       r.Name,
		Email:      r.Email,
		StudentKey: r.StudentKey,
		CourseID:   r.CourseID,
		Track:      r.Track,
		Cohort:     r.Cohort,
		IsActive:   r.IsActive,
	}
}

const learnerQuery = `
SELECT u.id AS user_id, u.username, u.name, u.email, e.student_key, e.course_id, e.track, e.cohort, e.is_active
FROM enrollment e
         JOIN "user" u ON u.id = e.user_id`

func (repo enrollmentRepository) FilterLearners(ctx context.Context, filter enroll.Filter) ([]enroll.Learner, error) {
	q := learnerQuery + ` WHERE e.course_id = ?`
	args := []interface{}{filter.CourseID}

	if filter.Track != "" {
		q += ` AND e.track = ?`
		args = append(args, filter.Track)
	}
	if filter.Cohort != "" {
		q += ` AND e.cohort = ?`
		args = append(args, filter.Cohort)
	}
	if filter.ActiveOnly {
		q += ` AND e.is_active`
	}
	if len(filter.ExcludedCourseRoles) > 0 {
		// roles held in other courses never exclude
		sub := `SELECT 1 FROM course_access_role r WHERE r.user_id = u.id AND r.course_id = e.course_id`
		if !filter.ExcludesAnyRole() {
			sub += ` AND r.role IN (?)`
			args = append(args, filter.ExcludedCourseRoles)
		}
		q += ` AND NOT EXISTS (` + sub + `)`
	}
	q += ` ORDER BY u.username`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "binding learner filter")
	}

	var rows []learnerRow
	if err = repo.exec.SelectContext(ctx, &rows, repo.exec.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying learners")
	}

	learners := make([]enroll.Learner, 0, len(rows))
	for _, row := range rows {
		learners = append(learners, row.learner())
	}
	return learners, nil
}

func (repo enrollmentRepository) GetLearner(ctx context.Context, courseID, userID string) (enroll.Learner, error) {
	var row learnerRow
	err := repo.exec.GetContext(ctx, &row, learnerQuery+` WHERE e.course_id = $1 AND e.user_id = $2`, courseID, userID)
	if err != nil {
		return enroll.Learner{}, trapNoRowsErr(err, enroll.ErrNotFound, "finding learner")
	}
	return row.learner(), nil
}
