package testutil

import (
	"testing"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core/enroll"
	"github.com/trezcool/alama/core/user"
	inmemdb "github.com/trezcool/alama/storage/database/inmem"
)

func CreateUser(
	t *testing.T,
	db *inmemdb.DB,
	name, uname, email string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	return db.AddUser(user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	})
}

// EnrollUser enrolls usr in a course. The optional studentKey marks a
// program (masters) enrollment.
func EnrollUser(
	t *testing.T,
	db *inmemdb.DB,
	usr user.User,
	courseID, track, cohort string,
	isActive bool,
	studentKey ...string,
) enroll.Learner {
	t.Helper()

	learner := enroll.Learner{
		UserID:   usr.ID,
		Username: usr.Username,
		Name:     usr.Name,
		Email:    usr.Email,
		CourseID: courseID,
		Track:    track,
		Cohort:   null.NewString(cohort, cohort != ""),
		IsActive: isActive,
	}
	if len(studentKey) > 0 {
		learner.StudentKey = null.StringFrom(studentKey[0])
	}
	return db.AddLearner(learner)
}

func GrantCourseRole(t *testing.T, db *inmemdb.DB, usr user.User, courseID, role string) {
	t.Helper()
	db.AddCourseRole(enroll.CourseRole{UserID: usr.ID, CourseID: courseID, Role: role})
}
