package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/alama/core/enroll"
)

type enrollmentRepository struct {
	db *DB
}

func NewEnrollmentRepository(db *DB) enroll.Repository {
	return &enrollmentRepository{db: db}
}

func (repo *enrollmentRepository) FilterLearners(ctx context.Context, filter enroll.Filter) ([]enroll.Learner, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	learners := make([]enroll.Learner, 0)
	for _, learner := range repo.db.learners {
		if learner.CourseID != filter.CourseID {
			continue
		}
		if filter.Track != "" && learner.Track != filter.Track {
			continue
		}
		if filter.Cohort != "" && learner.Cohort.String != filter.Cohort {
			continue
		}
		if filter.ActiveOnly && !learner.IsActive {
			continue
		}
		if repo.hasExcludedRole(learner, filter) {
			continue
		}
		learners = append(learners, learner)
	}

	sort.Slice(learners, func(i, j int) bool { return learners[i].Username < learners[j].Username })
	return learners, nil
}

func (repo *enrollmentRepository) GetLearner(ctx context.Context, courseID, userID string) (enroll.Learner, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, learner := range repo.db.learners {
		if learner.CourseID == courseID && learner.UserID == userID {
			return learner, nil
		}
	}
	return enroll.Learner{}, enroll.ErrNotFound
}

// hasExcludedRole reports whether the learner holds one of the filter's
// excluded roles in the same course.
func (repo *enrollmentRepository) hasExcludedRole(learner enroll.Learner, filter enroll.Filter) bool {
	if len(filter.ExcludedCourseRoles) == 0 {
		return false
	}
	anyRole := filter.ExcludesAnyRole()

	for _, role := range repo.db.courseRoles {
		if role.UserID != learner.UserID || role.CourseID != learner.CourseID {
			continue
		}
		if anyRole {
			return true
		}
		for _, excluded := range filter.ExcludedCourseRoles {
			if role.Role == excluded {
				return true
			}
		}
	}
	return false
}
