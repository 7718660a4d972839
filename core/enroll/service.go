package enroll

import (
	"context"
	"errors"

	"github.com/trezcool/alama/core"
)

var ErrNotFound = errors.New("enrollment not found")

type (
	Repository interface {
		// FilterLearners applies AND operation on available Filter fields,
		// ordered by username.
		FilterLearners(ctx context.Context, filter Filter) ([]Learner, error)
		GetLearner(ctx context.Context, courseID, userID string) (Learner, error)
	}

	Service interface {
		Filter(ctx context.Context, filter Filter) ([]Learner, error)
		Get(ctx context.Context, courseID, userID string) (Learner, error)
	}

	service struct {
		repo Repository
	}
)

var _ Service = (*service)(nil) // interface compliance check

func NewService(repo Repository) *service {
	return &service{repo: repo}
}

func (svc *service) Filter(ctx context.Context, filter Filter) ([]Learner, error) {
	filter.Track = core.CleanString(filter.Track, true /* lower */)
	filter.Cohort = core.CleanString(filter.Cohort)
	return svc.repo.FilterLearners(ctx, filter)
}

func (svc *service) Get(ctx context.Context, courseID, userID string) (Learner, error) {
	return svc.repo.GetLearner(ctx, courseID, userID)
}
