package grades

import (
	"context"
	"errors"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/alama/core"
)

var (
	ErrNotFound      = errors.New("score not found")
	ErrNegativeScore = errors.New("score must be positive")
)

type (
	ScoreRepository interface {
		// UpsertScore inserts or updates the score for (user, course, block).
		// A non-empty overriderID also records a ScoreOverrider row.
		UpsertScore(ctx context.Context, score Score, overriderID string, exec ...core.DBExecutor) (Score, error)
		// GetScores returns scores for a block keyed by user ID, restricted
		// to userIDs when any are given.
		GetScores(ctx context.Context, courseID, blockID string, userIDs ...string) (map[string]UserScore, error)
	}

	Service interface {
		SetScore(ctx context.Context, courseID, blockID, userID string, points, maxPoints float64, overriderID string) (Score, error)
		GetScores(ctx context.Context, courseID, blockID string, userIDs ...string) (map[string]UserScore, error)
	}

	service struct {
		repo ScoreRepository
	}
)

var _ Service = (*service)(nil)

func NewService(repo ScoreRepository) *service {
	return &service{repo: repo}
}

func (svc *service) SetScore(ctx context.Context, courseID, blockID, userID string, points, maxPoints float64, overriderID string) (Score, error) {
	if points < 0 {
		return Score{}, ErrNegativeScore
	}
	score := Score{
		UserID:   userID,
		CourseID: courseID,
		BlockID:  blockID,
		Grade:    null.Float64From(points),
		MaxGrade: null.Float64From(maxPoints),
	}
	return svc.repo.UpsertScore(ctx, score, overriderID)
}

func (svc *service) GetScores(ctx context.Context, courseID, blockID string, userIDs ...string) (map[string]UserScore, error) {
	return svc.repo.GetScores(ctx, courseID, blockID, userIDs...)
}
