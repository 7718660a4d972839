package inmemdb

import (
	"context"
	"time"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grades"
)

type scoreRepository struct {
	db *DB
}

func NewScoreRepository(db *DB) grades.ScoreRepository {
	return &scoreRepository{db: db}
}

func (repo *scoreRepository) UpsertScore(ctx context.Context, score grades.Score, overriderID string, exec ...core.DBExecutor) (grades.Score, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	key := scoreKey{userID: score.UserID, courseID: score.CourseID, blockID: score.BlockID}
	now := time.Now().UTC()

	if existing, ok := repo.db.scores[key]; ok {
		existing.Grade = score.Grade
		existing.MaxGrade = score.MaxGrade
		existing.UpdatedAt = now
		score = existing
	} else {
		score.ID = repo.db.nextPK()
		score.CreatedAt = now
		score.UpdatedAt = now
	}
	repo.db.scores[key] = score

	if overriderID != "" {
		repo.db.overriders[score.ID] = append(repo.db.overriders[score.ID], overriderRow{userID: overriderID, at: now})
	}
	return score, nil
}

func (repo *scoreRepository) GetScores(ctx context.Context, courseID, blockID string, userIDs ...string) (map[string]grades.UserScore, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	wanted := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}

	scores := make(map[string]grades.UserScore)
	for key, score := range repo.db.scores {
		if key.courseID != courseID || key.blockID != blockID {
			continue
		}
		if len(wanted) > 0 && !wanted[key.userID] {
			continue
		}
		scores[key.userID] = grades.UserScore{Score: score, WhoLastGraded: repo.whoLastGraded(score.ID)}
	}
	return scores, nil
}

func (repo *scoreRepository) whoLastGraded(scoreID string) string {
	rows := repo.db.overriders[scoreID]
	if len(rows) == 0 {
		return grades.UnknownLastGrader
	}
	last := rows[len(rows)-1]
	if usr, ok := repo.db.users[last.userID]; ok && usr.Username != "" {
		return usr.Username
	}
	return grades.UnknownLastGrader
}
