package grades

import "context"

type (
	// Engagement is one learner's activity rollup from the analytics
	// pipeline. Counters default to zero for learners it has never seen.
	Engagement struct {
		Username                string `json:"username"`
		VideosOverall           int    `json:"videos_overall"`
		VideosLastWeek          int    `json:"videos_last_week"`
		ProblemsOverall         int    `json:"problems_overall"`
		ProblemsLastWeek        int    `json:"problems_last_week"`
		CorrectProblemsOverall  int    `json:"correct_problems_overall"`
		CorrectProblemsLastWeek int    `json:"correct_problems_last_week"`
		ProblemAttemptsOverall  int    `json:"problems_attempts_overall"`
		ProblemAttemptsLastWeek int    `json:"problems_attempts_last_week"`
		ForumPostsOverall       int    `json:"forum_posts_overall"`
		ForumPostsLastWeek      int    `json:"forum_posts_last_week"`
		DateLastActive          string `json:"date_last_active"`
	}

	// Analytics provides learner engagement rollups for intervention reports.
	Analytics interface {
		// CourseEngagement returns engagement keyed by username.
		CourseEngagement(ctx context.Context, courseID string) (map[string]Engagement, error)
	}
)
