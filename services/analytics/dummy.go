package analyticssvc

import (
	"context"
	"sync"

	"github.com/trezcool/alama/core/grades"
)

// Dummy serves canned engagement data for local runs and tests.
type Dummy struct {
	mu   sync.Mutex
	data map[string]map[string]grades.Engagement // course -> username
}

var _ grades.Analytics = (*Dummy)(nil)

func NewDummy() *Dummy {
	return &Dummy{data: make(map[string]map[string]grades.Engagement)}
}

func (d *Dummy) SetEngagement(courseID string, engagement ...grades.Engagement) {
	d.mu.Lock()
	byUsername, ok := d.data[courseID]
	if !ok {
		byUsername = make(map[string]grades.Engagement, len(engagement))
		d.data[courseID] = byUsername
	}
	for _, e := range engagement {
		byUsername[e.Username] = e
	}
	d.mu.Unlock()
}

func (d *Dummy) CourseEngagement(_ context.Context, courseID string) (map[string]grades.Engagement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byUsername := make(map[string]grades.Engagement, len(d.data[courseID]))
	for username, e := range d.data[courseID] {
		byUsername[username] = e
	}
	return byUsername, nil
}
