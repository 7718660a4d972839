package gradebooksvc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grades"
)

// Client talks to the platform's grading API. Exports prefetch whole learner
// batches; per-learner reads are then served from the prefetch cache.
type Client struct {
	base  string
	token string
	http  *http.Client

	mu         sync.Mutex
	prefetched map[string]map[string]map[string]grades.SubsectionGrade // course -> user -> block
}

var _ grades.Gradebook = (*Client)(nil)

func NewClient(conf core.ClientConfig) *Client {
	base := conf.URL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &Client{
		base:       base,
		token:      conf.Token,
		http:       &http.Client{Timeout: conf.Timeout},
		prefetched: make(map[string]map[string]map[string]grades.SubsectionGrade),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling gradebook API")
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		return errors.Errorf("gradebook API: %s %s - status: %d - body: %s", method, path, res.StatusCode, data)
	}
	if out != nil {
		return errors.Wrap(json.NewDecoder(res.Body).Decode(out), "decoding response")
	}
	return nil
}

func (c *Client) coursePath(courseID, rest string) string {
	return "/courses/" + url.PathEscape(courseID) + rest
}

func (c *Client) GradedSubsections(ctx context.Context, courseID string) ([]grades.Subsection, error) {
	var out struct {
		Subsections []grades.Subsection `json:"subsections"`
	}
	err := c.do(ctx, http.MethodGet, c.coursePath(courseID, "/graded-subsections"), nil, &out)
	return out.Subsections, err
}

func (c *Client) PrefetchGrades(ctx context.Context, courseID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	in := struct {
		UserIDs []string `json:"user_ids"`
	}{userIDs}
	var out struct {
		Grades map[string][]grades.SubsectionGrade `json:"grades"`
	}
	if err := c.do(ctx, http.MethodPost, c.coursePath(courseID, "/grades/prefetch"), in, &out); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.prefetched[courseID]
	if !ok {
		users = make(map[string]map[string]grades.SubsectionGrade, len(out.Grades))
		c.prefetched[courseID] = users
	}
	for userID, list := range out.Grades {
		users[userID] = byBlockID(list)
	}
	return nil
}

func (c *Client) SubsectionGrades(ctx context.Context, courseID, userID string) (map[string]grades.SubsectionGrade, error) {
	c.mu.Lock()
	if users, ok := c.prefetched[courseID]; ok {
		if byBlock, ok := users[userID]; ok {
			c.mu.Unlock()
			return byBlock, nil
		}
	}
	c.mu.Unlock()

	var list []grades.SubsectionGrade
	err := c.do(ctx, http.MethodGet, c.coursePath(courseID, "/learners/"+url.PathEscape(userID)+"/grades"), nil, &list)
	if err != nil {
		return nil, err
	}
	return byBlockID(list), nil
}

func (c *Client) CourseGrade(ctx context.Context, courseID, userID string) (grades.CourseGrade, error) {
	var out grades.CourseGrade
	err := c.do(ctx, http.MethodGet, c.coursePath(courseID, "/learners/"+url.PathEscape(userID)+"/course-grade"), nil, &out)
	return out, err
}

func (c *Client) OverrideSubsectionGrade(ctx context.Context, req grades.OverrideRequest) error {
	return c.do(ctx, http.MethodPost, c.coursePath(req.CourseID, "/grades/overrides"), req, nil)
}

func (c *Client) RecalculateGrades(ctx context.Context, courseID string) error {
	return c.do(ctx, http.MethodPost, c.coursePath(courseID, "/grades/recalculate"), nil, nil)
}

func byBlockID(list []grades.SubsectionGrade) map[string]grades.SubsectionGrade {
	byBlock := make(map[string]grades.SubsectionGrade, len(list))
	for _, grade := range list {
		byBlock[grade.BlockID] = grade
	}
	return byBlock
}
