package analyticssvc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/grades"
)

// Client talks to the learner analytics API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

var _ grades.Analytics = (*Client)(nil)

func NewClient(conf core.ClientConfig) *Client {
	base := conf.URL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &Client{
		base:  base,
		token: conf.Token,
		http:  &http.Client{Timeout: conf.Timeout},
	}
}

func (c *Client) CourseEngagement(ctx context.Context, courseID string) (map[string]grades.Engagement, error) {
	path := "/courses/" + url.PathEscape(courseID) + "/engagement"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Authorization", "Token "+c.token)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling analytics API")
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		return nil, errors.Errorf("analytics API: GET %s - status: %d - body: %s", path, res.StatusCode, data)
	}

	var out struct {
		Engagement []grades.Engagement `json:"engagement"`
	}
	if err = json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decoding response")
	}
	byUsername := make(map[string]grades.Engagement, len(out.Engagement))
	for _, engagement := range out.Engagement {
		byUsername[engagement.Username] = engagement
	}
	return byUsername, nil
}
