package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrUnexpectedAPI = errors.New("vcs unexpected response")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("vcs api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("vcs api error (status=%d): %s", e.StatusCode, body)
}

// Comment is one note on a merge request, in creation order.
type Comment struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	System bool   `json:"system"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
}

// CommentClient is the VCS surface the notifier needs. ListComments
// must return comments in creation order.
type CommentClient interface {
	ListComments(ctx context.Context, mergeRequestIID int64) ([]Comment, error)
	CreateComment(ctx context.Context, mergeRequestIID int64, body string) (Comment, error)
	UpdateComment(ctx context.Context, mergeRequestIID int64, commentID int64, body string) (Comment, error)
}

// GitLabClient talks to the GitLab merge-request notes API with a
// static-token OAuth2 client.
type GitLabClient struct {
	baseURL   string
	projectID string
	http      *http.Client
}

func NewGitLabClient(ctx context.Context, baseURL, projectID, token string) (*GitLabClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("vcs base url is required")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("vcs project id is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("vcs token is required")
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(token)})
	client := oauth2.NewClient(ctx, source)
	client.Timeout = 15 * time.Second

	return &GitLabClient{
		baseURL:   baseURL,
		projectID: projectID,
		http:      client,
	}, nil
}

func (c *GitLabClient) notesPath(mergeRequestIID int64) string {
	return fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%d/notes",
		c.baseURL, url.PathEscape(c.projectID), mergeRequestIID)
}

func (c *GitLabClient) ListComments(ctx context.Context, mergeRequestIID int64) ([]Comment, error) {
	endpoint := c.notesPath(mergeRequestIID) + "?order_by=created_at&sort=asc&per_page=100"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var comments []Comment
	if err := c.do(req, &comments); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

func (c *GitLabClient) CreateComment(ctx context.Context, mergeRequestIID int64, body string) (Comment, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return Comment{}, fmt.Errorf("marshal comment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.notesPath(mergeRequestIID), bytes.NewReader(payload))
	if err != nil {
		return Comment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var comment Comment
	if err := c.do(req, &comment); err != nil {
		return Comment{}, fmt.Errorf("create comment: %w", err)
	}
	return comment, nil
}

func (c *GitLabClient) UpdateComment(ctx context.Context, mergeRequestIID int64, commentID int64, body string) (Comment, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return Comment{}, fmt.Errorf("marshal comment: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%d", c.notesPath(mergeRequestIID), commentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Comment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var comment Comment
	if err := c.do(req, &comment); err != nil {
		return Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return comment, nil
}

func (c *GitLabClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrUnexpectedAPI, err)
	}
	return nil
}
