package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/ianlintner/AI-Pipeline/report"
)

// Compile-time interface check.
var _ Tracker = (*GitHub)(nil)

// GitHubOption configures a GitHub tracker.
type GitHubOption func(*githubConfig)

type githubConfig struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(u string) GitHubOption {
	return func(c *githubConfig) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) GitHubOption {
	return func(c *githubConfig) { c.httpClient = hc }
}

// GitHub files tickets as issues in one repository.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHub creates a tracker for owner/repo authenticated with token.
func NewGitHub(token, owner, repo string, opts ...GitHubOption) (*GitHub, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("tracker: github owner and repo are required")
	}
	cfg := &githubConfig{}
	for _, o := range opts {
		o(cfg)
	}

	client := github.NewClient(cfg.httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if cfg.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("tracker: parse base url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHub{client: client, owner: owner, repo: repo}, nil
}

// CreateIssue implements Tracker. A milestone is only sent when it is a
// milestone number; GitHub does not accept milestone titles.
func (g *GitHub) CreateIssue(ctx context.Context, t report.Ticket) (report.IssueRef, error) {
	title, body := t.Title, t.Body
	req := &github.IssueRequest{Title: &title, Body: &body}
	if len(t.Labels) > 0 {
		labels := t.Labels
		req.Labels = &labels
	}
	if len(t.Assignees) > 0 {
		assignees := t.Assignees
		req.Assignees = &assignees
	}
	if n, err := strconv.Atoi(t.Milestone); err == nil {
		req.Milestone = &n
	}

	issue, _, err := g.client.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return report.IssueRef{}, classify(err)
	}
	return report.IssueRef{
		Number: issue.GetNumber(),
		URL:    issue.GetHTMLURL(),
		Title:  issue.GetTitle(),
	}, nil
}

// classify turns API rejections into *APIError and leaves transport
// errors as they are.
func classify(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("tracker: create issue: %w", &APIError{StatusCode: http.StatusTooManyRequests, Message: rateErr.Message})
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("tracker: create issue: %w", &APIError{StatusCode: http.StatusTooManyRequests, Message: abuseErr.Message})
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return fmt.Errorf("tracker: create issue: %w", &APIError{StatusCode: respErr.Response.StatusCode, Message: respErr.Message})
	}
	return fmt.Errorf("tracker: create issue: %w", err)
}
