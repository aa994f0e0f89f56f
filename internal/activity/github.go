package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGitHubBaseURL = "https://api.github.com"
	defaultPerPage       = 100
	defaultMaxPages      = 10
	githubAPIVersion     = "2022-11-28"
)

// GitHubConfig configures a GitHubProvider
type GitHubConfig struct {
	BaseURL  string       `toml:"base_url"`
	Token    string       `toml:"token"`
	MaxPages int          `toml:"max_pages"`
	PerPage  int          `toml:"per_page"`
	Client   *http.Client `toml:"-"`
}

// GitHubProvider lists commits through the GitHub REST API
type GitHubProvider struct {
	baseURL  string
	token    string
	maxPages int
	perPage  int
	client   *http.Client
}

// NewGitHubProvider creates a provider, filling unset fields with defaults
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	p := &GitHubProvider{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		maxPages: cfg.MaxPages,
		perPage:  cfg.PerPage,
		client:   cfg.Client,
	}
	if p.baseURL == "" {
		p.baseURL = DefaultGitHubBaseURL
	}
	if p.maxPages <= 0 {
		p.maxPages = defaultMaxPages
	}
	if p.perPage <= 0 || p.perPage > 100 {
		p.perPage = defaultPerPage
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 30 * time.Second}
	}
	return p
}

type githubCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
}

// FetchActivity pages through the commits of q.Branch within the window
func (p *GitHubProvider) FetchActivity(ctx context.Context, q Query) ([]Change, error) {
	owner, repo, ok := strings.Cut(q.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, NewCollectionError("list commits", 0, fmt.Errorf("repository %q is not owner/name", q.Repository), false)
	}

	var changes []Change
	for page := 1; page <= p.maxPages; page++ {
		commits, err := p.listPage(ctx, owner, repo, q, page)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			changes = append(changes, toChange(c))
		}
		if len(commits) < p.perPage {
			return changes, nil
		}
	}

	// Every allowed page was full. Commits come newest first, so anything
	// left over is the oldest part of the window.
	more, err := p.listPage(ctx, owner, repo, q, p.maxPages+1)
	if err != nil {
		return nil, err
	}
	if len(more) > 0 {
		return nil, NewCollectionError("list commits", 0,
			fmt.Errorf("%w: more than %d commits", ErrWindowTooLarge, p.maxPages*p.perPage), false)
	}
	return changes, nil
}

func (p *GitHubProvider) listPage(ctx context.Context, owner, repo string, q Query, page int) ([]githubCommit, error) {
	params := url.Values{}
	if q.Branch != "" {
		params.Set("sha", q.Branch)
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	params.Set("per_page", strconv.Itoa(p.perPage))
	params.Set("page", strconv.Itoa(page))

	reqURL := fmt.Sprintf("%s/repos/%s/%s/commits?%s", p.baseURL, url.PathEscape(owner), url.PathEscape(repo), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, NewCollectionError("list commits", 0, err, false)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewCollectionError("list commits", 0, err, isRetryableNetErr(ctx, err))
	}
	defer resp.Body.Close()

	// An empty repository answers 409; that is an empty window, not a failure.
	if resp.StatusCode == http.StatusConflict {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewCollectionError("list commits", resp.StatusCode,
			errors.New(strings.TrimSpace(string(body))), isRetryableStatus(resp))
	}

	var commits []githubCommit
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return nil, NewCollectionError("decode commits", resp.StatusCode, err, false)
	}
	return commits, nil
}

func toChange(c githubCommit) Change {
	title, _, _ := strings.Cut(c.Commit.Message, "\n")
	ts := c.Commit.Committer.Date
	if ts.IsZero() {
		ts = c.Commit.Author.Date
	}
	ch := Change{
		ID:          c.SHA,
		Title:       strings.TrimSpace(title),
		Message:     c.Commit.Message,
		Author:      c.Commit.Author.Name,
		AuthorEmail: c.Commit.Author.Email,
		URL:         c.HTMLURL,
		Timestamp:   ts.UTC(),
	}
	if c.Author != nil {
		ch.AuthorHandle = c.Author.Login
	}
	return ch
}

// isRetryableStatus classifies a non-2xx response. GitHub signals an
// exhausted rate limit with 403 and X-RateLimit-Remaining: 0.
func isRetryableStatus(resp *http.Response) bool {
	switch {
	case resp.StatusCode >= 500:
		return true
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return true
	default:
		return false
	}
}

func isRetryableNetErr(ctx context.Context, err error) bool {
	// The run itself was cancelled; retrying cannot help.
	if ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
