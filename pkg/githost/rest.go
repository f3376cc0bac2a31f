package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RESTClientConfig configures the REST code host client.
type RESTClientConfig struct {
	BaseURL string        // e.g. https://api.github.com
	Token   string        // bearer token; empty for anonymous access
	Timeout time.Duration // per-request timeout, default 30s
	// RequestsPerSecond throttles outgoing calls so a busy sync loop does
	// not burn the API quota in one burst. Default 5.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// RESTClient implements Client against a GitHub-style REST API.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRESTClient creates a REST code host client.
func NewRESTClient(cfg RESTClientConfig) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RESTClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  cfg.Logger,
	}
}

// restCommit is the wire shape of a commit object.
type restCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
		Committer struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
	Author    *struct{ Login string } `json:"author"`
	Committer *struct{ Login string } `json:"committer"`
	Parents   []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
}

func (rc *restCommit) normalize() Commit {
	c := Commit{
		SHA:         rc.SHA,
		Message:     rc.Commit.Message,
		Author:      rc.Commit.Author.Name,
		Committer:   rc.Commit.Committer.Name,
		AuthoredAt:  rc.Commit.Author.Date,
		CommittedAt: rc.Commit.Committer.Date,
	}
	// Prefer the platform login over the git author string when present.
	if rc.Author != nil && rc.Author.Login != "" {
		c.Author = rc.Author.Login
	}
	if rc.Committer != nil && rc.Committer.Login != "" {
		c.Committer = rc.Committer.Login
	}
	for _, p := range rc.Parents {
		c.Parents = append(c.Parents, p.SHA)
	}
	return c
}

// GetCommit implements Client.
func (c *RESTClient) GetCommit(ctx context.Context, repo Repo, sha string) (*Commit, error) {
	var rc restCommit
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", repo.Owner, repo.Name, sha)
	if err := c.getJSON(ctx, path, &rc); err != nil {
		return nil, err
	}
	commit := rc.normalize()
	return &commit, nil
}

// FindPullRequestForCommit implements Client. A commit with no associated
// pull request returns (nil, nil), meaning a direct push.
func (c *RESTClient) FindPullRequestForCommit(ctx context.Context, repo Repo, sha string) (*PullRequestRef, error) {
	var prs []struct {
		Number   int        `json:"number"`
		Title    string     `json:"title"`
		HTMLURL  string     `json:"html_url"`
		State    string     `json:"state"`
		Merged   bool       `json:"merged"`
		MergedAt *time.Time `json:"merged_at"`
	}
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/pulls", repo.Owner, repo.Name, sha)
	if err := c.getJSON(ctx, path, &prs); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	// Prefer a merged PR over open ones referencing the same commit.
	for _, pr := range prs {
		if pr.Merged || pr.MergedAt != nil {
			return &PullRequestRef{Number: pr.Number, Title: pr.Title, URL: pr.HTMLURL, State: pr.State}, nil
		}
	}
	if len(prs) > 0 {
		pr := prs[0]
		return &PullRequestRef{Number: pr.Number, Title: pr.Title, URL: pr.HTMLURL, State: pr.State}, nil
	}
	return nil, nil
}

// GetPullRequest implements Client. It aggregates the PR object with its
// commit list, reviews, and head check runs into one validated snapshot.
func (c *RESTClient) GetPullRequest(ctx context.Context, repo Repo, number int) (*PullRequest, error) {
	var raw struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
		User    *struct{ Login string } `json:"user"`
		MergedBy *struct{ Login string } `json:"merged_by"`
		Base    struct {
			SHA string `json:"sha"`
		} `json:"base"`
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	base := fmt.Sprintf("/repos/%s/%s/pulls/%d", repo.Owner, repo.Name, number)
	if err := c.getJSON(ctx, base, &raw); err != nil {
		return nil, err
	}

	pr := &PullRequest{
		Number:  raw.Number,
		Title:   raw.Title,
		URL:     raw.HTMLURL,
		State:   raw.State,
		Merged:  raw.Merged,
		BaseSHA: raw.Base.SHA,
		HeadSHA: raw.Head.SHA,
	}
	if raw.User != nil {
		pr.CreatedBy = raw.User.Login
	}
	if raw.MergedBy != nil {
		pr.MergedBy = raw.MergedBy.Login
	}

	var rawCommits []restCommit
	if err := c.getPaginated(ctx, base+"/commits?per_page=100", &rawCommits); err != nil {
		return nil, fmt.Errorf("fetch PR #%d commits: %w", number, err)
	}
	for i := range rawCommits {
		pr.Commits = append(pr.Commits, rawCommits[i].normalize())
	}

	var rawReviews []struct {
		User        *struct{ Login string } `json:"user"`
		State       string                  `json:"state"`
		SubmittedAt time.Time               `json:"submitted_at"`
	}
	if err := c.getPaginated(ctx, base+"/reviews?per_page=100", &rawReviews); err != nil {
		return nil, fmt.Errorf("fetch PR #%d reviews: %w", number, err)
	}
	for _, r := range rawReviews {
		review := Review{State: r.State, SubmittedAt: r.SubmittedAt}
		if r.User != nil {
			review.Reviewer = r.User.Login
		}
		pr.Reviews = append(pr.Reviews, review)
	}

	var rawChecks struct {
		CheckRuns []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	checksPath := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", repo.Owner, repo.Name, pr.HeadSHA)
	if err := c.getJSON(ctx, checksPath, &rawChecks); err != nil && err != ErrNotFound {
		// Checks are reporting metadata only; a missing checks API is not fatal.
		c.logger.Warn("fetch check runs failed", "repo", repo.String(), "pr", number, "error", err)
	}
	for _, cr := range rawChecks.CheckRuns {
		pr.Checks = append(pr.Checks, Check{Name: cr.Name, Status: cr.Status, Conclusion: cr.Conclusion})
	}

	if err := pr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pull request snapshot: %w", err)
	}
	return pr, nil
}

// CompareCommits implements Client.
func (c *RESTClient) CompareCommits(ctx context.Context, repo Repo, base, head string) ([]Commit, error) {
	var raw struct {
		Commits []restCommit `json:"commits"`
	}
	path := fmt.Sprintf("/repos/%s/%s/compare/%s...%s", repo.Owner, repo.Name, base, head)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	commits := make([]Commit, 0, len(raw.Commits))
	for i := range raw.Commits {
		commits = append(commits, raw.Commits[i].normalize())
	}
	return commits, nil
}

// getJSON performs a single throttled GET and decodes the response.
func (c *RESTClient) getJSON(ctx context.Context, path string, v any) error {
	body, _, err := c.get(ctx, c.baseURL+path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// getPaginated follows Link rel="next" headers, appending each page into v,
// which must be a pointer to a slice.
func (c *RESTClient) getPaginated(ctx context.Context, path string, v any) error {
	url := c.baseURL + path
	// Decode each page into a fresh raw message slice, then merge.
	var pages []json.RawMessage
	for url != "" {
		body, next, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		var page []json.RawMessage
		if err := json.Unmarshal(body, &page); err != nil {
			return err
		}
		pages = append(pages, page...)
		url = next
	}
	merged, err := json.Marshal(pages)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, v)
}

func (c *RESTClient) get(ctx context.Context, url string) ([]byte, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("code host request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read code host response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var next string
		if m := nextLinkRe.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
			next = m[1]
		}
		return body, next, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return nil, "", &RateLimitError{
			Host:       req.URL.Host,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	default:
		return nil, "", fmt.Errorf("code host returned %d for %s: %s", resp.StatusCode, url, strings.TrimSpace(string(body)))
	}
}
