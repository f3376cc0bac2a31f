package paas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// RESTSourceConfig configures the REST deployment event source.
type RESTSourceConfig struct {
	BaseURL  string
	Token    string
	PageSize int           // default 50
	Timeout  time.Duration // default 30s
	Logger   *slog.Logger
}

// RESTSource implements EventSource against the platform's deployments API.
type RESTSource struct {
	baseURL  string
	token    string
	pageSize int
	http     *http.Client
	logger   *slog.Logger
}

// NewRESTSource creates a REST event source.
func NewRESTSource(cfg RESTSourceConfig) *RESTSource {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RESTSource{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		pageSize: cfg.PageSize,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
	}
}

// restEvent is the wire shape of a platform deployment event.
type restEvent struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Deployer  struct {
		Username string `json:"username"`
	} `json:"deployer"`
	CommitSHA string `json:"commit_sha"`
	Trigger   struct {
		Kind          string `json:"kind"`
		RepositoryURL string `json:"repository_url"`
	} `json:"trigger"`
}

// FetchEvents implements EventSource.
func (s *RESTSource) FetchEvents(ctx context.Context, app AppRef, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(s.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := fmt.Sprintf("%s/teams/%s/environments/%s/applications/%s/deployments?%s",
		s.baseURL, url.PathEscape(app.Team), url.PathEscape(app.Environment),
		url.PathEscape(app.Name), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch deployment events: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read deployment events response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, &githost.RateLimitError{Host: req.URL.Host, RetryAfter: resp.Header.Get("Retry-After")}
	default:
		return nil, fmt.Errorf("deployment event source returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw struct {
		Deployments []restEvent `json:"deployments"`
		NextCursor  string      `json:"next_cursor"`
		HasMore     bool        `json:"has_more"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode deployment events: %w", err)
	}

	page := &Page{NextCursor: raw.NextCursor, HasMore: raw.HasMore}
	for _, e := range raw.Deployments {
		event := Event{
			ID:          e.ID,
			CreatedAt:   e.CreatedAt,
			Deployer:    e.Deployer.Username,
			CommitSHA:   e.CommitSHA,
			Environment: app.Environment,
			TriggerKind: e.Trigger.Kind,
		}
		if e.Trigger.RepositoryURL != "" {
			repo, err := parseRepoURL(e.Trigger.RepositoryURL)
			if err != nil {
				s.logger.Warn("unparseable trigger repository", "deployment", e.ID,
					"url", e.Trigger.RepositoryURL, "error", err)
			} else {
				event.Repo = repo
			}
		}
		page.Events = append(page.Events, event)
	}
	return page, nil
}

// parseRepoURL extracts owner/name from https and ssh git URLs.
func parseRepoURL(raw string) (githost.Repo, error) {
	s := strings.TrimSuffix(raw, ".git")
	if i := strings.Index(s, "git@"); i == 0 {
		// git@host:owner/name
		if j := strings.Index(s, ":"); j > 0 {
			return githost.ParseRepo(s[j+1:])
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return githost.Repo{}, fmt.Errorf("parse repository url %q: %w", raw, err)
	}
	return githost.ParseRepo(strings.TrimPrefix(u.Path, "/"))
}
