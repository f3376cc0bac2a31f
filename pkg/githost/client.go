package githost

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the code host reports that a commit, PR, or
// repository does not exist.
var ErrNotFound = errors.New("not found on code host")

// RateLimitError signals that the code host refused the request because the
// API quota is exhausted. It is a distinguished error kind: orchestration
// aborts the current batch cleanly instead of recording per-deployment
// failures.
type RateLimitError struct {
	Host       string
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Host, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Host)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Client is the capability interface for the source-code host.
type Client interface {
	// GetCommit returns commit metadata including parent SHAs.
	GetCommit(ctx context.Context, repo Repo, sha string) (*Commit, error)

	// FindPullRequestForCommit returns the pull request that introduced the
	// commit, or nil when the commit was pushed directly to a branch without
	// a PR.
	FindPullRequestForCommit(ctx context.Context, repo Repo, sha string) (*PullRequestRef, error)

	// GetPullRequest returns the full normalized PR snapshot.
	GetPullRequest(ctx context.Context, repo Repo, number int) (*PullRequest, error)

	// CompareCommits returns the commits reachable from head but not from
	// base, a traversal shortcut used by the graph walker when available.
	CompareCommits(ctx context.Context, repo Repo, base, head string) ([]Commit, error)
}
