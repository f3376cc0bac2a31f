package foureyes

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/auditflow/deploywatch/pkg/cache"
	"github.com/auditflow/deploywatch/pkg/githost"
)

// Correlator resolves commits to the pull requests that introduced them and
// fetches normalized PR snapshots, with an injected TTL cache in front of the
// code host.
type Correlator struct {
	host   githost.Client
	logger *slog.Logger

	// refs caches commit-to-PR association results, including negative
	// ("direct push") results.
	refs *cache.Cache[*githost.PullRequestRef]
	// snapshots caches detailed PR snapshots keyed by repo and number.
	snapshots *cache.Cache[*githost.PullRequest]
}

// CorrelatorOption customizes a Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger sets the correlator's logger.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) { c.logger = logger }
}

// WithCacheTTL replaces both lookup caches with caches of the given TTL.
func WithCacheTTL(maxSize int, ttl time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.refs = cache.New[*githost.PullRequestRef](maxSize, ttl)
		c.snapshots = cache.New[*githost.PullRequest](maxSize, ttl)
	}
}

// NewCorrelator creates a pull request correlator.
func NewCorrelator(host githost.Client, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		host:      host,
		logger:    slog.Default(),
		refs:      cache.New[*githost.PullRequestRef](2048, 15*time.Minute),
		snapshots: cache.New[*githost.PullRequest](512, 15*time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindPullRequest returns the PR that introduced the commit, or nil for a
// direct push. Results, including negative ones, are cached.
func (c *Correlator) FindPullRequest(ctx context.Context, repo githost.Repo, sha string) (*githost.PullRequestRef, error) {
	key := repo.String() + "@" + sha
	if ref, ok := c.refs.Get(key); ok {
		return ref, nil
	}

	ref, err := c.host.FindPullRequestForCommit(ctx, repo, sha)
	if err != nil {
		return nil, err
	}
	c.refs.Set(key, ref)
	return ref, nil
}

// Snapshot returns the normalized PR snapshot. mustCover is the deployment's
// commit SHA: a cached snapshot that does not cover it is treated as stale
// (force-pushed or rewritten history) and re-fetched rather than trusted.
// parents are mustCover's parent SHAs when the caller has them; they sharpen
// the merge-commit check.
func (c *Correlator) Snapshot(ctx context.Context, repo githost.Repo, number int, mustCover string, parents []string) (*githost.PullRequest, error) {
	key := fmt.Sprintf("%s#%d", repo.String(), number)
	if pr, ok := c.snapshots.Get(key); ok && pr != nil {
		if mustCover == "" || pr.ContainsCommit(mustCover) || isMergeOf(pr, mustCover, parents) {
			return pr, nil
		}
		c.logger.Debug("cached PR snapshot does not cover commit, re-fetching",
			"pr", key, "commit", mustCover)
		c.snapshots.Invalidate(key)
	}

	pr, err := c.host.GetPullRequest(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	c.snapshots.Set(key, pr)
	return pr, nil
}

// isMergeOf reports whether sha is plausibly the merge commit created when
// the PR landed: merge commits are not part of the PR's own commit list.
// When sha's parent pointers are known, the snapshot's head must be one of
// them, so a force-pushed head cannot ride on a stale cached snapshot.
func isMergeOf(pr *githost.PullRequest, sha string, parents []string) bool {
	if !pr.Merged || sha == "" || pr.ContainsCommit(sha) {
		return false
	}
	if len(parents) == 0 || pr.HeadSHA == "" {
		return true
	}
	return slices.Contains(parents, pr.HeadSHA)
}

// InvalidateAll clears both lookup caches.
func (c *Correlator) InvalidateAll() {
	c.refs.InvalidateAll()
	c.snapshots.InvalidateAll()
}
