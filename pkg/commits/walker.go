package commits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// DefaultMaxWalkDepth bounds graph traversal against cycles or pathological
// histories. Exceeding the bound is a hard failure, not a silent truncation.
const DefaultMaxWalkDepth = 500

// ErrDepthExceeded is returned when a walk passes the safety depth bound.
var ErrDepthExceeded = errors.New("commit graph walk exceeded depth bound")

// Walker computes commit ranges over cached parent-pointer data, fetching
// missing commits from the code host on demand and caching them before
// continuing.
type Walker struct {
	store    *Store
	host     githost.Client
	maxDepth int
	logger   *slog.Logger
}

// WalkerOption customizes a Walker.
type WalkerOption func(*Walker)

// WithMaxDepth overrides the traversal depth bound.
func WithMaxDepth(depth int) WalkerOption {
	return func(w *Walker) {
		if depth > 0 {
			w.maxDepth = depth
		}
	}
}

// WithWalkerLogger sets the walker's logger.
func WithWalkerLogger(logger *slog.Logger) WalkerOption {
	return func(w *Walker) { w.logger = logger }
}

// NewWalker creates a commit graph walker.
func NewWalker(store *Store, host githost.Client, opts ...WalkerOption) *Walker {
	w := &Walker{
		store:    store,
		host:     host,
		maxDepth: DefaultMaxWalkDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WalkRange returns the commits reachable from headSHA by following parent
// pointers, stopping at baseSHA (exclusive). Merge commits contribute all
// parents to the frontier. When the code host offers a compare endpoint the
// walker uses it as a shortcut and caches its results; any shortcut failure
// other than rate limiting falls back to the BFS traversal.
func (w *Walker) WalkRange(ctx context.Context, repo githost.Repo, baseSHA, headSHA string) ([]Commit, error) {
	if headSHA == "" {
		return nil, fmt.Errorf("walk range: missing head SHA")
	}
	if baseSHA == headSHA {
		return nil, nil
	}

	if baseSHA != "" {
		if commits, ok, err := w.tryCompare(ctx, repo, baseSHA, headSHA); err != nil {
			return nil, err
		} else if ok {
			return commits, nil
		}
	}

	return w.bfs(ctx, repo, baseSHA, headSHA)
}

// tryCompare uses the host compare endpoint. ok=false means the shortcut was
// unavailable and the caller should fall back to traversal.
func (w *Walker) tryCompare(ctx context.Context, repo githost.Repo, baseSHA, headSHA string) ([]Commit, bool, error) {
	hostCommits, err := w.host.CompareCommits(ctx, repo, baseSHA, headSHA)
	if err != nil {
		if githost.IsRateLimit(err) {
			return nil, false, err
		}
		w.logger.Debug("compare shortcut unavailable, falling back to traversal",
			"repo", repo.String(), "error", err)
		return nil, false, nil
	}
	if len(hostCommits) > w.maxDepth {
		return nil, false, fmt.Errorf("%w: compare %s..%s returned %d commits (bound %d)",
			ErrDepthExceeded, baseSHA, headSHA, len(hostCommits), w.maxDepth)
	}

	batch := make([]*Commit, 0, len(hostCommits))
	for i := range hostCommits {
		batch = append(batch, FromHost(repo, &hostCommits[i]))
	}
	if err := w.store.UpsertBatch(ctx, batch); err != nil {
		return nil, false, err
	}

	out := make([]Commit, 0, len(batch))
	for _, c := range batch {
		out = append(out, *c)
	}
	return out, true, nil
}

// bfs traverses parent pointers breadth-first from head, stopping at base.
func (w *Walker) bfs(ctx context.Context, repo githost.Repo, baseSHA, headSHA string) ([]Commit, error) {
	visited := mapset.NewSet[string]()
	if baseSHA != "" {
		visited.Add(baseSHA)
	}

	frontier := []string{headSHA}
	var out []Commit
	var fetched []*Commit

	for depth := 0; len(frontier) > 0; depth++ {
		if depth > w.maxDepth {
			return nil, fmt.Errorf("%w: walked %d levels from %s without reaching %s",
				ErrDepthExceeded, w.maxDepth, headSHA, baseSHA)
		}

		var next []string
		for _, sha := range frontier {
			if visited.Contains(sha) {
				continue
			}
			visited.Add(sha)

			commit, wasCached, err := w.resolve(ctx, repo, sha)
			if err != nil {
				return nil, err
			}
			if !wasCached {
				fetched = append(fetched, commit)
			}
			out = append(out, *commit)

			for _, parent := range commit.Parents {
				if !visited.Contains(parent) {
					next = append(next, parent)
				}
			}
		}
		frontier = next
	}

	// Persist everything fetched during this walk in one batch so a crash
	// mid-walk cannot leave a partially applied commit set.
	if err := w.store.UpsertBatch(ctx, fetched); err != nil {
		return nil, err
	}
	return out, nil
}

// resolve returns the commit from the local cache, fetching it from the code
// host when missing. The bool reports whether it came from the cache.
func (w *Walker) resolve(ctx context.Context, repo githost.Repo, sha string) (*Commit, bool, error) {
	cached, err := w.store.Get(ctx, repo, sha)
	if err != nil {
		return nil, false, err
	}
	if cached != nil && cached.Parents != nil {
		return cached, true, nil
	}

	hostCommit, err := w.host.GetCommit(ctx, repo, sha)
	if err != nil {
		return nil, false, fmt.Errorf("fetch commit %s: %w", sha, err)
	}
	return FromHost(repo, hostCommit), false, nil
}
