package githost

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// MirrorSource serves commit metadata from local bare clones instead of the
// code host API. It covers only the graph-walk reads (GetCommit,
// CompareCommits); PR correlation always needs the API. Used as a fallback
// when the REST client reports rate limiting, so a long history walk does
// not stall on quota.
type MirrorSource struct {
	cacheDir string
	cloneURL func(Repo) string
	logger   *slog.Logger
}

// NewMirrorSource creates a mirror source storing bare clones under cacheDir.
// cloneURL builds the fetch URL for a repository; when nil an https
// github.com URL is assumed.
func NewMirrorSource(cacheDir string, cloneURL func(Repo) string, logger *slog.Logger) *MirrorSource {
	if cloneURL == nil {
		cloneURL = func(r Repo) string {
			return fmt.Sprintf("https://github.com/%s/%s.git", r.Owner, r.Name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorSource{cacheDir: cacheDir, cloneURL: cloneURL, logger: logger}
}

// open returns the bare repository for repo, cloning or fetching as needed.
func (m *MirrorSource) open(ctx context.Context, repo Repo) (*git.Repository, error) {
	dir := filepath.Join(m.cacheDir, repo.Owner, repo.Name+".git")

	r, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("create mirror dir: %w", err)
		}
		m.logger.Info("cloning mirror", "repo", repo.String(), "dir", dir)
		r, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
			URL:    m.cloneURL(repo),
			Mirror: true,
		})
		if err != nil {
			return nil, fmt.Errorf("clone mirror for %s: %w", repo.String(), err)
		}
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror for %s: %w", repo.String(), err)
	}

	err = r.FetchContext(ctx, &git.FetchOptions{Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate && err != transport.ErrEmptyRemoteRepository {
		m.logger.Warn("mirror fetch failed, serving stale clone", "repo", repo.String(), "error", err)
	}
	return r, nil
}

// GetCommit reads commit metadata from the local clone.
func (m *MirrorSource) GetCommit(ctx context.Context, repo Repo, sha string) (*Commit, error) {
	r, err := m.open(ctx, repo)
	if err != nil {
		return nil, err
	}
	c, err := r.CommitObject(plumbing.NewHash(sha))
	if err == plumbing.ErrObjectNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s from mirror: %w", sha, err)
	}
	return mirrorCommit(c), nil
}

// CompareCommits walks parent pointers from head until base (exclusive).
func (m *MirrorSource) CompareCommits(ctx context.Context, repo Repo, base, head string) ([]Commit, error) {
	r, err := m.open(ctx, repo)
	if err != nil {
		return nil, err
	}

	start, err := r.CommitObject(plumbing.NewHash(head))
	if err == plumbing.ErrObjectNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s from mirror: %w", head, err)
	}

	stop := plumbing.NewHash(base)
	seen := map[plumbing.Hash]bool{stop: true}
	frontier := []*object.Commit{start}
	var out []Commit

	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c := frontier[0]
		frontier = frontier[1:]
		if seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true
		out = append(out, *mirrorCommit(c))

		for _, ph := range c.ParentHashes {
			if seen[ph] {
				continue
			}
			parent, err := r.CommitObject(ph)
			if err != nil {
				return nil, fmt.Errorf("read parent %s from mirror: %w", ph.String(), err)
			}
			frontier = append(frontier, parent)
		}
	}
	return out, nil
}

func mirrorCommit(c *object.Commit) *Commit {
	out := &Commit{
		SHA:         c.Hash.String(),
		Author:      c.Author.Name,
		Committer:   c.Committer.Name,
		AuthoredAt:  c.Author.When.UTC(),
		CommittedAt: c.Committer.When.UTC(),
		Message:     c.Message,
	}
	for _, p := range c.ParentHashes {
		out.Parents = append(out.Parents, p.String())
	}
	return out
}

// FallbackClient delegates to the primary API client and retries commit-graph
// reads against the mirror when the primary reports rate limiting. PR lookups
// are API-only and pass through untouched.
type FallbackClient struct {
	Client
	mirror *MirrorSource
	logger *slog.Logger
}

// NewFallbackClient wraps primary with a mirror fallback.
func NewFallbackClient(primary Client, mirror *MirrorSource, logger *slog.Logger) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackClient{Client: primary, mirror: mirror, logger: logger}
}

// GetCommit tries the API first, then the mirror on rate limit.
func (f *FallbackClient) GetCommit(ctx context.Context, repo Repo, sha string) (*Commit, error) {
	c, err := f.Client.GetCommit(ctx, repo, sha)
	if err != nil && IsRateLimit(err) && f.mirror != nil {
		f.logger.Warn("rate limited, reading commit from mirror", "repo", repo.String(), "sha", sha)
		if mc, merr := f.mirror.GetCommit(ctx, repo, sha); merr == nil {
			return mc, nil
		}
	}
	return c, err
}

// CompareCommits tries the API first, then the mirror on rate limit.
func (f *FallbackClient) CompareCommits(ctx context.Context, repo Repo, base, head string) ([]Commit, error) {
	cs, err := f.Client.CompareCommits(ctx, repo, base, head)
	if err != nil && IsRateLimit(err) && f.mirror != nil {
		f.logger.Warn("rate limited, comparing commits via mirror", "repo", repo.String())
		if mcs, merr := f.mirror.CompareCommits(ctx, repo, base, head); merr == nil {
			return mcs, nil
		}
	}
	return cs, err
}

// mirrorFetchTimeout bounds how long a single mirror refresh may take.
const mirrorFetchTimeout = 2 * time.Minute

// Warm pre-clones the mirror for a repository ahead of need.
func (m *MirrorSource) Warm(ctx context.Context, repo Repo) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorFetchTimeout)
	defer cancel()
	_, err := m.open(ctx, repo)
	return err
}
