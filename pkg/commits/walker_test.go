package commits

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// fakeHost serves a fixed commit graph and counts remote fetches.
type fakeHost struct {
	commits     map[string]githost.Commit
	compare     func(base, head string) ([]githost.Commit, error)
	fetches     int
	rateLimited bool
}

func (f *fakeHost) GetCommit(_ context.Context, _ githost.Repo, sha string) (*githost.Commit, error) {
	if f.rateLimited {
		return nil, &githost.RateLimitError{Host: "fake"}
	}
	f.fetches++
	c, ok := f.commits[sha]
	if !ok {
		return nil, githost.ErrNotFound
	}
	return &c, nil
}

func (f *fakeHost) FindPullRequestForCommit(context.Context, githost.Repo, string) (*githost.PullRequestRef, error) {
	return nil, nil
}

func (f *fakeHost) GetPullRequest(context.Context, githost.Repo, int) (*githost.PullRequest, error) {
	return nil, githost.ErrNotFound
}

func (f *fakeHost) CompareCommits(_ context.Context, _ githost.Repo, base, head string) ([]githost.Commit, error) {
	if f.compare == nil {
		return nil, errors.New("compare not supported")
	}
	return f.compare(base, head)
}

// chain builds a linear history headSHA -> ... -> baseSHA.
func chain(shas ...string) map[string]githost.Commit {
	m := make(map[string]githost.Commit, len(shas))
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, sha := range shas {
		c := githost.Commit{SHA: sha, Author: "dev", CommittedAt: when.Add(time.Duration(i) * time.Minute)}
		if i+1 < len(shas) {
			c.Parents = []string{shas[i+1]}
		}
		m[sha] = c
	}
	return m
}

func TestWalkRangeStopsAtBaseExclusive(t *testing.T) {
	host := &fakeHost{commits: chain("head", "mid", "base", "old")}
	store := NewStore(setupTestDB(t))
	w := NewWalker(store, host)

	out, err := w.WalkRange(context.Background(), testRepo, "base", "head")
	require.NoError(t, err)

	shas := make([]string, len(out))
	for i, c := range out {
		shas[i] = c.SHA
	}
	assert.ElementsMatch(t, []string{"head", "mid"}, shas)
}

func TestWalkRangeMergeContributesAllParents(t *testing.T) {
	host := &fakeHost{commits: map[string]githost.Commit{
		"merge": {SHA: "merge", Parents: []string{"a", "b"}},
		"a":     {SHA: "a", Parents: []string{"base"}},
		"b":     {SHA: "b", Parents: []string{"base"}},
		"base":  {SHA: "base"},
	}}
	store := NewStore(setupTestDB(t))
	w := NewWalker(store, host)

	out, err := w.WalkRange(context.Background(), testRepo, "base", "merge")
	require.NoError(t, err)

	shas := make([]string, len(out))
	for i, c := range out {
		shas[i] = c.SHA
	}
	assert.ElementsMatch(t, []string{"merge", "a", "b"}, shas)
}

func TestWalkRangeCachesFetchedCommits(t *testing.T) {
	host := &fakeHost{commits: chain("head", "base")}
	store := NewStore(setupTestDB(t))
	w := NewWalker(store, host)
	ctx := context.Background()

	_, err := w.WalkRange(ctx, testRepo, "base", "head")
	require.NoError(t, err)
	assert.Equal(t, 1, host.fetches)

	cached, err := store.HasCached(ctx, testRepo, "head")
	require.NoError(t, err)
	assert.True(t, cached)

	// A second walk is served entirely from the cache.
	_, err = w.WalkRange(ctx, testRepo, "base", "head")
	require.NoError(t, err)
	assert.Equal(t, 1, host.fetches)
}

func TestWalkRangeDepthBoundIsHardFailure(t *testing.T) {
	shas := make([]string, 20)
	for i := range shas {
		shas[i] = fmt.Sprintf("c%02d", i)
	}
	host := &fakeHost{commits: chain(shas...)}
	store := NewStore(setupTestDB(t))
	w := NewWalker(store, host, WithMaxDepth(5))

	_, err := w.WalkRange(context.Background(), testRepo, "", "c00")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDepthExceeded))
}

func TestWalkRangeUsesCompareShortcut(t *testing.T) {
	host := &fakeHost{
		commits: chain("head", "base"),
		compare: func(base, head string) ([]githost.Commit, error) {
			return []githost.Commit{{SHA: "head", Parents: []string{"base"}}}, nil
		},
	}
	store := NewStore(setupTestDB(t))
	w := NewWalker(store, host)
	ctx := context.Background()

	out, err := w.WalkRange(ctx, testRepo, "base", "head")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "head", out[0].SHA)
	assert.Equal(t, 0, host.fetches, "no per-commit fetches when compare works")

	cached, err := store.HasCached(ctx, testRepo, "head")
	require.NoError(t, err)
	assert.True(t, cached, "compare results are cached")
}

func TestWalkRangeRateLimitPropagates(t *testing.T) {
	host := &fakeHost{commits: chain("head", "base"), rateLimited: true}
	store := NewStore(setupTestDB(t))
	w := NewWalker(store, host)

	_, err := w.WalkRange(context.Background(), testRepo, "base", "head")
	require.Error(t, err)
	assert.True(t, githost.IsRateLimit(err))
}

func TestWalkRangeSameBaseAndHead(t *testing.T) {
	host := &fakeHost{commits: chain("head")}
	w := NewWalker(NewStore(setupTestDB(t)), host)

	out, err := w.WalkRange(context.Background(), testRepo, "head", "head")
	require.NoError(t, err)
	assert.Empty(t, out)
}
