// Package githost abstracts the source-code hosting service that commit
// metadata, pull requests, and reviews are fetched from. The audit core only
// depends on the Client interface; RESTClient is the concrete HTTP
// implementation and MirrorSource is a local-clone fallback.
package githost

import (
	"fmt"
	"strings"
	"time"
)

// Repo identifies a repository on the code host.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String returns the canonical "owner/name" form.
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepo parses "owner/name" into a Repo.
func ParseRepo(s string) (Repo, error) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimSpace(s), ".git"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("invalid repository %q, expected owner/name", s)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// Commit is the normalized commit metadata returned by the code host.
type Commit struct {
	SHA         string    `json:"sha"`
	Parents     []string  `json:"parents"`
	Author      string    `json:"author"`
	Committer   string    `json:"committer"`
	AuthoredAt  time.Time `json:"authoredAt"`
	CommittedAt time.Time `json:"committedAt"`
	Message     string    `json:"message"`
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) > 1
}

// PullRequestRef is the lightweight commit-to-PR association result.
type PullRequestRef struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// Review state values as reported by the code host.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// Review is a single pull request review.
type Review struct {
	Reviewer    string    `json:"reviewer"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Check is a CI check outcome attached to the PR head.
type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// PullRequest is the detailed, normalized pull request snapshot.
type PullRequest struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	State     string   `json:"state"`
	Merged    bool     `json:"merged"`
	MergedBy  string   `json:"mergedBy"`
	CreatedBy string   `json:"createdBy"`
	BaseSHA   string   `json:"baseSha"`
	HeadSHA   string   `json:"headSha"`
	Commits   []Commit `json:"commits"`
	Reviews   []Review `json:"reviews"`
	Checks    []Check  `json:"checks"`
}

// LastCommitTime returns the committer timestamp of the newest commit in the
// PR, or the zero time when the commit list is empty.
func (pr *PullRequest) LastCommitTime() time.Time {
	var last time.Time
	for i := range pr.Commits {
		if pr.Commits[i].CommittedAt.After(last) {
			last = pr.Commits[i].CommittedAt
		}
	}
	return last
}

// ContainsCommit reports whether sha is part of the PR's own commit list or
// is the PR head itself.
func (pr *PullRequest) ContainsCommit(sha string) bool {
	if sha == pr.HeadSHA {
		return true
	}
	for i := range pr.Commits {
		if pr.Commits[i].SHA == sha {
			return true
		}
	}
	return false
}

// Validate checks the fields the verification engine depends on. Snapshots
// are validated once on ingestion so downstream code can trust the shape.
func (pr *PullRequest) Validate() error {
	if pr.Number <= 0 {
		return fmt.Errorf("pull request snapshot missing number")
	}
	if pr.HeadSHA == "" {
		return fmt.Errorf("pull request #%d snapshot missing head SHA", pr.Number)
	}
	if pr.BaseSHA == "" {
		return fmt.Errorf("pull request #%d snapshot missing base SHA", pr.Number)
	}
	for i := range pr.Commits {
		if pr.Commits[i].SHA == "" {
			return fmt.Errorf("pull request #%d snapshot has commit without SHA", pr.Number)
		}
	}
	for i := range pr.Reviews {
		switch pr.Reviews[i].State {
		case ReviewApproved, ReviewChangesRequested, ReviewCommented:
		default:
			return fmt.Errorf("pull request #%d snapshot has review with unknown state %q",
				pr.Number, pr.Reviews[i].State)
		}
	}
	return nil
}
