// Package commits implements the persistent commit metadata cache and the
// commit graph walker that feeds unreviewed-commit detection.
package commits

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Commit is the GORM model for cached commit metadata, keyed by
// (owner, name, sha). Parent SHAs always reference commits in the same
// repository, possibly not yet cached.
type Commit struct {
	ID          string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Owner       string          `gorm:"column:owner;uniqueIndex:idx_commit_repo_sha,priority:1;not null"`
	Name        string          `gorm:"column:name;uniqueIndex:idx_commit_repo_sha,priority:2;not null"`
	SHA         string          `gorm:"column:sha;uniqueIndex:idx_commit_repo_sha,priority:3;not null"`
	Author      string          `gorm:"column:author"`
	AuthoredAt  *time.Time      `gorm:"column:authored_at"`
	CommittedAt *time.Time      `gorm:"column:committed_at"`
	Message     string          `gorm:"column:message;type:text"`
	Parents     JSONStringSlice `gorm:"column:parent_shas;type:text"`
	IsMerge     bool            `gorm:"column:is_merge_commit"`

	// Verification fields, filled once the originating PR is resolved.
	PRNumber         *int   `gorm:"column:original_pr_number"`
	PRTitle          string `gorm:"column:original_pr_title"`
	PRURL            string `gorm:"column:original_pr_url"`
	PRApproved       *bool  `gorm:"column:pr_approved"`
	PRApprovalReason string `gorm:"column:pr_approval_reason"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Commit) TableName() string { return "commits" }

// Repo returns the commit's repository identity.
func (c *Commit) Repo() githost.Repo {
	return githost.Repo{Owner: c.Owner, Name: c.Name}
}

// FromHost converts code host commit metadata into the cached model.
func FromHost(repo githost.Repo, hc *githost.Commit) *Commit {
	c := &Commit{
		Owner:   repo.Owner,
		Name:    repo.Name,
		SHA:     hc.SHA,
		Author:  hc.Author,
		Message: hc.Message,
		Parents: JSONStringSlice(hc.Parents),
		IsMerge: hc.IsMerge(),
	}
	if !hc.AuthoredAt.IsZero() {
		t := hc.AuthoredAt
		c.AuthoredAt = &t
	}
	if !hc.CommittedAt.IsZero() {
		t := hc.CommittedAt
		c.CommittedAt = &t
	}
	return c
}

// Unreviewed-commit reason codes, part of the stored audit contract.
const (
	ReasonNoPR          = "no_pr"
	ReasonPRNotApproved = "pr_not_approved"
	ReasonPRNotFound    = "pr_not_found"
)

// UnreviewedCommit is one commit in a merge that was not covered by an
// approved pull request.
type UnreviewedCommit struct {
	SHA    string `json:"sha"`
	Reason string `json:"reason"`
}
