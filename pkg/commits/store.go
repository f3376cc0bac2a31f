package commits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// Store provides database operations for the commit metadata cache.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new commit Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the commits table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Commit{})
}

// Get retrieves a cached commit by repository and SHA.
// Returns nil, nil when the commit is not cached.
func (s *Store) Get(ctx context.Context, repo githost.Repo, sha string) (*Commit, error) {
	var commit Commit
	err := s.db.WithContext(ctx).
		Where("owner = ? AND name = ? AND sha = ?", repo.Owner, repo.Name, sha).
		First(&commit).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get commit %s: %w", sha, err)
	}
	return &commit, nil
}

// HasCached is a fast existence check used to avoid redundant remote fetches.
func (s *Store) HasCached(ctx context.Context, repo githost.Repo, sha string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Commit{}).
		Where("owner = ? AND name = ? AND sha = ?", repo.Owner, repo.Name, sha).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check commit cached: %w", err)
	}
	return count > 0, nil
}

// Upsert inserts or merges commit metadata. Merging never regresses a known
// field to unknown: empty or nil incoming fields leave the stored value
// untouched.
func (s *Store) Upsert(ctx context.Context, commit *Commit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertTx(tx, commit)
	})
}

// UpsertBatch merges a set of commits in a single transaction,
// all-or-nothing, so a crash mid-sync cannot leave a partially applied
// commit set.
func (s *Store) UpsertBatch(ctx context.Context, batch []*Commit) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range batch {
			if err := upsertTx(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertTx(tx *gorm.DB, commit *Commit) error {
	if commit.SHA == "" {
		return fmt.Errorf("upsert commit: missing SHA")
	}

	var existing Commit
	err := tx.Where("owner = ? AND name = ? AND sha = ?",
		commit.Owner, commit.Name, commit.SHA).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		if commit.ID == "" {
			commit.ID = uuid.New().String()
		}
		if err := tx.Create(commit).Error; err != nil {
			return fmt.Errorf("insert commit %s: %w", commit.SHA, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup commit %s: %w", commit.SHA, err)
	}

	updates := map[string]any{}
	if commit.Author != "" {
		updates["author"] = commit.Author
	}
	if commit.AuthoredAt != nil {
		updates["authored_at"] = commit.AuthoredAt
	}
	if commit.CommittedAt != nil {
		updates["committed_at"] = commit.CommittedAt
	}
	if commit.Message != "" {
		updates["message"] = commit.Message
	}
	if commit.Parents != nil {
		updates["parent_shas"] = commit.Parents
		updates["is_merge_commit"] = len(commit.Parents) > 1
	}
	if commit.PRNumber != nil {
		updates["original_pr_number"] = commit.PRNumber
	}
	if commit.PRTitle != "" {
		updates["original_pr_title"] = commit.PRTitle
	}
	if commit.PRURL != "" {
		updates["original_pr_url"] = commit.PRURL
	}
	if commit.PRApproved != nil {
		updates["pr_approved"] = commit.PRApproved
	}
	if commit.PRApprovalReason != "" {
		updates["pr_approval_reason"] = commit.PRApprovalReason
	}
	if len(updates) == 0 {
		commit.ID = existing.ID
		return nil
	}

	if err := tx.Model(&Commit{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("merge commit %s: %w", commit.SHA, err)
	}
	commit.ID = existing.ID
	return nil
}

// SetPullRequestOutcome records the originating PR and its approval outcome
// for a cached commit.
func (s *Store) SetPullRequestOutcome(ctx context.Context, repo githost.Repo, sha string,
	prNumber int, prTitle, prURL string, approved bool, reason string) error {
	result := s.db.WithContext(ctx).Model(&Commit{}).
		Where("owner = ? AND name = ? AND sha = ?", repo.Owner, repo.Name, sha).
		Updates(map[string]any{
			"original_pr_number": prNumber,
			"original_pr_title":  prTitle,
			"original_pr_url":    prURL,
			"pr_approved":        approved,
			"pr_approval_reason": reason,
		})
	if result.Error != nil {
		return fmt.Errorf("set pull request outcome for %s: %w", sha, result.Error)
	}
	return nil
}
