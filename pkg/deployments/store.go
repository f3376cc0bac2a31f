package deployments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/auditflow/deploywatch/pkg/foureyes"
)

// DefaultPageSize is used when a list request does not specify a limit.
const DefaultPageSize = 100

// MaxPageSize is the upper bound for list page sizes.
const MaxPageSize = 1000

// ErrNotFound is returned by operations that require an existing deployment.
var ErrNotFound = errors.New("deployment not found")

// Store provides database operations for deployments and their transition
// history.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new deployment Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the deployment tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Deployment{}, &StatusTransition{})
}

// CreateIfAbsent inserts the deployment keyed by its platform ID. If a row
// with the same platform ID already exists, only the mutable resource
// metadata (deployer, commit, detected repository) is refreshed; status and
// notification markers are never touched by a re-sync. Returns the stored
// row and whether it was newly created.
func (s *Store) CreateIfAbsent(ctx context.Context, d *Deployment) (*Deployment, bool, error) {
	if d.PlatformID == "" {
		return nil, false, fmt.Errorf("create deployment: missing platform ID")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = foureyes.StatusPending
	}
	d.HasFourEyes = d.Status.HasFourEyes()

	var out *Deployment
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Deployment
		err := tx.Where("platform_id = ?", d.PlatformID).First(&existing).Error
		if err == nil {
			updates := map[string]any{
				"deployer":       d.Deployer,
				"commit_sha":     d.CommitSHA,
				"detected_owner": d.DetectedOwner,
				"detected_name":  d.DetectedName,
			}
			if err := tx.Model(&Deployment{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("refresh deployment metadata: %w", err)
			}
			if err := tx.First(&existing, "id = ?", existing.ID).Error; err != nil {
				return err
			}
			out = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup deployment by platform ID: %w", err)
		}

		if err := tx.Create(d).Error; err != nil {
			// Another sync may have inserted the row between the check and
			// the create; fall back to the winner.
			var race Deployment
			if lookupErr := tx.Where("platform_id = ?", d.PlatformID).First(&race).Error; lookupErr == nil {
				out = &race
				return nil
			}
			return fmt.Errorf("create deployment: %w", err)
		}
		out = d
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Get returns the deployment by ID, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return &d, nil
}

// GetByPlatformID returns the deployment by its platform identifier, or nil.
func (s *Store) GetByPlatformID(ctx context.Context, platformID string) (*Deployment, error) {
	var d Deployment
	err := s.db.WithContext(ctx).Where("platform_id = ?", platformID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment by platform ID %s: %w", platformID, err)
	}
	return &d, nil
}

// ListFilter narrows ListByApplication results.
type ListFilter struct {
	Status      foureyes.Status
	Year        int
	HasFourEyes *bool
	Deployer    string
	PageSize    int
	PageToken   string
}

// ListByApplication returns deployments for one application, newest first,
// with an opaque offset cursor for the next page.
func (s *Store) ListByApplication(ctx context.Context, appID string, filter ListFilter) ([]Deployment, string, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	offset := decodePageToken(filter.PageToken)

	q := s.db.WithContext(ctx).Model(&Deployment{}).Where("application_id = ?", appID)
	q = applyFilter(q, filter)

	var items []Deployment
	// Fetch one extra row to decide whether a next page exists.
	err := q.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize + 1).Find(&items).Error
	if err != nil {
		return nil, "", fmt.Errorf("list deployments: %w", err)
	}

	next := ""
	if len(items) > pageSize {
		items = items[:pageSize]
		next = encodePageToken(offset + pageSize)
	}
	return items, next, nil
}

func applyFilter(q *gorm.DB, filter ListFilter) *gorm.DB {
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Year > 0 {
		start := time.Date(filter.Year, 1, 1, 0, 0, 0, 0, time.UTC)
		q = q.Where("created_at >= ? AND created_at < ?", start, start.AddDate(1, 0, 0))
	}
	if filter.HasFourEyes != nil {
		q = q.Where("has_four_eyes = ?", *filter.HasFourEyes)
	}
	if filter.Deployer != "" {
		q = q.Where("deployer = ?", filter.Deployer)
	}
	return q
}

func encodePageToken(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodePageToken(token string) int {
	if token == "" {
		return 0
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(string(decoded))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NeedingClassification returns up to limit deployments awaiting a verdict:
// never-classified rows first, then previously failed ones, oldest first
// within each group.
func (s *Store) NeedingClassification(ctx context.Context, appID string, limit int) ([]Deployment, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var pending []Deployment
	err := s.db.WithContext(ctx).
		Where("application_id = ? AND status = ?", appID, foureyes.StatusPending).
		Order("created_at ASC").Limit(limit).Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("list pending deployments: %w", err)
	}
	if len(pending) >= limit {
		return pending, nil
	}

	var failed []Deployment
	err = s.db.WithContext(ctx).
		Where("application_id = ? AND status = ?", appID, foureyes.StatusError).
		Order("created_at ASC").Limit(limit - len(pending)).Find(&failed).Error
	if err != nil {
		return nil, fmt.Errorf("list failed deployments: %w", err)
	}
	return append(pending, failed...), nil
}

// PreviousDeployment returns the most recent deployment of the application
// created strictly before the given time, excluding excludeID. Returns nil
// when there is none.
func (s *Store) PreviousDeployment(ctx context.Context, appID string, before time.Time, excludeID string) (*Deployment, error) {
	var d Deployment
	err := s.db.WithContext(ctx).
		Where("application_id = ? AND created_at < ? AND id <> ?", appID, before, excludeID).
		Order("created_at DESC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previous deployment: %w", err)
	}
	return &d, nil
}

// StatusUpdate carries the classification evidence written alongside a
// status change.
type StatusUpdate struct {
	Detail       JSONAny
	StatusDetail string
	PRNumber     *int
	PRURL        string
	Snapshot     PRSnapshot
}

// SetStatus is the single writer of Status and HasFourEyes. It appends a
// transition row only when the status actually changes; evidence fields are
// refreshed either way. A missing deployment is a hard error.
func (s *Store) SetStatus(ctx context.Context, id string, to foureyes.Status, source Source, upd StatusUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Deployment
		err := tx.First(&current, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("set status for deployment %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load deployment %s: %w", id, err)
		}

		updates := map[string]any{
			"status":        to,
			"has_four_eyes": to.HasFourEyes(),
			"status_detail": upd.StatusDetail,
			"pr_url":        upd.PRURL,
		}
		if upd.PRNumber != nil {
			updates["pr_number"] = *upd.PRNumber
		}
		if upd.Snapshot.PR != nil {
			updates["pr_snapshot"] = upd.Snapshot
		}
		if err := tx.Model(&Deployment{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("update deployment status: %w", err)
		}

		if current.Status == to {
			return nil
		}
		transition := &StatusTransition{
			ID:           uuid.NewString(),
			DeploymentID: id,
			FromStatus:   current.Status,
			ToStatus:     to,
			Source:       source,
			Detail:       upd.Detail,
		}
		if err := tx.Create(transition).Error; err != nil {
			return fmt.Errorf("append status transition: %w", err)
		}
		return nil
	})
}

// ApplyClassification records a classifier result on the deployment. A
// sticky result confirms the stored manual approval and carries no
// evidence of its own, so the record, justification and PR link included,
// stays exactly as the operator wrote it.
func (s *Store) ApplyClassification(ctx context.Context, id string, res *foureyes.Result, source Source) error {
	if res.Sticky {
		return nil
	}
	detail := JSONAny{"rule": res.Rule, "reason": res.Reason}
	if res.RepoMismatch {
		detail["content_status"] = string(res.ContentStatus)
	}
	if len(res.Unreviewed) > 0 {
		shas := make([]map[string]string, 0, len(res.Unreviewed))
		for _, u := range res.Unreviewed {
			shas = append(shas, map[string]string{"sha": u.SHA, "reason": u.Reason})
		}
		detail["unreviewed_commits"] = shas
	}
	return s.SetStatus(ctx, id, res.Status, source, StatusUpdate{
		Detail:       detail,
		StatusDetail: res.Reason,
		PRNumber:     res.PRNumber,
		PRURL:        res.PRURL,
		Snapshot:     PRSnapshot{PR: res.Snapshot},
	})
}

// ClaimNotification atomically marks the deployment as notified. Only the
// first caller wins; everyone else gets claimed=false and must retract any
// message they posted.
func (s *Store) ClaimNotification(ctx context.Context, id, messageID string) (bool, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Deployment{}).
		Where("id = ? AND notify_message_id IS NULL", id).
		Updates(map[string]any{
			"notify_message_id": messageID,
			"notified_at":       now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("claim notification for deployment %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListUnnotified returns deployments of one application whose status needs
// attention and that carry no notification marker yet, oldest first.
func (s *Store) ListUnnotified(ctx context.Context, appID string, limit int) ([]Deployment, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	statuses := []foureyes.Status{
		foureyes.StatusDirectPush,
		foureyes.StatusApprovedPRWithUnreviewed,
		foureyes.StatusMissing,
		foureyes.StatusRepositoryMismatch,
	}
	var out []Deployment
	err := s.db.WithContext(ctx).
		Where("application_id = ? AND status IN ? AND notify_message_id IS NULL", appID, statuses).
		Order("created_at ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unnotified deployments: %w", err)
	}
	return out, nil
}

// TransitionsFor returns the deployment's full transition history, oldest
// first.
func (s *Store) TransitionsFor(ctx context.Context, deploymentID string) ([]StatusTransition, error) {
	var out []StatusTransition
	err := s.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return out, nil
}

// StatusCounts returns the per-status deployment counts for one application.
func (s *Store) StatusCounts(ctx context.Context, appID string) (map[foureyes.Status]int64, error) {
	type row struct {
		Status foureyes.Status
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Deployment{}).
		Select("status, count(*) as n").
		Where("application_id = ?", appID).
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	counts := make(map[foureyes.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
