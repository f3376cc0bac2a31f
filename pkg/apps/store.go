package apps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// ErrNotFound is returned for operations on a missing application or
// association.
var ErrNotFound = errors.New("not found")

// Store provides database operations for applications and repository
// associations.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new application Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the application tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Application{}, &RepositoryAssociation{})
}

// Register creates an application. The (team, environment, name) triple must
// be unique.
func (s *Store) Register(ctx context.Context, app *Application) (*Application, error) {
	if app.Team == "" || app.Environment == "" || app.Name == "" {
		return nil, fmt.Errorf("register application: team, environment and name are required")
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(app).Error; err != nil {
		return nil, fmt.Errorf("register application %s/%s/%s: %w", app.Team, app.Environment, app.Name, err)
	}
	return app, nil
}

// Get returns the application by ID, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Application, error) {
	var app Application
	err := s.db.WithContext(ctx).First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", id, err)
	}
	return &app, nil
}

// GetByRef returns the application by its platform reference, or nil.
func (s *Store) GetByRef(ctx context.Context, team, environment, name string) (*Application, error) {
	var app Application
	err := s.db.WithContext(ctx).
		Where("team = ? AND environment = ? AND name = ?", team, environment, name).
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s/%s/%s: %w", team, environment, name, err)
	}
	return &app, nil
}

// List returns all applications, ordered by team, environment and name.
func (s *Store) List(ctx context.Context) ([]Application, error) {
	var out []Application
	err := s.db.WithContext(ctx).Order("team, environment, name").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return out, nil
}

// AdvanceCursor persists the event cursor after a fully persisted page. The
// cursor only moves forward within one sync; callers pass the cursor of the
// last page whose events are safely stored.
func (s *Store) AdvanceCursor(ctx context.Context, appID, cursor string) error {
	result := s.db.WithContext(ctx).Model(&Application{}).
		Where("id = ?", appID).
		Update("event_cursor", cursor)
	if result.Error != nil {
		return fmt.Errorf("advance cursor for application %s: %w", appID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("advance cursor for application %s: %w", appID, ErrNotFound)
	}
	return nil
}

// MarkSynced records a completed sync run.
func (s *Store) MarkSynced(ctx context.Context, appID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&Application{}).
		Where("id = ?", appID).
		Update("last_synced_at", at)
	if result.Error != nil {
		return fmt.Errorf("mark application %s synced: %w", appID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark application %s synced: %w", appID, ErrNotFound)
	}
	return nil
}

// SetNotifications updates the notification settings.
func (s *Store) SetNotifications(ctx context.Context, appID string, enabled bool, channel string) error {
	result := s.db.WithContext(ctx).Model(&Application{}).
		Where("id = ?", appID).
		Updates(map[string]any{
			"notifications_enabled": enabled,
			"notify_channel":        channel,
		})
	if result.Error != nil {
		return fmt.Errorf("update notification settings for %s: %w", appID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update notification settings for %s: %w", appID, ErrNotFound)
	}
	return nil
}

// RepoResolution is the outcome of matching a detected repository against
// the application's approved association.
type RepoResolution struct {
	// Approved is the currently active repository, nil only while the very
	// first association is being created.
	Approved *githost.Repo
	// Association is the association row matching the detected repository.
	Association *RepositoryAssociation
	// Mismatch is true when the detected repository differs from the active
	// one.
	Mismatch bool
}

// ResolveRepository matches a detected repository against the application's
// association history. The first repository ever seen is auto-approved as
// active; a different repository creates (or returns) a pending association
// and reports a mismatch. Resolution is idempotent.
func (s *Store) ResolveRepository(ctx context.Context, appID string, repo githost.Repo) (*RepoResolution, error) {
	if repo.Owner == "" || repo.Name == "" {
		return nil, fmt.Errorf("resolve repository: empty repository for application %s", appID)
	}

	var res *RepoResolution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active RepositoryAssociation
		err := tx.Where("application_id = ? AND status = ?", appID, AssociationActive).
			First(&active).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created := &RepositoryAssociation{
				ID:            uuid.NewString(),
				ApplicationID: appID,
				Owner:         repo.Owner,
				Name:          repo.Name,
				Status:        AssociationActive,
				ApprovedBy:    "system:first-seen",
			}
			if err := tx.Create(created).Error; err != nil {
				return fmt.Errorf("create first repository association: %w", err)
			}
			approved := created.Repo()
			res = &RepoResolution{Approved: &approved, Association: created}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load active association: %w", err)
		}

		approved := active.Repo()
		if approved == repo {
			res = &RepoResolution{Approved: &approved, Association: &active}
			return nil
		}

		// Different repository: reuse an existing pending association for it
		// or open a new one.
		var pending RepositoryAssociation
		err = tx.Where("application_id = ? AND owner = ? AND name = ? AND status = ?",
			appID, repo.Owner, repo.Name, AssociationPending).First(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pending = RepositoryAssociation{
				ID:            uuid.NewString(),
				ApplicationID: appID,
				Owner:         repo.Owner,
				Name:          repo.Name,
				Status:        AssociationPending,
			}
			if err := tx.Create(&pending).Error; err != nil {
				return fmt.Errorf("create pending association: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load pending association: %w", err)
		}
		res = &RepoResolution{Approved: &approved, Association: &pending, Mismatch: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ApproveAssociation promotes a pending association to active and demotes
// the previously active one to historical. Only pending associations can be
// approved; anything else is an integrity error.
func (s *Store) ApproveAssociation(ctx context.Context, id, actor string) (*RepositoryAssociation, error) {
	if actor == "" {
		return nil, fmt.Errorf("approve association: actor is required")
	}

	var approved *RepositoryAssociation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var assoc RepositoryAssociation
		err := tx.First(&assoc, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("approve association %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load association %s: %w", id, err)
		}
		if assoc.Status != AssociationPending {
			return fmt.Errorf("approve association %s: status is %s, only pending associations can be approved",
				id, assoc.Status)
		}

		err = tx.Model(&RepositoryAssociation{}).
			Where("application_id = ? AND status = ?", assoc.ApplicationID, AssociationActive).
			Update("status", AssociationHistorical).Error
		if err != nil {
			return fmt.Errorf("demote active association: %w", err)
		}

		err = tx.Model(&RepositoryAssociation{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":      AssociationActive,
				"approved_by": actor,
			}).Error
		if err != nil {
			return fmt.Errorf("promote association %s: %w", id, err)
		}

		if err := tx.First(&assoc, "id = ?", id).Error; err != nil {
			return err
		}
		approved = &assoc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// ActiveRepository returns the application's approved repository, or nil
// when no association exists yet.
func (s *Store) ActiveRepository(ctx context.Context, appID string) (*githost.Repo, error) {
	var assoc RepositoryAssociation
	err := s.db.WithContext(ctx).
		Where("application_id = ? AND status = ?", appID, AssociationActive).
		First(&assoc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active repository for %s: %w", appID, err)
	}
	repo := assoc.Repo()
	return &repo, nil
}

// Associations returns the application's association history, newest first.
func (s *Store) Associations(ctx context.Context, appID string) ([]RepositoryAssociation, error) {
	var out []RepositoryAssociation
	err := s.db.WithContext(ctx).
		Where("application_id = ?", appID).
		Order("created_at DESC, id DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	return out, nil
}
