// Package opsaudit records who did what through the management API. Every
// mutating call gets one event row; read-only traffic is not recorded.
package opsaudit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is one recorded management action.
type Event struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at;index" json:"createdAt"`

	Actor     string `gorm:"column:actor;index" json:"actor"`
	Role      string `gorm:"column:role" json:"role"`
	Action    string `gorm:"column:action;index" json:"action"`
	Resource  string `gorm:"column:resource" json:"resource"`
	Outcome   string `gorm:"column:outcome" json:"outcome"`
	Status    int    `gorm:"column:status" json:"status"`
	RequestID string `gorm:"column:request_id;index" json:"requestId,omitempty"`
}

// TableName returns the table name for Event.
func (Event) TableName() string { return "ops_audit_events" }

// Store provides database operations for ops audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new ops audit Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the ops_audit_events table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

// Record persists one event.
func (s *Store) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("record ops audit event: %w", err)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Actor  string
	Action string
	Limit  int
}

// List returns events, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&Event{})
	if filter.Actor != "" {
		q = q.Where("actor = ?", filter.Actor)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list ops audit events: %w", err)
	}
	return out, nil
}
