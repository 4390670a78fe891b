package audit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
)

// GormStore reads and writes audit events through GORM.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) InsertEvents(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(events, defaultBatchSize).Error
}

// ListBetween returns events created in [from, to), oldest first.
func (s *GormStore) ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}
