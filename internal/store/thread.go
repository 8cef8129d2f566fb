package store

import (
	"context"
	"time"

	"github.com/talkincode/botfleet/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ThreadRepository persists assistant thread mappings
type ThreadRepository interface {
	Get(ctx context.Context, tenantID int64, counterparty string) (*domain.ConversationThread, error)
	// Save inserts the mapping or replaces the thread id of an existing key
	Save(ctx context.Context, t *domain.ConversationThread) error
	Touch(ctx context.Context, id int64, at time.Time) error
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByTenant(ctx context.Context, tenantID int64) (int64, error)
}

type GormThreadRepository struct {
	db *gorm.DB
}

func NewGormThreadRepository(db *gorm.DB) *GormThreadRepository {
	return &GormThreadRepository{db: db}
}

func (r *GormThreadRepository) Get(ctx context.Context, tenantID int64, counterparty string) (*domain.ConversationThread, error) {
	var t domain.ConversationThread
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND counterparty = ?", tenantID, counterparty).
		First(&t).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &t, nil
}

func (r *GormThreadRepository) Save(ctx context.Context, t *domain.ConversationThread) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "counterparty"}},
		DoUpdates: clause.AssignmentColumns([]string{"thread_id", "last_used"}),
	}).Create(t).Error
}

func (r *GormThreadRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.ConversationThread{}).Where("id = ?", id).Update("last_used", at).Error
}

func (r *GormThreadRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("last_used < ?", cutoff).Delete(&domain.ConversationThread{})
	return res.RowsAffected, res.Error
}

func (r *GormThreadRepository) CountByTenant(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.ConversationThread{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return n, err
}
