package store

import (
	"context"

	"github.com/talkincode/botfleet/internal/domain"
	"gorm.io/gorm"
)

// PauseRepository persists conversation pause records
type PauseRepository interface {
	Find(ctx context.Context, tenantID int64, counterparty string) (*domain.PauseRecord, error)
	Create(ctx context.Context, p *domain.PauseRecord) error
	Delete(ctx context.Context, tenantID int64, counterparty string) (int64, error)
	// DeleteAll removes every record of a tenant, including the ALL sentinel
	DeleteAll(ctx context.Context, tenantID int64) (int64, error)
	List(ctx context.Context, tenantID int64) ([]*domain.PauseRecord, error)
	// AnyOf reports whether a record exists for one of the counterparties
	AnyOf(ctx context.Context, tenantID int64, counterparties ...string) (bool, error)
	// CountSingle counts per conversation records, excluding the sentinel
	CountSingle(ctx context.Context, tenantID int64) (int64, error)
}

type GormPauseRepository struct {
	db *gorm.DB
}

func NewGormPauseRepository(db *gorm.DB) *GormPauseRepository {
	return &GormPauseRepository{db: db}
}

func (r *GormPauseRepository) Find(ctx context.Context, tenantID int64, counterparty string) (*domain.PauseRecord, error) {
	var p domain.PauseRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND counterparty = ?", tenantID, counterparty).
		First(&p).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (r *GormPauseRepository) Create(ctx context.Context, p *domain.PauseRecord) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *GormPauseRepository) Delete(ctx context.Context, tenantID int64, counterparty string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("tenant_id = ? AND counterparty = ?", tenantID, counterparty).
		Delete(&domain.PauseRecord{})
	return res.RowsAffected, res.Error
}

func (r *GormPauseRepository) DeleteAll(ctx context.Context, tenantID int64) (int64, error) {
	res := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&domain.PauseRecord{})
	return res.RowsAffected, res.Error
}

func (r *GormPauseRepository) List(ctx context.Context, tenantID int64) ([]*domain.PauseRecord, error) {
	var items []*domain.PauseRecord
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("paused_at DESC").Find(&items).Error
	return items, err
}

func (r *GormPauseRepository) AnyOf(ctx context.Context, tenantID int64, counterparties ...string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.PauseRecord{}).
		Where("tenant_id = ? AND counterparty IN ?", tenantID, counterparties).
		Count(&n).Error
	return n > 0, err
}

func (r *GormPauseRepository) CountSingle(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.PauseRecord{}).
		Where("tenant_id = ? AND counterparty <> ?", tenantID, domain.PauseAllSentinel).
		Count(&n).Error
	return n, err
}
