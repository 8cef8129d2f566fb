package store

import (
	"context"
	"time"

	"github.com/talkincode/botfleet/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AssociationRepository persists the consolidated routing table
type AssociationRepository interface {
	Upsert(ctx context.Context, counterparty string, tenantID int64) error
	Get(ctx context.Context, counterparty string) (*domain.PhoneAssociation, error)
	List(ctx context.Context) ([]*domain.PhoneAssociation, error)
	DeleteByTenant(ctx context.Context, tenantID int64) (int64, error)

	GetBinding(ctx context.Context, worker string) (*domain.SharedBinding, error)
	SetBinding(ctx context.Context, worker string, tenantID int64, phone string) error
}

type GormAssociationRepository struct {
	db *gorm.DB
}

func NewGormAssociationRepository(db *gorm.DB) *GormAssociationRepository {
	return &GormAssociationRepository{db: db}
}

func (r *GormAssociationRepository) Upsert(ctx context.Context, counterparty string, tenantID int64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "counterparty"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "updated_at"}),
	}).Create(&domain.PhoneAssociation{
		Counterparty: counterparty,
		TenantID:     tenantID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}).Error
}

func (r *GormAssociationRepository) Get(ctx context.Context, counterparty string) (*domain.PhoneAssociation, error) {
	var a domain.PhoneAssociation
	if err := r.db.WithContext(ctx).Where("counterparty = ?", counterparty).First(&a).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

func (r *GormAssociationRepository) List(ctx context.Context) ([]*domain.PhoneAssociation, error) {
	var items []*domain.PhoneAssociation
	err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&items).Error
	return items, err
}

func (r *GormAssociationRepository) DeleteByTenant(ctx context.Context, tenantID int64) (int64, error) {
	res := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&domain.PhoneAssociation{})
	return res.RowsAffected, res.Error
}

func (r *GormAssociationRepository) GetBinding(ctx context.Context, worker string) (*domain.SharedBinding, error) {
	var b domain.SharedBinding
	if err := r.db.WithContext(ctx).Where("worker = ?", worker).First(&b).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &b, nil
}

func (r *GormAssociationRepository) SetBinding(ctx context.Context, worker string, tenantID int64, phone string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "phone", "updated_at"}),
	}).Create(&domain.SharedBinding{
		Worker:    worker,
		TenantID:  tenantID,
		Phone:     phone,
		UpdatedAt: time.Now(),
	}).Error
}
