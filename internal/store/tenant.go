package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/domain"
	"gorm.io/gorm"
)

// TenantFilter narrows List results.
type TenantFilter struct {
	Query  string
	Status string
}

// TenantRepository handles persistence of tenant records
type TenantRepository interface {
	// Create inserts a new tenant
	Create(ctx context.Context, t *domain.Tenant) error

	// Get retrieves a tenant by ID
	Get(ctx context.Context, id int64) (*domain.Tenant, error)

	// GetByToken retrieves a tenant by its public landing token
	GetByToken(ctx context.Context, token string) (*domain.Tenant, error)

	// List retrieves tenants with pagination
	List(ctx context.Context, filter TenantFilter, page, pageSize int) ([]*domain.Tenant, int64, error)

	// ListByStatus retrieves every tenant with the given lifecycle status
	ListByStatus(ctx context.Context, status string) ([]*domain.Tenant, error)

	// UsedPorts returns the worker ports persisted on tenants, excluding one tenant id
	UsedPorts(ctx context.Context, excludeID int64) ([]int, error)

	// Updates applies a partial update
	Updates(ctx context.Context, id int64, values map[string]interface{}) error

	// TouchActivity sets last_activity
	TouchActivity(ctx context.Context, id int64, at time.Time) error

	// Delete removes the tenant and every row that belongs to it
	Delete(ctx context.Context, id int64) error
}

type GormTenantRepository struct {
	db *gorm.DB
}

func NewGormTenantRepository(db *gorm.DB) *GormTenantRepository {
	return &GormTenantRepository{db: db}
}

func (r *GormTenantRepository) Create(ctx context.Context, t *domain.Tenant) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(t).Error, "create tenant")
}

func (r *GormTenantRepository) Get(ctx context.Context, id int64) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := r.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &t, nil
}

func (r *GormTenantRepository) GetByToken(ctx context.Context, token string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := r.db.WithContext(ctx).Where("unique_url = ?", token).First(&t).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &t, nil
}

func (r *GormTenantRepository) List(ctx context.Context, filter TenantFilter, page, pageSize int) ([]*domain.Tenant, int64, error) {
	db := r.db.WithContext(ctx).Model(&domain.Tenant{})
	if q := strings.TrimSpace(filter.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", like, like)
	}
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tenants []*domain.Tenant
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}
	err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&tenants).Error
	return tenants, total, err
}

func (r *GormTenantRepository) ListByStatus(ctx context.Context, status string) ([]*domain.Tenant, error) {
	var tenants []*domain.Tenant
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id ASC").Find(&tenants).Error
	return tenants, err
}

func (r *GormTenantRepository) UsedPorts(ctx context.Context, excludeID int64) ([]int, error) {
	var ports []int
	err := r.db.WithContext(ctx).Model(&domain.Tenant{}).
		Where("whatsapp_port > 0 AND id <> ?", excludeID).
		Pluck("whatsapp_port", &ports).Error
	return ports, err
}

func (r *GormTenantRepository) Updates(ctx context.Context, id int64, values map[string]interface{}) error {
	values["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&domain.Tenant{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormTenantRepository) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Tenant{}).Where("id = ?", id).Update("last_activity", at).Error
}

func (r *GormTenantRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&domain.MessageRecord{},
			&domain.ConversationThread{},
			&domain.PauseRecord{},
			&domain.PhoneAssociation{},
		} {
			if err := tx.Where("tenant_id = ?", id).Delete(m).Error; err != nil {
				return errors.Wrapf(err, "delete %T of tenant %d", m, id)
			}
		}
		if err := tx.Model(&domain.SharedBinding{}).Where("tenant_id = ?", id).
			Updates(map[string]interface{}{"tenant_id": 0, "phone": ""}).Error; err != nil {
			return errors.Wrap(err, "clear shared binding")
		}
		res := tx.Delete(&domain.Tenant{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
