package store

import (
	"context"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/talkincode/botfleet/internal/domain"
	"gorm.io/gorm"
)

// MessageStats summarizes the transcript of one tenant.
type MessageStats struct {
	TotalMessages int64   `json:"total_messages"`
	MessagesToday int64   `json:"messages_today"`
	UniqueUsers   int64   `json:"unique_users"`
	DailyMedian   float64 `json:"daily_median"`
	DailyP90      float64 `json:"daily_p90"`
}

// MessageRepository persists transcripts
type MessageRepository interface {
	Append(ctx context.Context, m *domain.MessageRecord) error
	// Recent returns the newest messages of a conversation, oldest first
	Recent(ctx context.Context, tenantID int64, counterparty string, limit int) ([]*domain.MessageRecord, error)
	ListByTenant(ctx context.Context, tenantID int64, since time.Time) ([]*domain.MessageRecord, error)
	Stats(ctx context.Context, tenantID int64, now time.Time) (*MessageStats, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLegacyBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Append(ctx context.Context, m *domain.MessageRecord) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *GormMessageRepository) Recent(ctx context.Context, tenantID int64, counterparty string, limit int) ([]*domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []*domain.MessageRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND counterparty = ?", tenantID, counterparty).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (r *GormMessageRepository) ListByTenant(ctx context.Context, tenantID int64, since time.Time) ([]*domain.MessageRecord, error) {
	var items []*domain.MessageRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (r *GormMessageRepository) Stats(ctx context.Context, tenantID int64, now time.Time) (*MessageStats, error) {
	st := &MessageStats{}
	inbound := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&domain.MessageRecord{}).
			Where("tenant_id = ? AND direction = ?", tenantID, domain.DirectionInbound)
	}
	if err := inbound().Count(&st.TotalMessages).Error; err != nil {
		return nil, err
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if err := inbound().Where("created_at >= ?", today).Count(&st.MessagesToday).Error; err != nil {
		return nil, err
	}
	if err := inbound().Distinct("counterparty").Count(&st.UniqueUsers).Error; err != nil {
		return nil, err
	}

	// daily volume over the last 7 days, bucketed here to stay dialect neutral
	since := today.AddDate(0, 0, -6)
	var stamps []time.Time
	if err := inbound().Where("created_at >= ?", since).Pluck("created_at", &stamps).Error; err != nil {
		return nil, err
	}
	buckets := make([]float64, 7)
	for _, ts := range stamps {
		day := int(ts.In(now.Location()).Sub(since).Hours() / 24)
		if day >= 0 && day < len(buckets) {
			buckets[day]++
		}
	}
	if v, err := stats.Median(buckets); err == nil {
		st.DailyMedian = v
	}
	if v, err := stats.Percentile(buckets, 90); err == nil {
		st.DailyP90 = v
	}
	return st, nil
}

func (r *GormMessageRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.MessageRecord{})
	return res.RowsAffected, res.Error
}

func (r *GormMessageRepository) DeleteLegacyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.LegacyMessage{})
	return res.RowsAffected, res.Error
}
