package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store/storetest"
	"github.com/talkincode/botfleet/pkg/common"
)

func newTenant(t *testing.T, s *Store, name string, port int) *domain.Tenant {
	t.Helper()
	tenant := &domain.Tenant{
		ID:           common.UUIDint64(),
		Name:         name,
		Email:        name + "@example.com",
		Status:       domain.TenantStatusPending,
		UniqueURL:    common.ShortToken(),
		WhatsAppPort: port,
	}
	require.NoError(t, s.Tenants.Create(context.Background(), tenant))
	return tenant
}

func TestTenantRepository(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()

	a := newTenant(t, s, "acme", 3001)
	b := newTenant(t, s, "globex", 3002)

	got, err := s.Tenants.GetByToken(ctx, a.UniqueURL)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.Tenants.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	ports, err := s.Tenants.UsedPorts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{3001}, ports)

	require.NoError(t, s.Tenants.Updates(ctx, b.ID, map[string]interface{}{"status": domain.TenantStatusActive}))
	active, err := s.Tenants.ListByStatus(ctx, domain.TenantStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	items, total, err := s.Tenants.List(ctx, TenantFilter{Query: "ACM"}, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "acme", items[0].Name)

	assert.ErrorIs(t, s.Tenants.Updates(ctx, 42, map[string]interface{}{"name": "x"}), ErrNotFound)
}

func TestTenantPortRoundTrip(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()

	a := newTenant(t, s, "initech", 0)
	require.NoError(t, s.Tenants.Updates(ctx, a.ID, map[string]interface{}{"whatsapp_port": 3005}))

	got, err := s.Tenants.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3005, got.WhatsAppPort)

	ports, err := s.Tenants.UsedPorts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3005}, ports)
	assert.True(t, s.DB.Migrator().HasColumn(&domain.Tenant{}, "whatsapp_port"))
}

func TestTenantDeleteCascades(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()
	a := newTenant(t, s, "acme", 3001)
	b := newTenant(t, s, "globex", 3002)

	for _, tid := range []int64{a.ID, b.ID} {
		require.NoError(t, s.Messages.Append(ctx, &domain.MessageRecord{
			ID: common.UUIDint64(), TenantID: tid, Counterparty: "5511", Direction: domain.DirectionInbound, Text: "hola",
		}))
		require.NoError(t, s.Pauses.Create(ctx, &domain.PauseRecord{TenantID: tid, Counterparty: "5511", PausedAt: time.Now()}))
		require.NoError(t, s.Threads.Save(ctx, &domain.ConversationThread{TenantID: tid, Counterparty: "5511", ThreadID: "th", LastUsed: time.Now()}))
	}
	require.NoError(t, s.Associations.Upsert(ctx, "5599", a.ID))
	require.NoError(t, s.Associations.SetBinding(ctx, domain.DefaultSharedWorker, a.ID, "5599"))

	require.NoError(t, s.Tenants.Delete(ctx, a.ID))

	_, err := s.Tenants.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	recent, err := s.Messages.Recent(ctx, a.ID, "5511", 50)
	require.NoError(t, err)
	assert.Empty(t, recent)
	recent, err = s.Messages.Recent(ctx, b.ID, "5511", 50)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	_, err = s.Associations.Get(ctx, "5599")
	assert.ErrorIs(t, err, ErrNotFound)
	binding, err := s.Associations.GetBinding(ctx, domain.DefaultSharedWorker)
	require.NoError(t, err)
	assert.Zero(t, binding.TenantID)

	assert.ErrorIs(t, s.Tenants.Delete(ctx, a.ID), ErrNotFound)
}

func TestThreadSaveIsUpsert(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, s.Threads.Save(ctx, &domain.ConversationThread{TenantID: 1, Counterparty: "5511", ThreadID: "a", LastUsed: time.Now()}))
	require.NoError(t, s.Threads.Save(ctx, &domain.ConversationThread{TenantID: 1, Counterparty: "5511", ThreadID: "b", LastUsed: time.Now()}))

	th, err := s.Threads.Get(ctx, 1, "5511")
	require.NoError(t, err)
	assert.Equal(t, "b", th.ThreadID)
	n, err := s.Threads.CountByTenant(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPauseRepository(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, s.Pauses.Create(ctx, &domain.PauseRecord{TenantID: 1, Counterparty: "5511", PausedAt: time.Now()}))
	require.Error(t, s.Pauses.Create(ctx, &domain.PauseRecord{TenantID: 1, Counterparty: "5511", PausedAt: time.Now()}))
	require.NoError(t, s.Pauses.Create(ctx, &domain.PauseRecord{TenantID: 1, Counterparty: domain.PauseAllSentinel, PausedAt: time.Now()}))

	ok, err := s.Pauses.AnyOf(ctx, 1, "5522", domain.PauseAllSentinel)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Pauses.AnyOf(ctx, 2, "5511")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Pauses.CountSingle(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	removed, err := s.Pauses.DeleteAll(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
}

func TestMessageStats(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()
	now := time.Now()

	add := func(cp, dir string, at time.Time) {
		require.NoError(t, s.Messages.Append(ctx, &domain.MessageRecord{
			ID: common.UUIDint64(), TenantID: 7, Counterparty: cp, Direction: dir, Text: "x", Timestamp: at, CreatedAt: at,
		}))
	}
	add("a", domain.DirectionInbound, now)
	add("a", domain.DirectionOutbound, now)
	add("b", domain.DirectionInbound, now)
	add("b", domain.DirectionInbound, now.AddDate(0, 0, -3))

	st, err := s.Messages.Stats(ctx, 7, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.TotalMessages)
	assert.EqualValues(t, 2, st.UniqueUsers)
	assert.EqualValues(t, 2, st.MessagesToday)
	assert.GreaterOrEqual(t, st.DailyP90, st.DailyMedian)
}

func TestMessageRecentOrderAndLimit(t *testing.T) {
	s := New(storetest.NewDB(t))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 60; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Messages.Append(ctx, &domain.MessageRecord{
			ID: common.UUIDint64(), TenantID: 1, Counterparty: "5511", Direction: domain.DirectionInbound, Text: "m", CreatedAt: at,
		}))
	}
	items, err := s.Messages.Recent(ctx, 1, "5511", 50)
	require.NoError(t, err)
	require.Len(t, items, 50)
	assert.True(t, items[0].CreatedAt.Before(items[49].CreatedAt))
}
