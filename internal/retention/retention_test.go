package retention

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/store/storetest"
	"github.com/talkincode/botfleet/pkg/common"
)

func addMessage(t *testing.T, st *store.Store, tenantID int64, at time.Time) {
	t.Helper()
	require.NoError(t, st.Messages.Append(context.Background(), &domain.MessageRecord{
		ID:           common.UUIDint64(),
		TenantID:     tenantID,
		Counterparty: "111",
		Direction:    domain.DirectionInbound,
		Source:       domain.SourceCustomer,
		Text:         "hola",
		Timestamp:    at,
		CreatedAt:    at,
	}))
}

func TestSweepRemovesOnlyExpiredMessages(t *testing.T) {
	st := store.New(storetest.NewDB(t))
	now := time.Now()
	addMessage(t, st, 1, now.Add(-48*time.Hour))
	addMessage(t, st, 1, now.Add(-23*time.Hour))

	s := New(st, 24*time.Hour, time.Hour)
	s.now = func() time.Time { return now }

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Messages)

	left, err := st.Messages.Recent(context.Background(), 1, "111", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.WithinDuration(t, now.Add(-23*time.Hour), left[0].CreatedAt, time.Second)

	// same cutoff again deletes nothing further
	res, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Messages)
	assert.Zero(t, res.Threads)
	assert.Zero(t, res.Legacy)
}

func TestSweepThreadsAndLegacy(t *testing.T) {
	st := store.New(storetest.NewDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.Threads.Save(ctx, &domain.ConversationThread{
		ID: common.UUIDint64(), TenantID: 1, Counterparty: "old", ThreadID: "t1",
		CreatedAt: now.Add(-72 * time.Hour), LastUsed: now.Add(-30 * time.Hour),
	}))
	require.NoError(t, st.Threads.Save(ctx, &domain.ConversationThread{
		ID: common.UUIDint64(), TenantID: 1, Counterparty: "fresh", ThreadID: "t2",
		CreatedAt: now.Add(-72 * time.Hour), LastUsed: now.Add(-time.Hour),
	}))
	require.NoError(t, st.DB.Create(&domain.LegacyMessage{
		ID: common.UUIDint64(), PhoneNumber: "111", Message: "hi", CreatedAt: now.Add(-25 * time.Hour),
	}).Error)

	s := New(st, 24*time.Hour, time.Hour)
	s.now = func() time.Time { return now }
	res, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Threads)
	assert.Equal(t, int64(1), res.Legacy)

	n, err := st.Threads.CountByTenant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCategoryFailureIsIsolated(t *testing.T) {
	st := store.New(storetest.NewDB(t))
	now := time.Now()
	addMessage(t, st, 1, now.Add(-48*time.Hour))

	s := New(st, 24*time.Hour, time.Hour)
	s.categories[1].purge = func(context.Context, time.Time) (int64, error) {
		return 0, errors.New("threads table locked")
	}
	s.categories[2].purge = func(context.Context, time.Time) (int64, error) {
		panic("legacy exploded")
	}

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Messages)
	assert.Contains(t, res.Errors, CategoryThreads)
	assert.Contains(t, res.Errors, CategoryLegacy)
}

func TestTotalFailureArmsRetry(t *testing.T) {
	st := store.New(storetest.NewDB(t))
	s := New(st, 24*time.Hour, time.Hour)
	defer s.Stop()
	for i := range s.categories {
		s.categories[i].purge = func(context.Context, time.Time) (int64, error) {
			return 0, errors.New("database unavailable")
		}
	}

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSweepFailed)

	s.scheduled()
	assert.True(t, s.RetryPending())
}

func TestRegisterSchedule(t *testing.T) {
	st := store.New(storetest.NewDB(t))
	s := New(st, 24*time.Hour, time.Hour)
	c := cron.New()

	_, err := s.Register(c, "@daily")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = s.Register(c, "not a schedule")
	assert.Error(t, err)
}
