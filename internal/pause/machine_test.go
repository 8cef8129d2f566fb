package pause

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/store/storetest"
)

const owner = "5215500000000"

func newMachine(t *testing.T) (*Machine, store.PauseRepository) {
	repo := store.NewGormPauseRepository(storetest.NewDB(t))
	return NewMachine(repo), repo
}

func tenant() *domain.Tenant {
	return &domain.Tenant{ID: 10, ConnectedPhone: owner, Status: domain.TenantStatusActive}
}

func TestPauseThisIsIdempotent(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()

	first, err := m.PauseThis(ctx, 10, "5511")
	require.NoError(t, err)
	assert.True(t, first.Changed)

	second, err := m.PauseThis(ctx, 10, "5511")
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, msgAlreadyPaused, second.Message)

	items, err := repo.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestResumeThis(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	res, err := m.ResumeThis(ctx, 10, "5511")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, msgNotPaused, res.Message)

	_, err = m.PauseThis(ctx, 10, "5511")
	require.NoError(t, err)
	res, err = m.ResumeThis(ctx, 10, "5511")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	paused, err := m.IsPaused(ctx, 10, "5511")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestResumeAllReportsExactCount(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	for _, cp := range []string{"a", "b", "c"} {
		_, err := m.PauseThis(ctx, 10, cp)
		require.NoError(t, err)
	}
	_, err := m.PauseAll(ctx, 10)
	require.NoError(t, err)
	again, err := m.PauseAll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, msgAlreadyAll, again.Message)
	_, err = m.PauseThis(ctx, 11, "a")
	require.NoError(t, err)

	n, res, err := m.ResumeAll(ctx, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Contains(t, res.Message, "Se eliminaron 4 pausas")

	for _, cp := range []string{"a", "b", "c", "z"} {
		paused, err := m.IsPaused(ctx, 10, cp)
		require.NoError(t, err)
		assert.False(t, paused, cp)
	}
	paused, err := m.IsPaused(ctx, 11, "a")
	require.NoError(t, err)
	assert.True(t, paused)

	n, res, err = m.ResumeAll(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, msgNothingToClear, res.Message)
}

func TestIsPausedMatrix(t *testing.T) {
	tests := []struct {
		name   string
		single bool
		global bool
		want   bool
	}{
		{"no record", false, false, false},
		{"conversation only", true, false, true},
		{"global only", false, true, true},
		{"both", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMachine(t)
			ctx := context.Background()
			if tt.single {
				_, err := m.PauseThis(ctx, 10, "5511")
				require.NoError(t, err)
			}
			if tt.global {
				_, err := m.PauseAll(ctx, 10)
				require.NoError(t, err)
			}
			got, err := m.IsPaused(ctx, 10, "5511")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryStatus(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	_, _ = m.PauseThis(ctx, 10, "a")
	_, _ = m.PauseThis(ctx, 10, "b")

	st, err := m.QueryStatus(ctx, 10, "a")
	require.NoError(t, err)
	assert.Equal(t, Status{ThisConversationPaused: true, OtherPausedCount: 1}, st)

	_, _ = m.PauseAll(ctx, 10)
	st, err = m.QueryStatus(ctx, 10, "z")
	require.NoError(t, err)
	assert.Equal(t, Status{GlobalPaused: true, OtherPausedCount: 2}, st)
	assert.Contains(t, FormatStatus(st), "COMPLETAMENTE PAUSADO")
}

func TestHandleOnlyHonorsOwner(t *testing.T) {
	m, repo := newMachine(t)
	ctx := context.Background()
	tn := tenant()

	reply, handled := m.Handle(ctx, tn, "5599", "pausar todo")
	assert.False(t, handled)
	assert.Empty(t, reply)
	items, err := repo.List(ctx, tn.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	reply, handled = m.Handle(ctx, tn, owner, "Pausar Todo")
	assert.True(t, handled)
	assert.Equal(t, msgAllPaused, reply)

	reply, handled = m.Handle(ctx, tn, owner, "gracias")
	assert.False(t, handled)
	assert.Empty(t, reply)
}

func TestHandleWithoutBoundOwner(t *testing.T) {
	m, _ := newMachine(t)
	tn := tenant()
	tn.ConnectedPhone = ""

	_, handled := m.Handle(context.Background(), tn, "", "pausar")
	assert.False(t, handled)
}
