package app

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/botfleet/config"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/store/storetest"
	"github.com/talkincode/botfleet/internal/supervisor"
	"github.com/talkincode/botfleet/internal/supervisor/supervisortest"
	"golang.org/x/crypto/bcrypt"
)

func newTestApp(t *testing.T, mode string) (*Application, *supervisortest.Launcher) {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.System.Workdir = t.TempDir()
	cfg.Worker.Mode = mode
	cfg.Worker.SpawnSettle = 0

	launcher := supervisortest.NewLauncher()
	a := NewApplication(cfg)
	a.OverrideDB(storetest.NewDB(t))
	a.SetLauncher(launcher)
	require.NoError(t, a.InitServices())
	t.Cleanup(a.Release)
	return a, launcher
}

func newTenant() *domain.Tenant {
	return &domain.Tenant{
		Name:        "Panadería Luna",
		Email:       "luna@example.com",
		OpenAIKey:   "sk-test",
		AssistantID: "asst_1",
	}
}

func TestCreateTenantIsPending(t *testing.T) {
	a, launcher := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, false))
	assert.NotZero(t, tenant.ID)
	assert.Len(t, tenant.UniqueURL, 8)
	assert.Equal(t, domain.TenantStatusPending, tenant.Status)
	assert.Zero(t, launcher.Launches())

	err := a.CreateTenant(ctx, &domain.Tenant{Name: "x"}, false)
	assert.ErrorIs(t, err, ErrInvalidTenant)
}

func TestConnectAndDisconnectTenant(t *testing.T) {
	a, launcher := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, true))
	assert.Equal(t, domain.TenantStatusActive, tenant.Status)
	assert.NotZero(t, tenant.WhatsAppPort)
	assert.Equal(t, 1, launcher.Launches())
	assert.True(t, a.Supervisor().Status(tenant.ID).Running)

	got, err := a.DisconnectTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TenantStatusInactive, got.Status)
	assert.False(t, a.Supervisor().Status(tenant.ID).Running)
	_, err = os.Stat(launcher.Last().Dir)
	assert.True(t, os.IsNotExist(err))
}

// statusAtStop records the persisted tenant status each time a worker starts
// stopping.
func statusAtStop(t *testing.T, a *Application) func() []string {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	require.NoError(t, a.Bus().Subscribe(supervisor.TopicState, func(id int64, state supervisor.State) {
		if state != supervisor.StateStopping {
			return
		}
		status := "deleted"
		if got, err := a.store.Tenants.Get(context.Background(), id); err == nil {
			status = got.Status
		}
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}))
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestDisconnectPersistsStatusBeforeTeardown(t *testing.T) {
	a, _ := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, true))
	seen := statusAtStop(t, a)

	_, err := a.DisconnectTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.TenantStatusInactive}, seen())

	// a monitor restart that lost the race finds nothing to start
	_, err = a.Supervisor().ProvisionIfActive(ctx, tenant.ID)
	assert.ErrorIs(t, err, supervisor.ErrTenantInactive)
	assert.False(t, a.Supervisor().Status(tenant.ID).Running)
}

func TestDeleteRemovesRowBeforeTeardown(t *testing.T) {
	a, _ := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, true))
	seen := statusAtStop(t, a)

	require.NoError(t, a.DeleteTenant(ctx, tenant.ID))
	assert.Equal(t, []string{"deleted"}, seen())

	_, err := a.Supervisor().ProvisionIfActive(ctx, tenant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, a.Supervisor().List())
}

func TestRestartTenantRelaunchesRunningWorker(t *testing.T) {
	a, launcher := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, false))
	require.NoError(t, a.RestartTenant(ctx, tenant.ID))
	assert.Zero(t, launcher.Launches())

	_, err := a.ConnectTenant(ctx, tenant.ID)
	require.NoError(t, err)
	require.NoError(t, a.store.Tenants.Updates(ctx, tenant.ID, map[string]interface{}{"assistant_id": "asst_2"}))
	require.NoError(t, a.RestartTenant(ctx, tenant.ID))
	assert.Equal(t, 2, launcher.Launches())
	assert.Contains(t, launcher.Last().Env, "OPENAI_ASSISTANT_ID=asst_2")
}

func TestDeleteTenantRemovesEverything(t *testing.T) {
	a, _ := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, true))
	_, err := a.Pauses().PauseAll(ctx, tenant.ID)
	require.NoError(t, err)

	require.NoError(t, a.DeleteTenant(ctx, tenant.ID))
	_, err = a.store.Tenants.Get(ctx, tenant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	paused, err := a.Pauses().IsPaused(ctx, tenant.ID, "5215500000000")
	require.NoError(t, err)
	assert.False(t, paused)
	assert.False(t, a.Supervisor().Status(tenant.ID).Running)
}

func TestBindOwnerActivatesTenant(t *testing.T) {
	a, _ := newTestApp(t, config.WorkerModeDedicated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, false))

	got, err := a.BindOwner(ctx, tenant.ID, "5215512345678:3@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "5215512345678", got.ConnectedPhone)
	assert.Equal(t, domain.TenantStatusActive, got.Status)

	require.NoError(t, a.ClearOwner(ctx, tenant.ID))
	got, err = a.store.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ConnectedPhone)
}

func TestConsolidatedModeTracksTenantStatus(t *testing.T) {
	a, launcher := newTestApp(t, config.WorkerModeConsolidated)
	ctx := context.Background()

	tenant := newTenant()
	require.NoError(t, a.CreateTenant(ctx, tenant, true))
	assert.Zero(t, launcher.Launches())
	require.Len(t, a.Consolidated().Tenants(), 1)

	_, err := a.DisconnectTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, a.Consolidated().Tenants())
}

func TestCheckSuperCreatesAdmin(t *testing.T) {
	a, _ := newTestApp(t, config.WorkerModeDedicated)
	a.checkSuper()

	var opr domain.SysOpr
	require.NoError(t, a.DB().Where("username = ?", "admin").First(&opr).Error)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(opr.Password), []byte("botfleet")))

	// a second run leaves the account alone
	a.checkSuper()
	var count int64
	a.DB().Model(&domain.SysOpr{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
