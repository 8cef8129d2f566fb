package app

import (
	"context"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/botfleet/config"
	"github.com/talkincode/botfleet/internal/consolidated"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/mailer"
	"github.com/talkincode/botfleet/internal/pause"
	"github.com/talkincode/botfleet/internal/retention"
	"github.com/talkincode/botfleet/internal/router"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/supervisor"
	"github.com/talkincode/botfleet/internal/workerclient"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// StoreProvider provides the tenant repositories
type StoreProvider interface {
	Store() *store.Store
}

// ServiceProvider exposes the long lived services built by InitServices
type ServiceProvider interface {
	Supervisor() *supervisor.Supervisor
	Router() *router.Router
	Consolidated() *consolidated.Router
	Pauses() *pause.Machine
	Sweeper() *retention.Sweeper
	Mailer() *mailer.Mailer
	Workers() *workerclient.Client
	Bus() EventBus.Bus
}

// TenantLifecycle groups the tenant operations shared by the admin api and
// the worker callbacks.
type TenantLifecycle interface {
	CreateTenant(ctx context.Context, t *domain.Tenant, autoStart bool) error
	ConnectTenant(ctx context.Context, id int64) (*domain.Tenant, error)
	DisconnectTenant(ctx context.Context, id int64) (*domain.Tenant, error)
	DeleteTenant(ctx context.Context, id int64) error
	RestartTenant(ctx context.Context, id int64) error
	SendInvitation(ctx context.Context, id int64) error
	BindOwner(ctx context.Context, id int64, identity string) (*domain.Tenant, error)
	ClearOwner(ctx context.Context, id int64) error
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	StoreProvider
	ServiceProvider
	TenantLifecycle

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
