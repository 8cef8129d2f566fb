package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/botfleet/config"
	"github.com/talkincode/botfleet/internal/assistant"
	"github.com/talkincode/botfleet/internal/consolidated"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/mailer"
	"github.com/talkincode/botfleet/internal/monitor"
	"github.com/talkincode/botfleet/internal/pause"
	"github.com/talkincode/botfleet/internal/retention"
	"github.com/talkincode/botfleet/internal/router"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/supervisor"
	"github.com/talkincode/botfleet/internal/workerclient"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	bus       EventBus.Bus

	store        *store.Store
	ledger       *supervisor.Ledger
	supervisor   *supervisor.Supervisor
	pauses       *pause.Machine
	router       *router.Router
	consolidated *consolidated.Router
	monitor      *monitor.Monitor
	sweeper      *retention.Sweeper
	mailer       *mailer.Mailer
	workers      *workerclient.Client

	launcher  supervisor.Launcher
	generator assistant.Generator
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ StoreProvider     = (*Application)(nil)
	_ ServiceProvider   = (*Application)(nil)
	_ TenantLifecycle   = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig, bus: EventBus.New()}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// SetLauncher replaces the worker process launcher (used in tests).
func (a *Application) SetLauncher(l supervisor.Launcher) {
	a.launcher = l
}

// SetGenerator replaces the assistant client (used in tests).
func (a *Application) SetGenerator(g assistant.Generator) {
	a.generator = g
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	// Initialize zap logger
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
	common.SetNodeID(cfg.System.NodeID)

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}
	a.checkSuper()

	if err := a.InitServices(); err != nil {
		zap.L().Fatal("init services failed", zap.Error(err))
	}
	a.initJob()
}

// InitServices builds the orchestrator services on top of the database handle.
func (a *Application) InitServices() error {
	cfg := a.appConfig
	if a.gormDB == nil {
		return errors.New("database is not initialized")
	}
	for _, dir := range []string{cfg.GetDataDir(), cfg.GetWorkerRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	a.store = store.New(a.gormDB)
	a.pauses = pause.NewMachine(a.store.Pauses)
	a.mailer = mailer.New(cfg.Mail)
	a.workers = workerclient.New(cfg.Worker.Host, cfg.Monitor.ProbeTimeout)

	if a.generator == nil {
		a.generator = assistant.NewClient(assistant.Options{
			APIBase:        cfg.Assistant.APIBase,
			PollInterval:   cfg.Assistant.PollInterval,
			MaxAttempts:    cfg.Assistant.MaxAttempts,
			RequestTimeout: cfg.Assistant.RequestTimeout,
		})
	}
	a.router = router.New(a.store, a.pauses, a.generator)
	a.consolidated = consolidated.New(a.store, a.router, cfg.Consolidated.AutoBindFirstActive)
	if cfg.IsConsolidated() {
		a.router.SetResolver(a.consolidated)
	}

	ledger, err := supervisor.OpenLedger(filepath.Join(cfg.GetDataDir(), "workers.db"))
	if err != nil {
		return err
	}
	a.ledger = ledger

	callbackURL := cfg.Worker.CallbackURL
	if callbackURL == "" {
		callbackURL = cfg.Web.PublicURL
	}
	a.supervisor = supervisor.New(supervisor.Options{
		BasePort:      cfg.Worker.BasePort,
		Command:       cfg.Worker.Command,
		Args:          cfg.Worker.Args,
		RootDir:       cfg.GetWorkerRoot(),
		CallbackURL:   callbackURL,
		CallbackToken: cfg.Worker.CallbackToken,
		GracePeriod:   cfg.Worker.GracePeriod,
		SpawnSettle:   cfg.Worker.SpawnSettle,
	}, a.store.Tenants, a.launcher, a.ledger, a.bus)

	a.monitor, err = monitor.New(monitor.Options{
		Interval:     cfg.Monitor.Interval,
		ProbeTimeout: cfg.Monitor.ProbeTimeout,
		Cooldown:     cfg.Monitor.Cooldown,
		PairingGrace: cfg.Monitor.PairingGrace,
		ErrorBackoff: cfg.Monitor.ErrorBackoff,
		Concurrency:  cfg.Monitor.Concurrency,
	}, a.store.Tenants, a.supervisor, a.workers)
	if err != nil {
		return err
	}

	a.sweeper = retention.New(a.store, cfg.Retention.Window, cfg.Retention.RetryInterval)
	a.subscribeEvents()
	return nil
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Store() *store.Store { return a.store }
func (a *Application) Supervisor() *supervisor.Supervisor { return a.supervisor }
func (a *Application) Router() *router.Router { return a.router }
func (a *Application) Consolidated() *consolidated.Router { return a.consolidated }
func (a *Application) Pauses() *pause.Machine { return a.pauses }
func (a *Application) Sweeper() *retention.Sweeper { return a.sweeper }
func (a *Application) Mailer() *mailer.Mailer { return a.mailer }
func (a *Application) Workers() *workerclient.Client { return a.workers }
func (a *Application) Bus() EventBus.Bus { return a.bus }

// StartBackgroundJobs restores the worker fleet and starts the health monitor.
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	cfg := a.appConfig
	if cfg.IsConsolidated() {
		if err := a.consolidated.Load(ctx); err != nil {
			zap.L().Error("consolidated: load failed", zap.Error(err))
		}
		return
	}

	go func() {
		defer func() {
			if err := recover(); err != nil {
				zap.S().Errorf("rehydrate panic: %v", err)
			}
		}()
		if err := a.supervisor.Rehydrate(ctx); err != nil {
			zap.L().Error("supervisor: rehydrate failed", zap.Error(err))
		}
		if cfg.Monitor.Enabled {
			a.monitor.Start(ctx)
		}
	}()
}

// Release releases application resources
func (a *Application) Release() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	_ = zap.L().Sync()
}
