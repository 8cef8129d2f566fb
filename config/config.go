package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const (
	WorkerModeDedicated    = "dedicated"
	WorkerModeConsolidated = "consolidated"
)

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	NodeID   int64  `yaml:"node_id"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Secret    string `yaml:"secret"`
	PublicURL string `yaml:"public_url"`
}

type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type AdminConfig struct {
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// WorkerConfig controls how tenant workers are spawned.
type WorkerConfig struct {
	Mode            string        `yaml:"mode"`
	BasePort        int           `yaml:"base_port"`
	Host            string        `yaml:"host"`
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	RootDir         string        `yaml:"root_dir"`
	CallbackURL     string        `yaml:"callback_url"`
	CallbackToken   string        `yaml:"callback_token"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	SpawnSettle     time.Duration `yaml:"spawn_settle"`
	SharedPort      int           `yaml:"shared_port"`
}

type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Cooldown     time.Duration `yaml:"cooldown"`
	PairingGrace time.Duration `yaml:"pairing_grace"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	Concurrency  int           `yaml:"concurrency"`
}

type RetentionConfig struct {
	Window        time.Duration `yaml:"window"`
	Schedule      string        `yaml:"schedule"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type AssistantConfig struct {
	APIBase        string        `yaml:"api_base"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type MailConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	From       string `yaml:"from"`
	LandingURL string `yaml:"landing_url"`
}

type ConsolidatedConfig struct {
	AutoBindFirstActive bool `yaml:"auto_bind_first_active"`
}

type AppConfig struct {
	System       SysConfig          `yaml:"system"`
	Web          WebConfig          `yaml:"web"`
	Database     DBConfig           `yaml:"database"`
	Logger       LogConfig          `yaml:"logger"`
	Admin        AdminConfig        `yaml:"admin"`
	Worker       WorkerConfig       `yaml:"worker"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Retention    RetentionConfig    `yaml:"retention"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Mail         MailConfig         `yaml:"mail"`
	Consolidated ConsolidatedConfig `yaml:"consolidated"`
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetWorkerRoot() string {
	if c.Worker.RootDir != "" {
		return c.Worker.RootDir
	}
	return path.Join(c.System.Workdir, "workers")
}

func (c *AppConfig) IsConsolidated() bool {
	return strings.EqualFold(c.Worker.Mode, WorkerModeConsolidated)
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetWorkerRoot(), 0o755)
}

// DefaultAppConfig is used when no config file is given.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "botfleet",
			Location: "America/Mexico_City",
			Workdir:  "/var/botfleet",
			NodeID:   1,
		},
		Web: WebConfig{
			Host:      "0.0.0.0",
			Port:      8001,
			PublicURL: "http://127.0.0.1:8001",
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "botfleet",
			User:     "postgres",
			Passwd:   "myroot",
			MaxConn:  100,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/botfleet/logs/botfleet.log",
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "botfleet",
			TokenTTL: 12 * time.Hour,
		},
		Worker: WorkerConfig{
			Mode:        WorkerModeDedicated,
			BasePort:    3001,
			Host:        "127.0.0.1",
			Command:     "waworker",
			CallbackURL: "http://127.0.0.1:8001",
			GracePeriod: 10 * time.Second,
			SpawnSettle: time.Second,
			SharedPort:  3000,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			Interval:     30 * time.Second,
			ProbeTimeout: 5 * time.Second,
			Cooldown:     45 * time.Second,
			PairingGrace: 60 * time.Second,
			ErrorBackoff: 60 * time.Second,
			Concurrency:  16,
		},
		Retention: RetentionConfig{
			Window:        24 * time.Hour,
			Schedule:      "@daily",
			RetryInterval: time.Hour,
		},
		Assistant: AssistantConfig{
			APIBase:        "https://api.openai.com/v1",
			PollInterval:   time.Second,
			MaxAttempts:    30,
			RequestTimeout: 30 * time.Second,
		},
		Mail: MailConfig{
			Port: 587,
		},
	}
}

// LoadConfig reads the yaml file at cfile (when it exists), then applies
// .env and BOTFLEET_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig()
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				panic(err)
			}
		}
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	cfg.initDirs()
	return cfg
}

func applyEnv(cfg *AppConfig) {
	setEnvValue("BOTFLEET_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("BOTFLEET_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvInt64Value("BOTFLEET_SYSTEM_NODE_ID", &cfg.System.NodeID)
	setEnvBoolValue("BOTFLEET_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("BOTFLEET_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("BOTFLEET_WEB_PORT", &cfg.Web.Port)
	setEnvValue("BOTFLEET_WEB_SECRET", &cfg.Web.Secret)
	setEnvValue("BOTFLEET_WEB_PUBLIC_URL", &cfg.Web.PublicURL)

	setEnvValue("BOTFLEET_DB_TYPE", &cfg.Database.Type)
	setEnvValue("BOTFLEET_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("BOTFLEET_DB_PORT", &cfg.Database.Port)
	setEnvValue("BOTFLEET_DB_NAME", &cfg.Database.Name)
	setEnvValue("BOTFLEET_DB_USER", &cfg.Database.User)
	setEnvValue("BOTFLEET_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("BOTFLEET_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("BOTFLEET_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("BOTFLEET_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvValue("BOTFLEET_ADMIN_USERNAME", &cfg.Admin.Username)
	setEnvValue("BOTFLEET_ADMIN_PASSWORD", &cfg.Admin.Password)

	setEnvValue("BOTFLEET_WORKER_MODE", &cfg.Worker.Mode)
	setEnvIntValue("BOTFLEET_WORKER_BASE_PORT", &cfg.Worker.BasePort)
	setEnvValue("BOTFLEET_WORKER_COMMAND", &cfg.Worker.Command)
	setEnvValue("BOTFLEET_WORKER_ROOT_DIR", &cfg.Worker.RootDir)
	setEnvValue("BOTFLEET_WORKER_CALLBACK_URL", &cfg.Worker.CallbackURL)
	setEnvValue("BOTFLEET_WORKER_CALLBACK_TOKEN", &cfg.Worker.CallbackToken)
	setEnvIntValue("BOTFLEET_WORKER_SHARED_PORT", &cfg.Worker.SharedPort)
	setEnvDurationValue("BOTFLEET_WORKER_GRACE_PERIOD", &cfg.Worker.GracePeriod)

	setEnvBoolValue("BOTFLEET_MONITOR_ENABLED", &cfg.Monitor.Enabled)
	setEnvDurationValue("BOTFLEET_MONITOR_INTERVAL", &cfg.Monitor.Interval)

	setEnvDurationValue("BOTFLEET_RETENTION_WINDOW", &cfg.Retention.Window)
	setEnvValue("BOTFLEET_RETENTION_SCHEDULE", &cfg.Retention.Schedule)

	setEnvValue("BOTFLEET_ASSISTANT_API_BASE", &cfg.Assistant.APIBase)

	setEnvValue("BOTFLEET_MAIL_HOST", &cfg.Mail.Host)
	setEnvIntValue("BOTFLEET_MAIL_PORT", &cfg.Mail.Port)
	setEnvValue("BOTFLEET_MAIL_USERNAME", &cfg.Mail.Username)
	setEnvValue("BOTFLEET_MAIL_PASSWORD", &cfg.Mail.Password)
	setEnvValue("BOTFLEET_MAIL_FROM", &cfg.Mail.From)
	setEnvValue("BOTFLEET_MAIL_LANDING_URL", &cfg.Mail.LandingURL)
}

func setEnvValue(name string, val *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if i, err := cast.ToIntE(v); err == nil {
			*val = i
		}
	}
}

func setEnvInt64Value(name string, val *int64) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if i, err := cast.ToInt64E(v); err == nil {
			*val = i
		}
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if d, err := cast.ToDurationE(v); err == nil {
			*val = d
		}
	}
}
