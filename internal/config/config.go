// Package config loads and validates configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ikkem-lin/papercrawl/internal/objectstore"
	"github.com/ikkem-lin/papercrawl/internal/task"
)

// Store backends.
const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Object store backends.
const (
	ObjectStoreMinio  = "minio"
	ObjectStoreGCS    = "gcs"
	ObjectStoreMemory = "memory"
)

// Report sinks.
const (
	ReportSinkHTTP   = "http"
	ReportSinkPubSub = "pubsub"
	ReportSinkNone   = "none"
)

// Config captures every knob of the crawler and the gateway.
type Config struct {
	Crawler Crawler `mapstructure:"crawler"`
	Gateway Gateway `mapstructure:"gateway"`
	Store   Store   `mapstructure:"store"`
	Report  Report  `mapstructure:"report"`
	Logging Logging `mapstructure:"logging"`
}

// Crawler governs the orchestration loop and its collaborators.
type Crawler struct {
	Account            string   `mapstructure:"account"`
	Password           string   `mapstructure:"password"`
	PreferServer       string   `mapstructure:"prefer_server"`
	RulesPath          string   `mapstructure:"rules_path"`
	ClientIDPath       string   `mapstructure:"client_id_path"`
	UserAgent          string   `mapstructure:"user_agent"`
	MaxRetries         int      `mapstructure:"max_retries"`
	UseBrowser         bool     `mapstructure:"use_browser"`
	PageSettleSec      int      `mapstructure:"page_settle_seconds"`
	WatchdogSec        int      `mapstructure:"watchdog_seconds"`
	TaskIntervalSec    int      `mapstructure:"task_interval_seconds"`
	NoTaskWaitSec      int      `mapstructure:"no_task_wait_seconds"`
	ErrorReloadSec     int      `mapstructure:"error_reload_seconds"`
	LongErrorReloadSec int      `mapstructure:"long_error_reload_seconds"`
	ChallengeWaitSec   int      `mapstructure:"challenge_wait_seconds"`
	QuickSleepSec      int      `mapstructure:"quick_sleep_seconds"`
	FetchTimeoutSec    int      `mapstructure:"fetch_timeout_seconds"`
	CaptureTimeoutSec  int      `mapstructure:"capture_timeout_seconds"`
	PresignEndpoints   []string `mapstructure:"presign_endpoints"`
}

// Gateway configures the presign service.
type Gateway struct {
	Port             int                     `mapstructure:"port"`
	Accounts         map[string]string       `mapstructure:"accounts"`
	ObjectStore      string                  `mapstructure:"object_store"`
	PresignExpirySec int                     `mapstructure:"presign_expiry_seconds"`
	RatePerAccount   float64                 `mapstructure:"rate_per_account"`
	RateBurst        int                     `mapstructure:"rate_burst"`
	Minio            objectstore.MinioConfig `mapstructure:"minio"`
	GCSBucket        string                  `mapstructure:"gcs_bucket"`
}

// Store selects and configures the task store backend.
type Store struct {
	Backend  string              `mapstructure:"backend"`
	FilePath string              `mapstructure:"file_path"`
	Redis    task.RedisConfig    `mapstructure:"redis"`
	Postgres task.PostgresConfig `mapstructure:"postgres"`
}

// Report configures telemetry delivery.
type Report struct {
	Sink            string `mapstructure:"sink"`
	CollectorURL    string `mapstructure:"collector_url"`
	TimeoutSec      int    `mapstructure:"timeout_seconds"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopicID   string `mapstructure:"pubsub_topic_id"`
}

// Logging toggles zap development features.
type Logging struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAPERCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.rules_path", "rules.json")
	v.SetDefault("crawler.client_id_path", "client_id")
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.use_browser", true)
	v.SetDefault("crawler.page_settle_seconds", 7)
	v.SetDefault("crawler.watchdog_seconds", 60)
	v.SetDefault("crawler.task_interval_seconds", 10)
	v.SetDefault("crawler.no_task_wait_seconds", 90)
	v.SetDefault("crawler.error_reload_seconds", 10)
	v.SetDefault("crawler.long_error_reload_seconds", 60)
	v.SetDefault("crawler.challenge_wait_seconds", 20)
	v.SetDefault("crawler.quick_sleep_seconds", 5)
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.capture_timeout_seconds", 120)
	v.SetDefault("gateway.port", 8000)
	v.SetDefault("gateway.object_store", ObjectStoreMinio)
	v.SetDefault("gateway.presign_expiry_seconds", 900)
	v.SetDefault("store.backend", StoreFile)
	v.SetDefault("store.file_path", "tasks.json")
	v.SetDefault("report.sink", ReportSinkHTTP)
	v.SetDefault("report.timeout_seconds", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.MaxRetries <= 0 {
		return fmt.Errorf("crawler.max_retries must be > 0")
	}
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("gateway.port must be > 0")
	}
	if c.Gateway.PresignExpirySec <= 0 {
		return fmt.Errorf("gateway.presign_expiry_seconds must be > 0")
	}
	switch c.Store.Backend {
	case StoreFile, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("store.backend must be one of %s, %s, %s", StoreFile, StoreRedis, StorePostgres)
	}
	switch c.Gateway.ObjectStore {
	case ObjectStoreMinio, ObjectStoreGCS, ObjectStoreMemory:
	default:
		return fmt.Errorf("gateway.object_store must be one of %s, %s, %s", ObjectStoreMinio, ObjectStoreGCS, ObjectStoreMemory)
	}
	switch c.Report.Sink {
	case ReportSinkHTTP, ReportSinkNone:
	case ReportSinkPubSub:
		if c.Report.PubSubProjectID == "" || c.Report.PubSubTopicID == "" {
			return fmt.Errorf("report.pubsub_project_id and report.pubsub_topic_id must be set for the pubsub sink")
		}
	default:
		return fmt.Errorf("report.sink must be one of %s, %s, %s", ReportSinkHTTP, ReportSinkPubSub, ReportSinkNone)
	}
	return nil
}

// PresignExpiry converts the gateway expiry setting to a duration.
func (c Config) PresignExpiry() time.Duration {
	return time.Duration(c.Gateway.PresignExpirySec) * time.Second
}
