package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"example.com/pressync/internal/content"
)

const (
	configPathEnv    = "PRESSYNC_CONFIG"
	siteURLEnv       = "PRESSYNC_SITE_URL"
	databaseEnv      = "PRESSYNC_DB"
	scheduleEnv      = "PRESSYNC_SCHEDULE"
	queueBackendEnv  = "PRESSYNC_QUEUE"
	temporalHostEnv  = "TEMPORAL_HOSTPORT"
	minioAccessEnv   = "MINIO_ACCESS_KEY"
	minioSecretEnv   = "MINIO_SECRET_KEY"
	defaultSchedule  = "0 4,14 * * *"
	defaultSiteURL   = "https://example.com"
	defaultPageSize  = 10
	defaultAuthorID  = 1
	defaultStaging   = 24 * time.Hour
	defaultHTTPLimit = 20 * time.Second
)

// Queue backends.
const (
	QueueSQLite   = "sqlite"
	QueueTemporal = "temporal"
)

// Media library backends.
const (
	MediaFilesystem = "filesystem"
	MediaMinio      = "minio"
)

// Config holds every setting of the sync service.
type Config struct {
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Features FeatureFlags   `yaml:"features"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Media    MediaConfig    `yaml:"media"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RemoteConfig describes the upstream site.
type RemoteConfig struct {
	SiteURL  string                `yaml:"siteUrl"`
	PageSize int                   `yaml:"pageSize"`
	Timeout  time.Duration         `yaml:"timeout"`
	Types    []content.TypeMapping `yaml:"types"`
}

// SyncConfig controls the recurring cycle and record defaults.
type SyncConfig struct {
	Schedule        string        `yaml:"schedule"`
	DefaultAuthorID int64         `yaml:"defaultAuthorId"`
	StagingTTL      time.Duration `yaml:"stagingTtl"`
}

// FeatureFlags are the on/off switches of the sync engine.
type FeatureFlags struct {
	LogErrors             bool `yaml:"logErrors"`
	DownloadImages        bool `yaml:"downloadImages"`
	DeleteDuplicateImages bool `yaml:"deleteDuplicateImages"`
	SkipOnTitleMatch      bool `yaml:"skipOnTitleMatch"`
}

// DatabaseConfig points at the local SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig selects and tunes the task queue substrate.
type QueueConfig struct {
	Backend      string         `yaml:"backend"`
	Workers      int            `yaml:"workers"`
	PollInterval time.Duration  `yaml:"pollInterval"`
	MaxAttempts  int            `yaml:"maxAttempts"`
	Temporal     TemporalConfig `yaml:"temporal"`
}

// TemporalConfig is used when Queue.Backend is "temporal".
type TemporalConfig struct {
	HostPort  string `yaml:"hostPort"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"taskQueue"`
}

// MediaConfig selects where localized media is written.
type MediaConfig struct {
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	BaseURL string      `yaml:"baseUrl"`
	Minio   MinioConfig `yaml:"minio"`
}

// MinioConfig is used when Media.Backend is "minio".
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSsl"`
	PublicURL string `yaml:"publicUrl"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures slog output and the operational error log.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	ErrorLog   string `yaml:"errorLog"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
}

// Load reads YAML configuration (if present) on top of the defaults and
// applies environment overrides. An explicit path wins over PRESSYNC_CONFIG.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			fileCfg := Default()
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = fileCfg
			}
		}
	}

	cfg.applyEnvOverrides()
	if len(cfg.Remote.Types) == 0 {
		cfg.Remote.Types = Default().Remote.Types
	}
	return cfg
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Remote: RemoteConfig{
			SiteURL:  defaultSiteURL,
			PageSize: defaultPageSize,
			Timeout:  defaultHTTPLimit,
			Types: []content.TypeMapping{
				{Remote: "posts", LocalSingle: "post", LocalPlural: "posts"},
			},
		},
		Sync: SyncConfig{
			Schedule:        defaultSchedule,
			DefaultAuthorID: defaultAuthorID,
			StagingTTL:      defaultStaging,
		},
		Features: FeatureFlags{LogErrors: true},
		Database: DatabaseConfig{Path: "pressync.db"},
		Queue: QueueConfig{
			Backend:      QueueSQLite,
			Workers:      4,
			PollInterval: time.Second,
			MaxAttempts:  3,
			Temporal: TemporalConfig{
				HostPort:  "localhost:7233",
				Namespace: "default",
				TaskQueue: "pressync-tasks",
			},
		},
		Media: MediaConfig{
			Backend: MediaFilesystem,
			Dir:     "uploads",
			BaseURL: "/uploads",
		},
		Server:  ServerConfig{Addr: ":8082"},
		Logging: LoggingConfig{Level: "info", Format: "json", ErrorLog: "pressync-error.log", MaxSizeMB: 10, MaxBackups: 3},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(siteURLEnv); v != "" {
		c.Remote.SiteURL = v
	}
	if v := os.Getenv(databaseEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(scheduleEnv); v != "" {
		c.Sync.Schedule = v
	}
	if v := os.Getenv(queueBackendEnv); v != "" {
		c.Queue.Backend = v
	}
	if v := os.Getenv(temporalHostEnv); v != "" {
		c.Queue.Temporal.HostPort = v
	}
	if v := os.Getenv(minioAccessEnv); v != "" {
		c.Media.Minio.AccessKey = v
	}
	if v := os.Getenv(minioSecretEnv); v != "" {
		c.Media.Minio.SecretKey = v
	}
}

// Validate reports the first setting that would make a sync cycle fail.
func (c Config) Validate() error {
	parsed, err := url.Parse(c.Remote.SiteURL)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("remote.siteUrl %q is not an absolute URL: %w", c.Remote.SiteURL, content.ErrConfig)
	}
	if c.Remote.PageSize < 1 || c.Remote.PageSize > 100 {
		return fmt.Errorf("remote.pageSize must be within 1..100, got %d: %w", c.Remote.PageSize, content.ErrConfig)
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("sync.schedule %q: %v: %w", c.Sync.Schedule, err, content.ErrConfig)
	}
	for i, m := range c.Remote.Types {
		if strings.TrimSpace(m.Remote) == "" || strings.TrimSpace(m.LocalSingle) == "" {
			return fmt.Errorf("remote.types[%d] needs remote and localSingle: %w", i, content.ErrConfig)
		}
	}
	switch c.Queue.Backend {
	case QueueSQLite, QueueTemporal:
	default:
		return fmt.Errorf("queue.backend %q is not supported: %w", c.Queue.Backend, content.ErrConfig)
	}
	switch c.Media.Backend {
	case MediaFilesystem, MediaMinio:
	default:
		return fmt.Errorf("media.backend %q is not supported: %w", c.Media.Backend, content.ErrConfig)
	}
	return nil
}

// Mapping returns the type mapping for a remote collection name.
func (c Config) Mapping(remoteType string) (content.TypeMapping, bool) {
	for _, m := range c.Remote.Types {
		if m.Remote == remoteType {
			return withDefaults(m), true
		}
	}
	return content.TypeMapping{}, false
}

// MappingForLocal returns the mapping whose local single type is localType,
// falling back to the first configured mapping.
func (c Config) MappingForLocal(localType string) content.TypeMapping {
	for _, m := range c.Remote.Types {
		if m.LocalSingle == localType {
			return withDefaults(m)
		}
	}
	if len(c.Remote.Types) == 0 {
		return Default().Remote.Types[0]
	}
	return withDefaults(c.Remote.Types[0])
}

func withDefaults(m content.TypeMapping) content.TypeMapping {
	if m.LocalPlural == "" {
		m.LocalPlural = m.Remote
	}
	return m
}
