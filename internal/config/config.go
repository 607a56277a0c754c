// Package config provides configuration management for gnt-shepherd.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, BACKEND_TIMEOUT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure shared by every binary.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Bus       BusConfig       `mapstructure:"bus"`
	Eventd    EventdConfig    `mapstructure:"eventd"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// ServerConfig contains ops HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AllowedOrigins lists the CORS origins of the VM API. Empty means
	// localhost only.
	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	AllowCredentials      bool     `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool     `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pgxpool is shared by the store, the quota holder and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	// ConnectRetries bounds the startup connect loop.
	ConnectRetries int `mapstructure:"connect_retries"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	BackendPoolSize int `mapstructure:"backend_pool_size"`
}

// BackendConfig describes the Ganeti cluster the control plane drives.
type BackendConfig struct {
	RAPIURL            string        `mapstructure:"rapi_url"`
	RAPIUser           string        `mapstructure:"rapi_user"`
	RAPIPassword       string        `mapstructure:"rapi_password"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InstancePrefix     string        `mapstructure:"instance_prefix"`
	Hotplug            bool          `mapstructure:"hotplug"`
	DiskTemplate       string        `mapstructure:"disk_template"`
	OS                 string        `mapstructure:"os"`
}

// BusConfig contains message bus settings.
type BusConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	ClientName string `mapstructure:"client_name"`
}

// Subject returns the NATS subject notifications travel on.
func (c BusConfig) Subject() string {
	return c.Exchange + "." + c.RoutingKey
}

// EventdConfig contains queue watcher settings.
type EventdConfig struct {
	QueueDir    string `mapstructure:"queue_dir"`
	JobPrefix   string `mapstructure:"job_prefix"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// QuotaConfig contains the local quota holder settings.
type QuotaConfig struct {
	// DefaultLimits applies to holders without an explicit limit row.
	// A missing resource is unlimited.
	DefaultLimits map[string]int64 `mapstructure:"default_limits"`
}

// ReconcileConfig contains reconciliation and sweep settings.
type ReconcileConfig struct {
	StaleTaskAfter time.Duration `mapstructure:"stale_task_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables use standard names without a prefix (DATABASE_URL, BUS_URL, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/gnt-shepherd")

	// Maps nested config: backend.rapi_url → BACKEND_RAPI_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors shared by all binaries.
func (c *Config) Validate() error {
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Backend.InstancePrefix == "" {
		return fmt.Errorf("backend.instance_prefix must not be empty")
	}
	if c.Bus.Exchange == "" || c.Bus.RoutingKey == "" {
		return fmt.Errorf("bus.exchange and bus.routing_key must not be empty")
	}
	if c.Eventd.JobPrefix == "" {
		return fmt.Errorf("eventd.job_prefix must not be empty")
	}
	for resource, limit := range c.Quota.DefaultLimits {
		if limit < 0 {
			return fmt.Errorf("quota.default_limits.%s must not be negative", resource)
		}
	}
	return nil
}

// ValidateBackend checks the settings needed by binaries that talk to the cluster.
func (c *Config) ValidateBackend() error {
	if c.Backend.RAPIURL == "" {
		return fmt.Errorf("backend.rapi_url must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allow_credentials", true)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "shepherd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "shepherd")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.backend_pool_size", 50)

	// Backend
	v.SetDefault("backend.rapi_url", "")
	v.SetDefault("backend.rapi_user", "")
	v.SetDefault("backend.rapi_password", "")
	v.SetDefault("backend.insecure_skip_verify", false)
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.instance_prefix", "snf-")
	v.SetDefault("backend.hotplug", false)
	v.SetDefault("backend.disk_template", "plain")
	v.SetDefault("backend.os", "snf-image+default")

	// Bus
	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.exchange", "ganeti")
	v.SetDefault("bus.routing_key", "importer")
	v.SetDefault("bus.client_name", "gnt-shepherd")

	// Eventd
	v.SetDefault("eventd.queue_dir", "/var/lib/ganeti/queue")
	v.SetDefault("eventd.job_prefix", "job-")
	v.SetDefault("eventd.metrics_addr", ":9101")

	// Reconcile
	v.SetDefault("reconcile.stale_task_after", "1h")
	v.SetDefault("reconcile.sweep_interval", "1h")
}
