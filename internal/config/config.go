// Package config provides configuration management for the conversational
// message dispatcher.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree for the dispatcher process.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	WhatsApp  WhatsAppConfig
	Chatwoot  ChatwootConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Admission AdmissionConfig
	Burst     BurstConfig
	Followup  FollowupConfig
	Agent     AgentConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the L3 durable PostgreSQL store configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig holds the L2 cache / queue backing store configuration.
// Host may be left empty, in which case C6 degrades to L1+L3 per the
// cache's documented degrade path.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// WhatsAppConfig holds the WhatsApp gateway transport configuration.
type WhatsAppConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	APIEndpoint   string        `mapstructure:"api_endpoint"`
	InstanceName  string        `mapstructure:"instance_name"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// Instance returns the gateway instance name, defaulting to "default"
// when unset so a missing env var doesn't produce a malformed endpoint.
func (cfg WhatsAppConfig) Instance() string {
	if cfg.InstanceName == "" {
		return "default"
	}
	return cfg.InstanceName
}

// ChatwootConfig holds the Chatwoot helpdesk transport configuration.
type ChatwootConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	AccountID     string        `mapstructure:"account_id"`
	AccessToken   string        `mapstructure:"access_token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// QueueConfig holds priority-queue and back-pressure configuration.
type QueueConfig struct {
	SoftCap           int           `mapstructure:"soft_cap"`
	RecentSetPerUser  int           `mapstructure:"recent_set_per_user"`
	LivenessThreshold time.Duration `mapstructure:"liveness_threshold"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RetryLimit        int           `mapstructure:"retry_limit"`
}

// WorkerConfig holds the dynamic worker pool's scaling parameters.
type WorkerConfig struct {
	Min                int           `mapstructure:"min"`
	Max                int           `mapstructure:"max"`
	ScaleInterval      time.Duration `mapstructure:"scale_interval"`
	ScaleCooldown      time.Duration `mapstructure:"scale_cooldown"`
	TargetLatency      time.Duration `mapstructure:"target_latency"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`
	TransportTimeout   time.Duration `mapstructure:"transport_timeout"`
	CacheTimeout       time.Duration `mapstructure:"cache_timeout"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// AdmissionConfig holds the dedup/rate-limit parameters applied before
// a message is allowed into the queue.
type AdmissionConfig struct {
	PerUserPerMinute int           `mapstructure:"per_user_per_minute"`
	PerIPPerMinute   int           `mapstructure:"per_ip_per_minute"`
	GlobalPerMinute  int           `mapstructure:"global_per_minute"`
	DedupeTTL        time.Duration `mapstructure:"dedupe_ttl"`
}

// BurstConfig holds the per-user message coalescing window parameters.
type BurstConfig struct {
	CoalesceWindow  time.Duration `mapstructure:"coalesce_window"`
	MaxCoalesceWait time.Duration `mapstructure:"max_coalesce_wait"`
}

// FollowupConfig holds the follow-up scheduler's civil-time parameters.
type FollowupConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	StartHour          int           `mapstructure:"start_hour"`
	EndHour            int           `mapstructure:"end_hour"`
	TimeZone           string        `mapstructure:"time_zone"`
	AllowedWeekdays    []int         `mapstructure:"allowed_weekdays"`
	MigrationModeUntil string        `mapstructure:"migration_mode_until"`
}

// AgentConfig configures the out-of-scope InferReply boundary.
type AgentConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from environment variables (prefix DISPATCH)
// and an optional YAML file, applying defaults and validation.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/convo-dispatcher/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Continue with environment variables if config file is not found.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")
	v.SetDefault("database.migrations_path", "internal/store/migrations")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("whatsapp.instance_name", "default")
	v.SetDefault("whatsapp.timeout", "10s")
	v.SetDefault("whatsapp.retry_attempts", 3)
	v.SetDefault("whatsapp.retry_delay", "2s")

	v.SetDefault("chatwoot.timeout", "10s")
	v.SetDefault("chatwoot.retry_attempts", 3)
	v.SetDefault("chatwoot.retry_delay", "2s")

	v.SetDefault("queue.soft_cap", 500)
	v.SetDefault("queue.recent_set_per_user", 20)
	v.SetDefault("queue.liveness_threshold", "2m")
	v.SetDefault("queue.base_backoff", "500ms")
	v.SetDefault("queue.max_backoff", "30s")
	v.SetDefault("queue.retry_limit", 3)

	v.SetDefault("worker.min", 2)
	v.SetDefault("worker.max", 8)
	v.SetDefault("worker.scale_interval", "30s")
	v.SetDefault("worker.scale_cooldown", "30s")
	v.SetDefault("worker.target_latency", "10s")
	v.SetDefault("worker.drain_timeout", "30s")
	v.SetDefault("worker.agent_timeout", "30s")
	v.SetDefault("worker.transport_timeout", "10s")
	v.SetDefault("worker.cache_timeout", "1s")
	v.SetDefault("worker.breaker_max_failures", 5)
	v.SetDefault("worker.breaker_open_timeout", "30s")

	v.SetDefault("admission.per_user_per_minute", 10)
	v.SetDefault("admission.per_ip_per_minute", 50)
	v.SetDefault("admission.global_per_minute", 1000)
	v.SetDefault("admission.dedupe_ttl", "10m")

	v.SetDefault("burst.coalesce_window", "5s")
	v.SetDefault("burst.max_coalesce_wait", "10s")

	v.SetDefault("followup.tick_interval", "30s")
	v.SetDefault("followup.start_hour", 9)
	v.SetDefault("followup.end_hour", 21)
	v.SetDefault("followup.time_zone", "America/Argentina/Cordoba")
	v.SetDefault("followup.allowed_weekdays", []int{1, 2, 3, 4, 5, 6})

	v.SetDefault("agent.timeout", "30s")
}

// validate checks if all required configuration values are present and valid.
func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database user is required")
	}

	if cfg.WhatsApp.APIKey == "" {
		return fmt.Errorf("WhatsApp API key is required")
	}
	if cfg.WhatsApp.APIEndpoint == "" {
		return fmt.Errorf("WhatsApp API endpoint is required")
	}

	if cfg.Chatwoot.BaseURL == "" {
		return fmt.Errorf("Chatwoot base URL is required")
	}
	if cfg.Chatwoot.AccessToken == "" {
		return fmt.Errorf("Chatwoot access token is required")
	}

	if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("invalid Redis port: %d", cfg.Redis.Port)
	}

	if cfg.Worker.Min <= 0 || cfg.Worker.Max < cfg.Worker.Min {
		return fmt.Errorf("invalid worker pool bounds: min=%d max=%d", cfg.Worker.Min, cfg.Worker.Max)
	}

	if cfg.Burst.MaxCoalesceWait < cfg.Burst.CoalesceWindow {
		return fmt.Errorf("max_coalesce_wait must be >= coalesce_window")
	}

	if cfg.Followup.StartHour < 0 || cfg.Followup.EndHour > 24 || cfg.Followup.StartHour >= cfg.Followup.EndHour {
		return fmt.Errorf("invalid followup hour window: %d..%d", cfg.Followup.StartHour, cfg.Followup.EndHour)
	}
	if _, err := time.LoadLocation(cfg.Followup.TimeZone); err != nil {
		return fmt.Errorf("invalid followup time zone %q: %w", cfg.Followup.TimeZone, err)
	}
	if cfg.Followup.MigrationModeUntil != "" {
		if _, err := time.Parse(time.RFC3339, cfg.Followup.MigrationModeUntil); err != nil {
			return fmt.Errorf("invalid followup.migration_mode_until: %w", err)
		}
	}

	return nil
}

// MigrationModeUntilTime parses MigrationModeUntil, returning the zero
// time if unset.
func (cfg *Config) MigrationModeUntilTime() (time.Time, error) {
	if cfg.Followup.MigrationModeUntil == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, cfg.Followup.MigrationModeUntil)
}

// DSN builds the PostgreSQL connection string for database/sql + lib/pq.
func (cfg *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)
}

// Addr builds the Redis connection address for go-redis.
func (cfg *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
