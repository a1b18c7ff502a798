package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig                 `mapstructure:"server"`
	Storage      StorageConfig                `mapstructure:"storage"`
	Sync         SyncConfig                   `mapstructure:"sync"`
	Delivery     DeliveryConfig               `mapstructure:"delivery"`
	Marketplaces map[string]MarketplaceConfig `mapstructure:"marketplaces"`
	Logging      LoggingConfig                `mapstructure:"logging"`
	Retention    RetentionConfig              `mapstructure:"retention"`
	Metrics      MetricsConfig                `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type SyncConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Jitter        float64       `mapstructure:"jitter"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type DeliveryConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            float64       `mapstructure:"jitter"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StuckTimeout      time.Duration `mapstructure:"stuck_timeout"`
	ResponseBodyLimit int           `mapstructure:"response_body_limit"`
	UserAgent         string        `mapstructure:"user_agent"`
}

type MarketplaceConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	DeliveryTTL     time.Duration `mapstructure:"delivery_ttl"`
	NotificationTTL time.Duration `mapstructure:"notification_ttl"`
	Interval        time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meschain-sync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/meschain-sync")
	}

	setDefaults(v)

	v.SetEnvPrefix("MESCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/meschain-sync.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 20)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("sync.workers", 8)
	v.SetDefault("sync.queue_size", 1024)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.base_delay", 2*time.Second)
	v.SetDefault("sync.max_delay", 5*time.Minute)
	v.SetDefault("sync.jitter", 0.2)
	v.SetDefault("sync.call_timeout", 10*time.Second)
	v.SetDefault("sync.sweep_interval", 30*time.Second)
	v.SetDefault("sync.stale_after", 2*time.Minute)

	v.SetDefault("delivery.workers", 16)
	v.SetDefault("delivery.queue_size", 4096)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.base_delay", 5*time.Second)
	v.SetDefault("delivery.max_delay", 30*time.Minute)
	v.SetDefault("delivery.jitter", 0.2)
	v.SetDefault("delivery.breaker_threshold", 10)
	v.SetDefault("delivery.sweep_interval", time.Second)
	v.SetDefault("delivery.stuck_timeout", time.Minute)
	v.SetDefault("delivery.response_body_limit", 1024)
	v.SetDefault("delivery.user_agent", "MesChain-Sync/1.0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("retention.delivery_ttl", 30*24*time.Hour)
	v.SetDefault("retention.notification_ttl", 30*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
