package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Mimir        MimirConfig
	Scheduler    SchedulerConfig
	Outbox       OutboxConfig
	Integrations IntegrationsConfig
	HTTP         HTTPConfig
	Mail         MailConfig
	Windows      WindowsConfig
}

type ServerConfig struct {
	Port      string
	Mode      string
	JWTSecret string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
	AutoMigrate    bool
}

type RedisConfig struct {
	URL         string
	SettingsTTL time.Duration
	LockTTL     time.Duration
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

type SchedulerConfig struct {
	WorkerCount int
	Interval    time.Duration
}

type OutboxConfig struct {
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
	ClaimTimeout time.Duration
}

type IntegrationsConfig struct {
	BatchSize     int
	MaxAttempts   int
	RatePerSecond float64
	Burst         int
}

type HTTPConfig struct {
	Timeout time.Duration
}

type MailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type WindowsConfig struct {
	TimeZone string
}

// Location resolves the zone used to align calendar windows.
func (w WindowsConfig) Location() *time.Location {
	if w.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.maxconnections", 25)
	v.SetDefault("database.maxidleconns", 5)
	v.SetDefault("database.automigrate", true)
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.settingsttl", "5m")
	v.SetDefault("redis.lockttl", "2m")
	v.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	v.SetDefault("mimir.batchsize", 1000)
	v.SetDefault("mimir.flushinterval", "30s")
	v.SetDefault("scheduler.workercount", 4)
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("outbox.batchsize", 100)
	v.SetDefault("outbox.maxattempts", 6)
	v.SetDefault("outbox.pollinterval", "15s")
	v.SetDefault("outbox.claimtimeout", "5m")
	v.SetDefault("integrations.batchsize", 100)
	v.SetDefault("integrations.maxattempts", 10)
	v.SetDefault("integrations.ratepersecond", 5)
	v.SetDefault("integrations.burst", 10)
	v.SetDefault("http.timeout", "10s")
	v.SetDefault("mail.port", 587)
	v.SetDefault("windows.timezone", "UTC")
}
