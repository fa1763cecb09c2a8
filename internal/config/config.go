package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	Sync struct {
		UserID             string        `yaml:"user_id"`
		MutationTimeout    time.Duration `yaml:"mutation_timeout"`
		RetryInitial       time.Duration `yaml:"retry_initial"`
		FeedInitialBackoff time.Duration `yaml:"feed_initial_backoff"`
		FeedMaxBackoff     time.Duration `yaml:"feed_max_backoff"`
		StatusTTL          time.Duration `yaml:"status_ttl"`
		TypingTTL          time.Duration `yaml:"typing_ttl"`
		NotificationLimit  int           `yaml:"notification_limit"`
	} `yaml:"sync"`

	Remote struct {
		Driver   string `yaml:"driver"` // postgres | mongo | memory
		Postgres struct {
			DSN          string        `yaml:"dsn"`
			PollInterval time.Duration `yaml:"poll_interval"`
		} `yaml:"postgres"`
		Mongo struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
	} `yaml:"remote"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty keeps presence local
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	AMQP struct {
		URL             string `yaml:"url"`
		Exchange        string `yaml:"exchange"`
		AuditRoutingKey string `yaml:"audit_routing_key"`
	} `yaml:"amqp"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	HTTP struct {
		Port        string `yaml:"port"`
		MetricsPath string `yaml:"metrics_path"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"http"`

	GRPC struct {
		Port string `yaml:"port"`
	} `yaml:"grpc"`

	Tracing struct {
		Endpoint string `yaml:"endpoint"` // empty disables export
		Service  string `yaml:"service"`
	} `yaml:"tracing"`
}

// Load reads comma-separated YAML files in order, then applies environment
// overrides and defaults. An empty path uses only the environment.
func Load(pathList string) (*Config, error) {
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
	}

	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("APP_ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Sync.UserID = getEnv("SYNC_USER_ID", c.Sync.UserID)
	c.Remote.Driver = getEnv("SYNC_DRIVER", c.Remote.Driver)
	c.Remote.Postgres.DSN = getEnv("DB_DSN", c.Remote.Postgres.DSN)
	c.Remote.Mongo.URI = getEnv("MONGO_URI", c.Remote.Mongo.URI)
	c.Remote.Mongo.Database = getEnv("MONGO_DATABASE", c.Remote.Mongo.Database)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.AMQP.URL = getEnv("AMQP_URL", c.AMQP.URL)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.GRPC.Port = getEnv("GRPC_PORT", c.GRPC.Port)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	if v, err := strconv.ParseBool(getEnv("DEBUG_ROUTES", "")); err == nil {
		c.HTTP.Debug = v
	}
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sync.MutationTimeout <= 0 {
		c.Sync.MutationTimeout = 10 * time.Second
	}
	if c.Sync.RetryInitial <= 0 {
		c.Sync.RetryInitial = 200 * time.Millisecond
	}
	if c.Sync.FeedInitialBackoff <= 0 {
		c.Sync.FeedInitialBackoff = 500 * time.Millisecond
	}
	if c.Sync.FeedMaxBackoff <= 0 {
		c.Sync.FeedMaxBackoff = 30 * time.Second
	}
	if c.Sync.StatusTTL <= 0 {
		c.Sync.StatusTTL = 60 * time.Second
	}
	if c.Sync.TypingTTL <= 0 {
		c.Sync.TypingTTL = 30 * time.Second
	}
	if c.Sync.NotificationLimit <= 0 {
		c.Sync.NotificationLimit = 50
	}
	if c.Remote.Driver == "" {
		c.Remote.Driver = DriverPostgres
	}
	if c.Remote.Postgres.PollInterval <= 0 {
		c.Remote.Postgres.PollInterval = 5 * time.Second
	}
	if c.Remote.Mongo.Database == "" {
		c.Remote.Mongo.Database = "chat"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "presence"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "chat-sync.events"
	}
	if c.AMQP.AuditRoutingKey == "" {
		c.AMQP.AuditRoutingKey = "audit.sync"
	}
	if c.HTTP.Port == "" {
		c.HTTP.Port = "8083"
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = "/metrics"
	}
	if c.GRPC.Port == "" {
		c.GRPC.Port = "9083"
	}
	if c.Tracing.Service == "" {
		c.Tracing.Service = "chat-sync"
	}
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverPostgres:
		if c.Remote.Postgres.DSN == "" {
			return errors.New("config: remote.postgres.dsn is required for the postgres driver")
		}
	case DriverMongo:
		if c.Remote.Mongo.URI == "" {
			return errors.New("config: remote.mongo.uri is required for the mongo driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown remote driver %q", c.Remote.Driver)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
