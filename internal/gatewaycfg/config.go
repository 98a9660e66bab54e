package gatewaycfg

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Listen            string   `yaml:"listen"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	MaxMessageBytes   int64    `yaml:"max_message_bytes"`
	ReadTimeoutMs     int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int      `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int      `yaml:"shutdown_timeout_ms"`
}

// KafkaConfig is the explicit consumer configuration record. Every knob the
// pool and the reconnect supervisor consult lives here; there are no ad-hoc
// per-consumer option bags.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Group          string   `yaml:"group"`
	JobTopicPrefix string   `yaml:"job_topic_prefix"`
	AssignStrategy string   `yaml:"assign_strategy"`

	PauseThreshold       int `yaml:"pause_threshold"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	BackoffBaseMs        int `yaml:"backoff_base_ms"`
	BackoffCapMs         int `yaml:"backoff_cap_ms"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerCooldownMs       int `yaml:"breaker_cooldown_ms"`

	DialTimeoutMs    int   `yaml:"dial_timeout_ms"`
	SessionTimeoutMs int   `yaml:"session_timeout_ms"`
	FetchMaxBytes    int32 `yaml:"fetch_max_bytes"`
}

type PostgresConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DSN               string `yaml:"dsn"`
	MaxConns          int    `yaml:"max_conns"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// TTL for cached job ownership lookups
	OwnerCacheTTLSeconds int `yaml:"owner_cache_ttl_seconds"`
}

type AuthConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	KeyID    string `yaml:"key_id"`
	// Base64 (raw) Ed25519 keys; private optional (only needed to issue tokens)
	PublicKeys map[string]string `yaml:"public_keys"`
	PrivateKey string            `yaml:"private_key"`
	// kid -> OpenSSH public key lines
	PublicKeysSSH map[string]string `yaml:"public_keys_ssh"`
	// Directory of <kid>.pub files reloaded on change (key rotation)
	KeyDir      string `yaml:"key_dir"`
	SkewSeconds int    `yaml:"skew_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Buffer int    `yaml:"buffer"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	// Env overrides for secrets
	if v := os.Getenv("GATEWAY_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("GATEWAY_PG_DSN_FILE"); v != "" {
		if b, err := os.ReadFile(v); err == nil {
			cfg.Postgres.DSN = strings.TrimSpace(string(b))
		}
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD_FILE"); v != "" {
		if b, err := os.ReadFile(v); err == nil {
			cfg.Redis.Password = strings.TrimSpace(string(b))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":7700"
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1 << 16
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 30000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 5000
	}
	if c.Server.ShutdownTimeoutMs == 0 {
		c.Server.ShutdownTimeoutMs = 5000
	}
	if c.Kafka.Group == "" {
		c.Kafka.Group = "stream-gateway"
	}
	if c.Kafka.JobTopicPrefix == "" {
		c.Kafka.JobTopicPrefix = "jobs."
	}
	if c.Kafka.PauseThreshold <= 0 {
		c.Kafka.PauseThreshold = 500
	}
	if c.Kafka.MaxReconnectAttempts <= 0 {
		c.Kafka.MaxReconnectAttempts = 5
	}
	if c.Kafka.BackoffBaseMs <= 0 {
		c.Kafka.BackoffBaseMs = 500
	}
	if c.Kafka.BackoffCapMs <= 0 {
		c.Kafka.BackoffCapMs = 15000
	}
	if c.Kafka.BreakerFailureThreshold <= 0 {
		c.Kafka.BreakerFailureThreshold = 3
	}
	if c.Kafka.BreakerCooldownMs <= 0 {
		c.Kafka.BreakerCooldownMs = 30000
	}
	if c.Kafka.DialTimeoutMs <= 0 {
		c.Kafka.DialTimeoutMs = 10000
	}
	if c.Kafka.SessionTimeoutMs <= 0 {
		c.Kafka.SessionTimeoutMs = 30000
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		c.Kafka.FetchMaxBytes = 10 << 20
	}
	if c.Redis.OwnerCacheTTLSeconds <= 0 {
		c.Redis.OwnerCacheTTLSeconds = 300
	}
	if c.Auth.SkewSeconds <= 0 {
		c.Auth.SkewSeconds = 60
	}
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must not be empty")
	}
	if c.Kafka.BackoffBaseMs > c.Kafka.BackoffCapMs {
		return fmt.Errorf("kafka.backoff_base_ms %d exceeds backoff_cap_ms %d", c.Kafka.BackoffBaseMs, c.Kafka.BackoffCapMs)
	}
	if len(c.Auth.PublicKeys) == 0 && len(c.Auth.PublicKeysSSH) == 0 && c.Auth.KeyDir == "" {
		return errors.New("auth: at least one verify key source required")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s group=%s", c.Server.Listen, c.Kafka.Group)
}
