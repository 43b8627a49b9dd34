package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Mailer     MailerConfig     `mapstructure:"mailer"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Events     EventsConfig     `mapstructure:"events"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicBaseURL is the externally reachable origin used in tracking links.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type ClickHouseConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	DatabaseConfig `mapstructure:",squash"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	EventsTopic    string   `mapstructure:"events_topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type QueueConfig struct {
	Driver      string `mapstructure:"driver"` // memory | redis | mysql
	Name        string `mapstructure:"name"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type WorkerConfig struct {
	// Embedded runs the delivery worker inside `serve`.
	Embedded          bool          `mapstructure:"embedded"`
	Pollers           int           `mapstructure:"pollers"`
	BatchSize         int           `mapstructure:"batch_size"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	// MaxDeliveries dead-letters an item after this many deliveries; 0 retries forever.
	MaxDeliveries int `mapstructure:"max_deliveries"`
}

type MailerConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type SMTPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	From               string `mapstructure:"from"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Kind      string        `mapstructure:"kind"` // smtp | http
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	Token     string        `mapstructure:"token"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	SMTP      SMTPConfig    `mapstructure:"smtp"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type RateLimitConfig struct {
	RPS         int `mapstructure:"rps"`
	TrackingRPS int `mapstructure:"tracking_rps"`
}

type AdminConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

type EventsConfig struct {
	Log        bool `mapstructure:"log"`
	Kafka      bool `mapstructure:"kafka"`
	ClickHouse bool `mapstructure:"clickhouse"`
}

// Load reads embedded defaults, merges user YAML (if present), and applies env overrides (CMAILER_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
	}

	// env override (CMAILER_WORKER_BATCH_SIZE -> worker.batch_size)
	v.SetEnvPrefix("CMAILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Queue.Driver {
	case "memory", "redis", "mysql":
	default:
		return fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver)
	}
	if c.Worker.BatchSize <= 0 {
		return errors.New("worker.batch_size must be > 0")
	}
	if c.Worker.VisibilityTimeout <= 0 || c.Worker.PollInterval <= 0 {
		return errors.New("worker.visibility_timeout and worker.poll_interval must be > 0")
	}
	if c.Worker.MaxDeliveries < 0 {
		return errors.New("worker.max_deliveries must be >= 0")
	}
	for _, p := range c.Providers {
		if p.Kind != "smtp" && p.Kind != "http" {
			return fmt.Errorf("providers[%s].kind: unknown kind %q", p.Name, p.Kind)
		}
	}
	if c.Events.ClickHouse && !c.ClickHouse.Enabled {
		return errors.New("events.clickhouse requires clickhouse.enabled")
	}
	return nil
}
