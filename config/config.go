// Package config loads the server configuration: defaults, then an
// optional YAML file, then LOYALTY_* environment variables. Command-line
// flags in cmd/server are applied last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Catalog   string          `yaml:"catalog"` // JSON catalog loaded at startup, optional
	Accrual   AccrualConfig   `yaml:"accrual"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
}

type HTTPConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	DSN    string `yaml:"dsn"`
}

type AccrualConfig struct {
	NodeID     int64         `yaml:"node_id"` // snowflake node for ledger row IDs
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type SchedulerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"` // empty disables Kafka
	EventsTopic string   `yaml:"events_topic"`
	GroupID     string   `yaml:"group_id"`
	OutboxTopic string   `yaml:"outbox_topic"`
}

type RabbitMQConfig struct {
	URL   string `yaml:"url"` // empty disables RabbitMQ
	Queue string `yaml:"queue"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		HTTP:     HTTPConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "loyalty.db"},
		Accrual:  AccrualConfig{NodeID: 1, MaxRetries: 3, RetryDelay: 25 * time.Millisecond},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			Interval:  time.Hour,
			BatchSize: 500,
		},
		Kafka: KafkaConfig{
			EventsTopic: "loyalty.business-events",
			GroupID:     "loyalty-engine",
			OutboxTopic: "loyalty.domain-events",
		},
		RabbitMQ: RabbitMQConfig{Queue: "loyalty.notifications"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("LOYALTY_DB_DRIVER", &c.Database.Driver)
	str("LOYALTY_DB_DSN", &c.Database.DSN)
	str("LOYALTY_CATALOG", &c.Catalog)
	list("LOYALTY_KAFKA_BROKERS", &c.Kafka.Brokers)
	str("LOYALTY_KAFKA_EVENTS_TOPIC", &c.Kafka.EventsTopic)
	str("LOYALTY_KAFKA_GROUP_ID", &c.Kafka.GroupID)
	str("LOYALTY_KAFKA_OUTBOX_TOPIC", &c.Kafka.OutboxTopic)
	str("LOYALTY_RABBITMQ_URL", &c.RabbitMQ.URL)
	str("LOYALTY_RABBITMQ_QUEUE", &c.RabbitMQ.Queue)
	list("LOYALTY_HTTP_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)

	if v, ok := lookup("LOYALTY_HTTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup("LOYALTY_SCHEDULER_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_SCHEDULER_INTERVAL: %w", err)
		}
		c.Scheduler.Interval = d
	}
	if v, ok := lookup("LOYALTY_SCHEDULER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_SCHEDULER_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = enabled
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	case c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres":
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	case c.Database.DSN == "":
		return fmt.Errorf("database.dsn is required")
	case c.Accrual.NodeID < 0 || c.Accrual.NodeID > 1023:
		return fmt.Errorf("accrual.node_id must be within 0..1023")
	case c.Scheduler.Enabled && c.Scheduler.Interval <= 0:
		return fmt.Errorf("scheduler.interval must be positive")
	case len(c.Kafka.Brokers) > 0 && c.Kafka.EventsTopic == "" && c.Kafka.OutboxTopic == "":
		return fmt.Errorf("kafka brokers set without any topic")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
