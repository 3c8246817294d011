// Package config loads hl7relay configuration from a YAML file and
// HL7RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/internal/infrastructure/postgres"
	"github.com/vpms/hl7relay/internal/infrastructure/redpanda"
	"github.com/vpms/hl7relay/internal/observability/tracing"
	"github.com/vpms/hl7relay/internal/receive"
	"github.com/vpms/hl7relay/pkg/circuitbreaker"
	"github.com/vpms/hl7relay/pkg/idempotency"
)

// EnvPrefix prefixes every environment override, e.g. HL7RELAY_DATABASE_URL.
const EnvPrefix = "HL7RELAY"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	HTTP           HTTPConfig               `mapstructure:"http"`
	Log            LogConfig                `mapstructure:"log"`
	Store          string                   `mapstructure:"store"`
	Database       postgres.PoolConfig      `mapstructure:"database"`
	Retention      postgres.RetentionConfig `mapstructure:"retention"`
	Kafka          KafkaConfig              `mapstructure:"kafka"`
	Dispatch       dispatch.Config          `mapstructure:"dispatch"`
	Receive        receive.Config           `mapstructure:"receive"`
	Inbox          idempotency.InboxConfig  `mapstructure:"inbox"`
	CircuitBreaker circuitbreaker.Config    `mapstructure:"circuit_breaker"`
	Tracing        tracing.Config           `mapstructure:"tracing"`
	// APIKeys maps client IDs to their keys. Keys are values so their case
	// survives viper's key normalization.
	APIKeys    map[string]string     `mapstructure:"api_keys"`
	Connectors []connector.Connector `mapstructure:"connectors"`
}

// HTTPConfig configures the admin API server
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures zap
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// KafkaConfig configures the optional Redpanda integration
type KafkaConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Brokers, when set, overrides the producer and consumer broker lists
	Brokers []string `mapstructure:"brokers"`
	// ConsumeRequests enables the outbound request consumer
	ConsumeRequests bool `mapstructure:"consume_requests"`
	// UseOutbox routes published events through the postgres outbox when
	// the postgres store is used
	UseOutbox bool                    `mapstructure:"use_outbox"`
	Outbox    postgres.OutboxConfig   `mapstructure:"outbox"`
	Producer  redpanda.ProducerConfig `mapstructure:"producer"`
	Consumer  redpanda.ConsumerConfig `mapstructure:"consumer"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log:       LogConfig{Level: "info"},
		Store:     StorePostgres,
		Database:  postgres.DefaultPoolConfig(),
		Retention: postgres.DefaultRetentionConfig(),
		Kafka: KafkaConfig{
			UseOutbox: true,
			Outbox:    postgres.DefaultOutboxConfig(),
			Producer:  redpanda.DefaultProducerConfig(),
			Consumer:  redpanda.DefaultConsumerConfig(),
		},
		Dispatch:       dispatch.DefaultConfig(),
		Receive:        receive.DefaultConfig(),
		Inbox:          idempotency.DefaultInboxConfig(),
		CircuitBreaker: circuitbreaker.DefaultConfig(""),
		Tracing:        tracing.DefaultConfig("hl7relay"),
	}
}

// envKeys may be set through the environment without a config file entry.
var envKeys = []string{
	"http.addr",
	"log.level",
	"log.development",
	"store",
	"database.url",
	"database.max_conns",
	"kafka.enabled",
	"kafka.brokers",
	"kafka.consume_requests",
	"dispatch.retry_delay",
	"dispatch.transport_retry_delay",
	"tracing.enabled",
	"tracing.otlp_endpoint",
	"tracing.environment",
}

// Load reads path, or hl7relay.yaml from the working directory or
// /etc/hl7relay when path is empty, and applies environment overrides.
// A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("hl7relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hl7relay")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyBrokers()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyBrokers() {
	if len(c.Kafka.Brokers) == 0 {
		return
	}
	c.Kafka.Producer.Brokers = c.Kafka.Brokers
	c.Kafka.Consumer.Brokers = c.Kafka.Brokers
}

// Validate checks that the configuration can be run.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}
	if c.Kafka.Enabled && len(c.Kafka.Producer.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.Dispatch.RetryDelay < 0 || c.Dispatch.TransportRetryDelay < 0 {
		return errors.New("dispatch retry delays must not be negative")
	}

	seen := make(map[string]bool, len(c.Connectors))
	for _, conn := range c.Connectors {
		if err := conn.Validate(); err != nil {
			return fmt.Errorf("invalid connector: %w", err)
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connector %s", conn.ID)
		}
		seen[conn.ID] = true
	}

	keys := make(map[string]bool, len(c.APIKeys))
	for client, key := range c.APIKeys {
		if key == "" {
			return fmt.Errorf("api key for %s is empty", client)
		}
		if keys[key] {
			return fmt.Errorf("api key for %s is already assigned", client)
		}
		keys[key] = true
	}
	return nil
}

// APIKeyMap returns the API keys keyed by key, as the auth middleware
// expects.
func (c *Config) APIKeyMap() map[string]string {
	m := make(map[string]string, len(c.APIKeys))
	for client, key := range c.APIKeys {
		m[key] = client
	}
	return m
}
