// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaConsumerGroup string   `mapstructure:"KAFKA_CONSUMER_GROUP"`

	OTLPEndpoint string  `mapstructure:"OTLP_ENDPOINT"`
	SampleRate   float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	APIKeys []string `mapstructure:"API_KEYS"`

	RemittanceWorkers   int     `mapstructure:"REMITTANCE_WORKERS"`
	RemittanceQueueSize int     `mapstructure:"REMITTANCE_QUEUE_SIZE"`
	HighValueThreshold  float64 `mapstructure:"HIGH_VALUE_THRESHOLD"`

	EligibilityURL     string        `mapstructure:"ELIGIBILITY_URL"`
	EligibilityAPIKey  string        `mapstructure:"ELIGIBILITY_API_KEY"`
	EligibilityTimeout time.Duration `mapstructure:"ELIGIBILITY_TIMEOUT"`
	ProviderName       string        `mapstructure:"PROVIDER_NAME"`
	ProviderNPI        string        `mapstructure:"PROVIDER_NPI"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_NAME",
	"DATABASE_URL", "DB_MAX_CONNS",
	"KAFKA_BROKERS", "KAFKA_CONSUMER_GROUP",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"API_KEYS",
	"REMITTANCE_WORKERS", "REMITTANCE_QUEUE_SIZE", "HIGH_VALUE_THRESHOLD",
	"ELIGIBILITY_URL", "ELIGIBILITY_API_KEY", "ELIGIBILITY_TIMEOUT", "PROVIDER_NAME", "PROVIDER_NPI",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", "claims-server")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_CONSUMER_GROUP", "claims-server")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("REMITTANCE_WORKERS", 16)
	v.SetDefault("REMITTANCE_QUEUE_SIZE", 1024)
	v.SetDefault("HIGH_VALUE_THRESHOLD", 50000)
	v.SetDefault("ELIGIBILITY_TIMEOUT", "10s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// comma-separated env values arrive as a single element
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.APIKeys = splitList(cfg.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings that would otherwise fail later at runtime
func (c *Config) Validate() error {
	if c.RemittanceWorkers <= 0 {
		return fmt.Errorf("REMITTANCE_WORKERS must be positive, got %d", c.RemittanceWorkers)
	}
	if c.HighValueThreshold <= 0 {
		return fmt.Errorf("HIGH_VALUE_THRESHOLD must be positive, got %v", c.HighValueThreshold)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.SampleRate)
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Persistent reports whether a database is configured. Without one the
// server runs on the in-memory store only.
func (c *Config) Persistent() bool {
	return c.DatabaseURL != ""
}

// APIKeyClients maps each configured key to a client name. Entries may be
// "key" or "key:client".
func (c *Config) APIKeyClients() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for i, entry := range c.APIKeys {
		key, client, ok := strings.Cut(entry, ":")
		if !ok {
			client = fmt.Sprintf("client-%d", i+1)
		}
		out[key] = client
	}
	return out
}
