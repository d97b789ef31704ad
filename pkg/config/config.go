package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"RateFusion/pkg/util"
)

const (
	BackendClickHouse = "clickhouse"
	BackendPostgres   = "postgres"
	BackendKafka      = "kafka"

	TransportHTTP      = "http"
	TransportWebSocket = "websocket"

	EnvProduction = "production"
)

type Config struct {
	Environment string `yaml:"environment" toml:"environment" default:"development" validate:"required,oneof=development staging production"`

	Log struct {
		Level  string `yaml:"level" toml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" toml:"format" default:"json" validate:"oneof=json console"`
		Output string `yaml:"output" toml:"output" default:"stdout"`
		// Error digests are published to this Kafka topic when set.
		DigestTopic    string        `yaml:"digest_topic" toml:"digest_topic"`
		DigestInterval time.Duration `yaml:"digest_interval" toml:"digest_interval" default:"1m"`
	} `yaml:"log" toml:"log"`

	Server struct {
		Port            int           `yaml:"port" toml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" default:"15s"`
		RateLimit       struct {
			Requests int           `yaml:"requests" toml:"requests" default:"100" validate:"min=1"`
			Per      time.Duration `yaml:"per" toml:"per" default:"1m"`
			Burst    int           `yaml:"burst" toml:"burst" default:"20" validate:"min=1"`
		} `yaml:"rate_limit" toml:"rate_limit"`
	} `yaml:"server" toml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" toml:"enabled"`
		Path    string `yaml:"path" toml:"path" default:"/metrics"`
	} `yaml:"metrics" toml:"metrics"`

	Scheduler struct {
		PollInterval          time.Duration `yaml:"poll_interval" toml:"poll_interval" default:"30s"`
		MaxErrors             int           `yaml:"max_errors" toml:"max_errors" default:"3" validate:"min=1"`
		MaxBackoff            time.Duration `yaml:"max_backoff" toml:"max_backoff" default:"60m"`
		HealthInterval        time.Duration `yaml:"health_interval" toml:"health_interval" default:"5m"`
		HealthProbeTimeout    time.Duration `yaml:"health_probe_timeout" toml:"health_probe_timeout" default:"5s"`
		CleanupInterval       time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval" default:"60m"`
		Retention             time.Duration `yaml:"retention" toml:"retention" default:"2160h"`
		SystemMetrics         bool          `yaml:"system_metrics" toml:"system_metrics"`
		SystemMetricsInterval time.Duration `yaml:"system_metrics_interval" toml:"system_metrics_interval" default:"10m"`
	} `yaml:"scheduler" toml:"scheduler"`

	Backend struct {
		Type string `yaml:"type" toml:"type" default:"clickhouse" validate:"oneof=clickhouse postgres kafka"`
	} `yaml:"backend" toml:"backend"`

	Cache struct {
		TTL           time.Duration `yaml:"ttl" toml:"ttl" default:"300s"`
		MemoryMaxSize int           `yaml:"memory_max_size" toml:"memory_max_size" default:"1000"`
		Redis         struct {
			Enabled  bool   `yaml:"enabled" toml:"enabled"`
			Addr     string `yaml:"addr" toml:"addr" default:"localhost:6379"`
			Password string `yaml:"password" toml:"password"`
			DB       int    `yaml:"db" toml:"db"`
			Prefix   string `yaml:"prefix" toml:"prefix" default:"ratefusion"`

			PoolSize     int           `yaml:"pool_size" toml:"pool_size" default:"10" validate:"gte=1"`
			MinIdleConns int           `yaml:"min_idle_conns" toml:"min_idle_conns" default:"2" validate:"gte=0"`
			PoolTimeout  time.Duration `yaml:"pool_timeout" toml:"pool_timeout" default:"30s"`
		} `yaml:"redis" toml:"redis"`
	} `yaml:"cache" toml:"cache"`

	Sources     []SourceConfig     `yaml:"sources" toml:"sources" validate:"required,min=1,dive"`
	Normalizers []NormalizerConfig `yaml:"normalizers" toml:"normalizers" validate:"required,min=1,dive"`
	Feeds       []FeedConfig       `yaml:"feeds" toml:"feeds" validate:"required,min=1,dive"`

	Kafka struct {
		Brokers      []string `yaml:"brokers" toml:"brokers"`
		Topic        string   `yaml:"topic" toml:"topic" default:"ratefusion.consensus"`
		RequiredAcks int      `yaml:"required_acks" toml:"required_acks" default:"1"`
		Compression  string   `yaml:"compression" toml:"compression" default:"snappy"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" toml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" toml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" toml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async" toml:"async"`
		} `yaml:"producer" toml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled" toml:"enabled"`
			GroupID    string        `yaml:"group_id" toml:"group_id" default:"ratefusion-archiver"`
			Workers    int           `yaml:"workers" toml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" toml:"buffer_size" default:"256"`
			RetryMax   int           `yaml:"retry_max" toml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" toml:"backoff_min" default:"200ms"`
			BackoffMax time.Duration `yaml:"backoff_max" toml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic" toml:"dlq_topic" default:"ratefusion.consensus.dlq"`
			MinBytes   int           `yaml:"min_bytes" toml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" toml:"max_bytes" default:"10485760"`
		} `yaml:"consumer" toml:"consumer"`
	} `yaml:"kafka" toml:"kafka"`

	ClickHouse struct {
		Host             string        `yaml:"host" toml:"host" default:"localhost"`
		Port             int           `yaml:"port" toml:"port" default:"9000"`
		Database         string        `yaml:"database" toml:"database" default:"ratefusion"`
		User             string        `yaml:"user" toml:"user" default:"default"`
		Password         string        `yaml:"password" toml:"password"`
		Table            string        `yaml:"table" toml:"table" default:"consensus_results"`
		UseHTTP          bool          `yaml:"use_http" toml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert" toml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert" toml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" toml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" toml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" toml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" toml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse" toml:"clickhouse"`

	Postgres struct {
		Host     string `yaml:"host" toml:"host" default:"localhost"`
		Port     int    `yaml:"port" toml:"port" default:"5432"`
		Database string `yaml:"database" toml:"database" default:"ratefusion"`
		User     string `yaml:"user" toml:"user" default:"postgres"`
		Password string `yaml:"password" toml:"password"`
		SSLMode  string `yaml:"sslmode" toml:"sslmode" default:"disable"`
		MinConns int32  `yaml:"min_conns" toml:"min_conns" default:"1"`
		MaxConns int32  `yaml:"max_conns" toml:"max_conns" default:"5"`
	} `yaml:"postgres" toml:"postgres"`
}

// SourceConfig describes one external rate source and how to read it.
type SourceConfig struct {
	ID         string            `yaml:"id" toml:"id" validate:"required"`
	Transport  string            `yaml:"transport" toml:"transport" default:"http" validate:"oneof=http websocket"`
	URL        string            `yaml:"url" toml:"url" validate:"required,url"`
	Method     string            `yaml:"method" toml:"method" default:"GET"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
	Query      map[string]string `yaml:"query" toml:"query"`
	Timeout    time.Duration     `yaml:"timeout" toml:"timeout" default:"10s"`
	Subscribe  string            `yaml:"subscribe" toml:"subscribe"`
	Normalizer string            `yaml:"normalizer" toml:"normalizer" validate:"required"`
	UserAgent  string            `yaml:"user_agent" toml:"user_agent"`
	// MaxBody caps how many response bytes are read; 0 keeps the client default.
	MaxBody int64 `yaml:"max_body" toml:"max_body" validate:"gte=0"`
}

// NormalizerConfig maps one payload shape onto rate records.
// With Items set the payload is an array (or holds one at that path) and each element is
// matched by the value found at Key; otherwise paths are read from the document root.
type NormalizerConfig struct {
	ID           string             `yaml:"id" toml:"id" validate:"required"`
	Items        string             `yaml:"items" toml:"items"`
	Key          string             `yaml:"key" toml:"key" validate:"required_with=Items"`
	DecimalComma bool               `yaml:"decimal_comma" toml:"decimal_comma"`
	CapturedAt   string             `yaml:"captured_at" toml:"captured_at"`
	Indicators   []IndicatorMapping `yaml:"indicators" toml:"indicators" validate:"required,min=1,dive"`
}

type IndicatorMapping struct {
	Indicator  string `yaml:"indicator" toml:"indicator" validate:"required"`
	Match      string `yaml:"match" toml:"match"`
	Sell       string `yaml:"sell" toml:"sell" validate:"required"`
	Buy        string `yaml:"buy" toml:"buy"`
	CapturedAt string `yaml:"captured_at" toml:"captured_at"`
}

// FeedConfig binds sources and indicators to one scheduled refresh task.
type FeedConfig struct {
	Name       string        `yaml:"name" toml:"name" validate:"required"`
	Interval   time.Duration `yaml:"interval" toml:"interval" default:"15m"`
	Sources    []string      `yaml:"sources" toml:"sources" validate:"required,min=1"`
	Indicators []string      `yaml:"indicators" toml:"indicators"`
	Enabled    *bool         `yaml:"enabled" toml:"enabled"`
}

// IsEnabled treats an unset flag as enabled.
func (f FeedConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// Load reads a YAML (or .toml) configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(b), c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.applyListDefaults(); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

// LoadWithEnv loads config from file and overrides it with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		c.Server.Port = util.ParseIntDefault(v, c.Server.Port)
	}
	if v := os.Getenv("BACKEND_TYPE"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
		c.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("UPDATE_INTERVAL_MINUTES"); v != "" {
		if minutes := util.ParseIntDefault(v, 0); minutes > 0 {
			for i := range c.Feeds {
				c.Feeds[i].Interval = time.Duration(minutes) * time.Minute
			}
		}
	}

	// overrides may have broken an invariant
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

func (c *Config) applyListDefaults() error {
	for i := range c.Sources {
		if err := defaults.Set(&c.Sources[i]); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	for i := range c.Feeds {
		if err := defaults.Set(&c.Feeds[i]); err != nil {
			return fmt.Errorf("feeds[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks struct tags and cross references between sources, normalizers and feeds.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	normalizers := make(map[string]bool, len(c.Normalizers))
	for _, n := range c.Normalizers {
		if normalizers[n.ID] {
			return fmt.Errorf("normalizers: duplicate id %q", n.ID)
		}
		normalizers[n.ID] = true
	}

	sources := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if sources[s.ID] {
			return fmt.Errorf("sources: duplicate id %q", s.ID)
		}
		if !normalizers[s.Normalizer] {
			return fmt.Errorf("source %q references unknown normalizer %q", s.ID, s.Normalizer)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("source %q: timeout must be positive", s.ID)
		}
		sources[s.ID] = true
	}

	feeds := make(map[string]bool, len(c.Feeds))
	for _, f := range c.Feeds {
		if feeds[f.Name] {
			return fmt.Errorf("feeds: duplicate name %q", f.Name)
		}
		if f.Interval <= 0 {
			return fmt.Errorf("feed %q: interval must be positive", f.Name)
		}
		for _, id := range f.Sources {
			if !sources[id] {
				return fmt.Errorf("feed %q references unknown source %q", f.Name, id)
			}
		}
		feeds[f.Name] = true
	}

	if c.Backend.Type == BackendKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required for backend %q", BackendKafka)
	}
	if c.Kafka.Consumer.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka.consumer is enabled")
	}
	return nil
}

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// NeedsClickHouse reports whether any component writes to ClickHouse.
func (c *Config) NeedsClickHouse() bool {
	return c.Backend.Type == BackendClickHouse || c.Kafka.Consumer.Enabled
}

// NeedsKafkaProducer reports whether a producer must be created.
func (c *Config) NeedsKafkaProducer() bool {
	return c.Backend.Type == BackendKafka || c.Kafka.Consumer.Enabled || (c.Log.DigestTopic != "" && len(c.Kafka.Brokers) > 0)
}

// SourceByID returns the source with the given id.
func (c *Config) SourceByID(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// NormalizerByID returns the normalizer with the given id.
func (c *Config) NormalizerByID(id string) (NormalizerConfig, bool) {
	for _, n := range c.Normalizers {
		if n.ID == id {
			return n, true
		}
	}
	return NormalizerConfig{}, false
}
