package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultGRPCAddr        = ":9090"
	defaultMetricsAddr     = ":9102"
	defaultRedisURL        = "redis://localhost:6379"
	defaultRedisPrefix     = "stash:"
	defaultBackendTimeout  = 2 * time.Second
	defaultHealthInterval  = 10 * time.Second
	defaultContentDir      = "/var/lib/stash/content"
	defaultDynamoTable     = "stash-records"
	defaultEventSubjectPre = "stash.record"

	envConfigPath      = "STASH_CONFIG"
	envHTTPAddr        = "STASH_HTTP_ADDR"
	envGRPCAddr        = "STASH_GRPC_ADDR"
	envMetricsAddr     = "STASH_METRICS_ADDR"
	envBackend         = "STASH_BACKEND"
	envBackendTimeout  = "STASH_BACKEND_TIMEOUT"
	envHealthInterval  = "STASH_HEALTH_INTERVAL"
	envRedisURL        = "REDIS_URL"
	envRedisPrefix     = "STASH_REDIS_PREFIX"
	envConsumeStrategy = "STASH_CONSUME_STRATEGY"
	envWatchRetries    = "STASH_WATCH_RETRIES"
	envDynamoTable     = "DYNAMODB_TABLE"
	envDynamoEndpoint  = "DYNAMODB_ENDPOINT"
	envAWSRegion       = "AWS_REGION"
	envContentDriver   = "STASH_CONTENT_DRIVER"
	envContentDir      = "STASH_CONTENT_DIR"
	envS3Bucket        = "S3_BUCKET"
	envS3Region        = "S3_REGION"
	envS3Endpoint      = "S3_ENDPOINT"
	envS3Prefix        = "S3_PREFIX"
	envS3AccessKey     = "S3_ACCESS_KEY"
	envS3SecretKey     = "S3_SECRET_KEY"
	envS3PathStyle     = "S3_PATH_STYLE"
	envNATSURL         = "NATS_URL"
	envEventSubject    = "STASH_EVENT_SUBJECT"
	envLogFormat       = "STASH_LOG_FORMAT"
	envLogLevel        = "STASH_LOG_LEVEL"
)

// Backends and drivers understood by the server.
const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"

	StrategyScript = "script"
	StrategyWatch  = "watch"

	ContentFS = "fs"
	ContentS3 = "s3"
)

// Config holds runtime configuration for the stash server and CLI.
type Config struct {
	HTTPAddr       string        `yaml:"http_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Backend        string        `yaml:"backend"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Redis          RedisConfig   `yaml:"redis"`
	DynamoDB       DynamoConfig  `yaml:"dynamodb"`
	Content        ContentConfig `yaml:"content"`
	Events         EventsConfig  `yaml:"events"`
	Log            LogConfig     `yaml:"log"`
}

type RedisConfig struct {
	URL             string `yaml:"url"`
	KeyPrefix       string `yaml:"key_prefix"`
	ConsumeStrategy string `yaml:"consume_strategy"`
	WatchRetries    int    `yaml:"watch_retries"`
	PoolSize        int    `yaml:"pool_size"`
}

type DynamoConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type ContentConfig struct {
	Driver string   `yaml:"driver"`
	Dir    string   `yaml:"dir"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// EventsConfig enables lifecycle events on NATS when NatsURL is set.
type EventsConfig struct {
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:       defaultHTTPAddr,
		GRPCAddr:       defaultGRPCAddr,
		MetricsAddr:    defaultMetricsAddr,
		Backend:        BackendRedis,
		BackendTimeout: defaultBackendTimeout,
		HealthInterval: defaultHealthInterval,
		Redis: RedisConfig{
			URL:             defaultRedisURL,
			KeyPrefix:       defaultRedisPrefix,
			ConsumeStrategy: StrategyScript,
		},
		DynamoDB: DynamoConfig{Table: defaultDynamoTable, Region: "us-east-1"},
		Content:  ContentConfig{Driver: ContentFS, Dir: defaultContentDir},
		Events:   EventsConfig{SubjectPrefix: defaultEventSubjectPre},
		Log:      LogConfig{Format: "text", Level: "info"},
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// STASH_CONFIG, and environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML data on the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, envHTTPAddr)
	setString(&c.GRPCAddr, envGRPCAddr)
	setString(&c.MetricsAddr, envMetricsAddr)
	setString(&c.Backend, envBackend)
	setString(&c.Redis.URL, envRedisURL)
	setString(&c.Redis.KeyPrefix, envRedisPrefix)
	setString(&c.Redis.ConsumeStrategy, envConsumeStrategy)
	setString(&c.DynamoDB.Table, envDynamoTable)
	setString(&c.DynamoDB.Endpoint, envDynamoEndpoint)
	setString(&c.DynamoDB.Region, envAWSRegion)
	setString(&c.Content.Driver, envContentDriver)
	setString(&c.Content.Dir, envContentDir)
	setString(&c.Content.S3.Bucket, envS3Bucket)
	setString(&c.Content.S3.Region, envS3Region)
	setString(&c.Content.S3.Endpoint, envS3Endpoint)
	setString(&c.Content.S3.Prefix, envS3Prefix)
	setString(&c.Content.S3.AccessKey, envS3AccessKey)
	setString(&c.Content.S3.SecretKey, envS3SecretKey)
	setString(&c.Events.NatsURL, envNATSURL)
	setString(&c.Events.SubjectPrefix, envEventSubject)
	setString(&c.Log.Format, envLogFormat)
	setString(&c.Log.Level, envLogLevel)

	if raw := strings.TrimSpace(os.Getenv(envS3PathStyle)); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envS3PathStyle, err)
		}
		c.Content.S3.PathStyle = v
	}
	if raw := strings.TrimSpace(os.Getenv(envWatchRetries)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envWatchRetries, err)
		}
		c.Redis.WatchRetries = n
	}
	if err := setDuration(&c.BackendTimeout, envBackendTimeout); err != nil {
		return err
	}
	return setDuration(&c.HealthInterval, envHealthInterval)
}

// Validate rejects unknown backends and impossible limits.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis url required")
		}
		switch c.Redis.ConsumeStrategy {
		case StrategyScript, StrategyWatch:
		default:
			return fmt.Errorf("invalid consume strategy: %q", c.Redis.ConsumeStrategy)
		}
		if c.Redis.WatchRetries < 0 {
			return fmt.Errorf("watch retries must not be negative")
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return fmt.Errorf("dynamodb table required")
		}
	default:
		return fmt.Errorf("invalid backend: %q", c.Backend)
	}
	switch c.Content.Driver {
	case ContentFS:
	case ContentS3:
		if c.Content.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket required")
		}
	default:
		return fmt.Errorf("invalid content driver: %q", c.Content.Driver)
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
