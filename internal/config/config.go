// Package config loads the worker's settings from defaults, an optional
// config file, and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the environment variable holding an optional config file path.
const FileEnv = "WORKER_CONFIG"

// Config is the complete worker configuration.
type Config struct {
	Kafka     KafkaConfig
	Database  DatabaseConfig
	ZAP       ZAPConfig
	Nuclei    NucleiConfig
	Katana    KatanaConfig
	Poll      PollConfig
	Telemetry TelemetryConfig

	// Concurrency caps jobs running at once. Jobs of one partition run in
	// order, so the job topic needs at least this many partitions for the
	// cap to be reached; the consumer logs the effective value per session.
	Concurrency int
	HealthAddr  string
	LogLevel    string
}

type KafkaConfig struct {
	Brokers           []string
	GroupID           string
	JobTopic          string
	RetryTopic        string
	NotificationTopic string
	MaxDeliveries     int
}

type DatabaseConfig struct {
	DSN            string
	MinConns       int32
	MaxConns       int32
	MigrationsPath string
}

// ZAPConfig configures the control-plane scanner.
type ZAPConfig struct {
	Enabled           bool
	APIURL            string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	ReadyTimeout      time.Duration
}

type NucleiConfig struct {
	Enabled   bool
	Binary    string
	Templates []string
}

type KatanaConfig struct {
	Enabled bool
	Binary  string
	Depth   int
}

// PollConfig bounds how long the worker waits on a remote scan.
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

type TelemetryConfig struct {
	ServiceName      string
	ExporterEndpoint string
	SamplingRatio    float64
}

// keys maps each setting to its environment variable. Nested settings use
// dotted keys so a config file can group them.
var keys = map[string]string{
	"kafka.brokers":            "KAFKA_BROKERS",
	"kafka.group_id":           "KAFKA_GROUP_ID",
	"kafka.job_topic":          "KAFKA_JOB_TOPIC",
	"kafka.retry_topic":        "KAFKA_RETRY_TOPIC",
	"kafka.notification_topic": "KAFKA_NOTIFICATION_TOPIC",
	"kafka.max_deliveries":     "KAFKA_MAX_DELIVERIES",
	"database.url":             "DATABASE_URL",
	"database.min_conns":       "DATABASE_MIN_CONNS",
	"database.max_conns":       "DATABASE_MAX_CONNS",
	"database.migrations":      "DATABASE_MIGRATIONS",
	"zap.enabled":              "ZAP_ENABLED",
	"zap.api_url":              "ZAP_API_URL",
	"zap.api_key":              "ZAP_API_KEY",
	"zap.timeout":              "ZAP_TIMEOUT",
	"zap.requests_per_second":  "ZAP_REQUESTS_PER_SECOND",
	"zap.ready_timeout":        "ZAP_READY_TIMEOUT",
	"nuclei.enabled":           "NUCLEI_ENABLED",
	"nuclei.binary":            "NUCLEI_BINARY",
	"nuclei.templates":         "NUCLEI_TEMPLATES",
	"katana.enabled":           "KATANA_ENABLED",
	"katana.binary":            "KATANA_BINARY",
	"katana.depth":             "KATANA_DEPTH",
	"poll.max_attempts":        "POLL_MAX_ATTEMPTS",
	"poll.interval":            "POLL_INTERVAL",
	"otel.service_name":        "OTEL_SERVICE_NAME",
	"otel.endpoint":            "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otel.sampling_ratio":      "OTEL_SAMPLING_RATIO",
	"worker.concurrency":       "WORKER_CONCURRENCY",
	"worker.health_addr":       "WORKER_HEALTH_ADDR",
	"worker.log_level":         "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "websec-workers")
	v.SetDefault("kafka.job_topic", "scan-jobs")
	v.SetDefault("kafka.retry_topic", "scan-jobs-retry")
	v.SetDefault("kafka.notification_topic", "scan-completed")
	v.SetDefault("kafka.max_deliveries", 3)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.migrations", "file:///app/db/migrations")
	v.SetDefault("zap.enabled", true)
	v.SetDefault("zap.api_url", "http://localhost:8080")
	v.SetDefault("zap.timeout", 30*time.Second)
	v.SetDefault("zap.requests_per_second", 20.0)
	v.SetDefault("zap.ready_timeout", 2*time.Minute)
	v.SetDefault("nuclei.enabled", true)
	v.SetDefault("nuclei.binary", "nuclei")
	v.SetDefault("katana.enabled", true)
	v.SetDefault("katana.binary", "katana")
	v.SetDefault("katana.depth", 3)
	v.SetDefault("poll.max_attempts", 100)
	v.SetDefault("poll.interval", 2*time.Second)
	v.SetDefault("otel.service_name", "websec-worker")
	v.SetDefault("otel.sampling_ratio", 1.0)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.health_addr", ":8080")
	v.SetDefault("worker.log_level", "info")
}

// Load reads the configuration. Values come, in increasing precedence, from
// defaults, the file named by WORKER_CONFIG, and environment variables.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}
	if err := v.BindEnv("config_file", FileEnv); err != nil {
		return nil, fmt.Errorf("binding %s: %w", FileEnv, err)
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Kafka: KafkaConfig{
			Brokers:           splitList(v.GetStringSlice("kafka.brokers")),
			GroupID:           v.GetString("kafka.group_id"),
			JobTopic:          v.GetString("kafka.job_topic"),
			RetryTopic:        v.GetString("kafka.retry_topic"),
			NotificationTopic: v.GetString("kafka.notification_topic"),
			MaxDeliveries:     v.GetInt("kafka.max_deliveries"),
		},
		Database: DatabaseConfig{
			DSN:            v.GetString("database.url"),
			MinConns:       v.GetInt32("database.min_conns"),
			MaxConns:       v.GetInt32("database.max_conns"),
			MigrationsPath: v.GetString("database.migrations"),
		},
		ZAP: ZAPConfig{
			Enabled:           v.GetBool("zap.enabled"),
			APIURL:            v.GetString("zap.api_url"),
			APIKey:            v.GetString("zap.api_key"),
			Timeout:           v.GetDuration("zap.timeout"),
			RequestsPerSecond: v.GetFloat64("zap.requests_per_second"),
			ReadyTimeout:      v.GetDuration("zap.ready_timeout"),
		},
		Nuclei: NucleiConfig{
			Enabled:   v.GetBool("nuclei.enabled"),
			Binary:    v.GetString("nuclei.binary"),
			Templates: splitList(v.GetStringSlice("nuclei.templates")),
		},
		Katana: KatanaConfig{
			Enabled: v.GetBool("katana.enabled"),
			Binary:  v.GetString("katana.binary"),
			Depth:   v.GetInt("katana.depth"),
		},
		Poll: PollConfig{
			MaxAttempts: v.GetInt("poll.max_attempts"),
			Interval:    v.GetDuration("poll.interval"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:      v.GetString("otel.service_name"),
			ExporterEndpoint: v.GetString("otel.endpoint"),
			SamplingRatio:    v.GetFloat64("otel.sampling_ratio"),
		},
		Concurrency: v.GetInt("worker.concurrency"),
		HealthAddr:  v.GetString("worker.health_addr"),
		LogLevel:    v.GetString("worker.log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("KAFKA_GROUP_ID is required"))
	}
	if c.Kafka.JobTopic == "" {
		errs = append(errs, errors.New("KAFKA_JOB_TOPIC is required"))
	}
	if c.Kafka.NotificationTopic == "" {
		errs = append(errs, errors.New("KAFKA_NOTIFICATION_TOPIC is required"))
	}
	if c.Kafka.MaxDeliveries < 1 {
		errs = append(errs, errors.New("KAFKA_MAX_DELIVERIES must be at least 1"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, errors.New("DATABASE_MAX_CONNS must not be below DATABASE_MIN_CONNS"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.ZAP.Enabled && c.ZAP.APIURL == "" {
		errs = append(errs, errors.New("ZAP_API_URL is required when ZAP is enabled"))
	}
	if !c.ZAP.Enabled && !c.Nuclei.Enabled && !c.Katana.Enabled {
		errs = append(errs, errors.New("at least one scanner must be enabled"))
	}
	if c.Poll.MaxAttempts <= 0 || c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("POLL_MAX_ATTEMPTS and POLL_INTERVAL must be positive"))
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLING_RATIO must be within [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// splitList flattens comma-separated entries, which is how list settings
// arrive from the environment.
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
