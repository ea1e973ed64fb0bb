// Package config loads and validates agent configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned by Validate when no API key is configured.
var ErrMissingAPIKey = errors.New("config: KIROKU_API_KEY is required")

// Defaults applied by Load and by descriptor resolution.
const (
	DefaultEndpoint              = "https://otlp.kiroku.dev/v1/traces"
	DefaultReleaseStage          = "production"
	DefaultMaximumBatchSize      = 100
	DefaultBatchAge              = 30 * time.Second
	DefaultSamplingProbability   = 1.0
	DefaultPersistenceDriver     = "memory"
	DefaultRetryQueueMaxPayloads = 50
	DefaultRetryQueueMaxAge      = 24 * time.Hour
)

// Config holds all agent configuration.
type Config struct {
	// Delivery settings.
	APIKey   string
	Endpoint string

	// Release gating.
	ReleaseStage         string
	EnabledReleaseStages []string // nil means every stage is enabled.

	// Resource attributes.
	AppVersion          string
	ServiceName         string
	GenerateAnonymousID bool

	// Batching.
	MaximumBatchSize int
	BatchAge         time.Duration

	// Initial sampling probability; replaced by a restored or server-sent value.
	SamplingProbability float64

	// Persistence backend: "memory", "sqlite" or "badger".
	PersistenceDriver string
	PersistencePath   string

	// Retry queue. An empty dir keeps the queue in memory.
	RetryQueueDir         string
	RetryQueueMaxPayloads int
	RetryQueueMaxAge      time.Duration
	RetryRate             float64 // Redeliveries per second; 0 is unlimited.

	// Self-telemetry.
	OTELEndpoint string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not only the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		APIKey:            envStr("KIROKU_API_KEY", ""),
		Endpoint:          envStr("KIROKU_ENDPOINT", DefaultEndpoint),
		ReleaseStage:      envStr("KIROKU_RELEASE_STAGE", DefaultReleaseStage),
		AppVersion:        envStr("KIROKU_APP_VERSION", ""),
		ServiceName:       envStr("KIROKU_SERVICE_NAME", "unknown_service"),
		PersistenceDriver: envStr("KIROKU_PERSISTENCE", DefaultPersistenceDriver),
		PersistencePath:   envStr("KIROKU_PERSISTENCE_PATH", ""),
		RetryQueueDir:     envStr("KIROKU_RETRY_QUEUE_DIR", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:          envStr("KIROKU_LOG_LEVEL", "info"),
	}
	cfg.EnabledReleaseStages = envList("KIROKU_ENABLED_RELEASE_STAGES")

	var err error
	cfg.MaximumBatchSize, err = envInt("KIROKU_MAXIMUM_BATCH_SIZE", DefaultMaximumBatchSize)
	collect(err)
	cfg.BatchAge, err = envDuration("KIROKU_BATCH_AGE", DefaultBatchAge)
	collect(err)
	cfg.SamplingProbability, err = envFloat("KIROKU_SAMPLING_PROBABILITY", DefaultSamplingProbability)
	collect(err)
	cfg.RetryQueueMaxPayloads, err = envInt("KIROKU_RETRY_QUEUE_MAX_PAYLOADS", DefaultRetryQueueMaxPayloads)
	collect(err)
	cfg.RetryQueueMaxAge, err = envDuration("KIROKU_RETRY_QUEUE_MAX_AGE", DefaultRetryQueueMaxAge)
	collect(err)
	cfg.RetryRate, err = envFloat("KIROKU_RETRY_RATE", 0)
	collect(err)
	cfg.GenerateAnonymousID, err = envBool("KIROKU_GENERATE_ANONYMOUS_ID", true)
	collect(err)
	cfg.OTELInsecure, err = envBool("KIROKU_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate checks that required configuration is present. Out-of-range
// values are not errors here; Resolve replaces them with defaults.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	switch c.PersistenceDriver {
	case "", "memory", "badger":
	case "sqlite":
		if c.PersistencePath == "" {
			return fmt.Errorf("config: KIROKU_PERSISTENCE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: KIROKU_PERSISTENCE %q is not one of memory, sqlite, badger", c.PersistenceDriver)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable. Unset yields nil.
func envList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
