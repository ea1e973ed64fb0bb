package kiroku

import (
	"log/slog"
	"time"

	"github.com/ashita-ai/kiroku/internal/config"
)

// Option configures a Client.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	// overrides is merged over the environment configuration. Zero fields
	// leave the environment value in place.
	overrides config.Config

	// Values whose zero is meaningful bypass the merge.
	samplingProbability  *float64
	enabledReleaseStages *[]string

	logger         *slog.Logger
	delivery       Delivery
	retryQueue     RetryQueue
	persistence    Persistence
	listener       BackgroundingListener
	clock          Clock
	idGenerator    IDGenerator
	spanAttributes func() map[string]any
}

// WithLogger sets the structured logger for the Client.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithAPIKey overrides the collector API key (KIROKU_API_KEY env var).
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.overrides.APIKey = key }
}

// WithEndpoint overrides the collector URL (KIROKU_ENDPOINT env var).
func WithEndpoint(url string) Option {
	return func(o *resolvedOptions) { o.overrides.Endpoint = url }
}

// WithReleaseStage overrides the release stage (KIROKU_RELEASE_STAGE env var).
func WithReleaseStage(stage string) Option {
	return func(o *resolvedOptions) { o.overrides.ReleaseStage = stage }
}

// WithEnabledReleaseStages restricts delivery to the given stages. Calling it
// with no stages disables delivery everywhere.
func WithEnabledReleaseStages(stages ...string) Option {
	return func(o *resolvedOptions) {
		s := append([]string{}, stages...)
		o.enabledReleaseStages = &s
	}
}

// WithAppVersion sets service.version on every payload.
func WithAppVersion(version string) Option {
	return func(o *resolvedOptions) { o.overrides.AppVersion = version }
}

// WithServiceName sets service.name on every payload.
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.overrides.ServiceName = name }
}

// WithMaximumBatchSize sets how many sampled spans trigger a delivery.
// Values outside 1..100 are replaced by the default with a warning.
func WithMaximumBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.overrides.MaximumBatchSize = n }
}

// WithBatchAge sets how long the batch waits after the latest span before
// it is delivered.
func WithBatchAge(d time.Duration) Option {
	return func(o *resolvedOptions) { o.overrides.BatchAge = d }
}

// WithSamplingProbability sets the probability used until the collector
// sends one or a persisted value is restored.
func WithSamplingProbability(p float64) Option {
	return func(o *resolvedOptions) { o.samplingProbability = &p }
}

// WithPersistenceDriver selects the built-in store ("memory", "sqlite" or
// "badger") and its path. Ignored when WithPersistence is set.
func WithPersistenceDriver(driver, path string) Option {
	return func(o *resolvedOptions) {
		o.overrides.PersistenceDriver = driver
		o.overrides.PersistencePath = path
	}
}

// WithRetryQueueDir keeps undelivered payloads in a journal under dir so
// they survive a restart. Ignored when WithRetryQueue is set.
func WithRetryQueueDir(dir string) Option {
	return func(o *resolvedOptions) { o.overrides.RetryQueueDir = dir }
}

// WithDelivery replaces the HTTP transport.
func WithDelivery(d Delivery) Option {
	return func(o *resolvedOptions) { o.delivery = d }
}

// WithRetryQueue replaces the built-in retry queue.
func WithRetryQueue(q RetryQueue) Option {
	return func(o *resolvedOptions) { o.retryQueue = q }
}

// WithPersistence replaces the built-in store. The Client does not close a
// store supplied this way.
func WithPersistence(p Persistence) Option {
	return func(o *resolvedOptions) { o.persistence = p }
}

// WithBackgroundingListener discards open spans whenever the listener
// reports that the process moved to the background.
func WithBackgroundingListener(l BackgroundingListener) Option {
	return func(o *resolvedOptions) { o.listener = l }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *resolvedOptions) { o.clock = c }
}

// WithIDGenerator replaces the random span and trace id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *resolvedOptions) { o.idGenerator = g }
}

// WithSpanAttributes sets a function whose result is copied into every new
// span. It is called once per StartSpan.
func WithSpanAttributes(fn func() map[string]any) Option {
	return func(o *resolvedOptions) { o.spanAttributes = fn }
}
