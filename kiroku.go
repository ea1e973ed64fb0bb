// Package kiroku records spans in-process and delivers them in batches to an
// OTLP/JSON collector.
//
// Applications construct one Client and start spans from it:
//
//	client, err := kiroku.New(
//	    kiroku.WithAPIKey(apiKey),
//	    kiroku.WithAppVersion(version),
//	    kiroku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer client.Shutdown(ctx)
//
//	s := client.StartSpan("checkout", kiroku.SpanOptions{})
//	defer s.End()
//
// Configuration comes from KIROKU_* environment variables; With* options
// override them. The import graph is one-way: kiroku (root) imports
// internal/*, but internal/* never imports kiroku (root).
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/ashita-ai/kiroku/internal/attribute"
	"github.com/ashita-ai/kiroku/internal/clock"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/delivery"
	"github.com/ashita-ai/kiroku/internal/persistence"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
	"github.com/ashita-ai/kiroku/internal/resource"
	"github.com/ashita-ai/kiroku/internal/service/batch"
	"github.com/ashita-ai/kiroku/internal/service/retry"
	"github.com/ashita-ai/kiroku/internal/service/sampling"
	"github.com/ashita-ai/kiroku/internal/span"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// retryBurst is how many queued payloads may be redelivered back to back
// before RetryRate pacing applies.
const retryBurst = 5

// Client owns the span pipeline. Construct with New, stop with Shutdown.
// Client has no public fields; use New() options to configure it.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	factory   *span.Factory
	processor *batch.Processor
	sampler   *sampling.Sampler

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration, applies options and wires the pipeline. When no
// usable sampling probability was persisted, New issues an empty delivery
// so the collector can send a fresh one.
func New(opts ...Option) (*Client, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := resolveConfig(o, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: logger}
	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    resource.SDKName,
		ServiceVersion: resource.SDKVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("kiroku: %w", err)
	}
	c.closers = append(c.closers, otelShutdown)

	clk := o.clock
	if clk == nil {
		clk = clock.Real()
	}

	store := o.persistence
	if store == nil {
		store, err = persistence.Open(ctx, cfg.PersistenceDriver, cfg.PersistencePath, logger)
		if err != nil {
			_ = c.close(ctx)
			return nil, fmt.Errorf("kiroku: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return store.Close() })
	}

	wall := func() time.Time { return clock.Wall(clk) }

	probability, restored := sampling.Restore(ctx, store, wall(), logger)
	if !restored {
		probability = cfg.SamplingProbability
	}
	c.sampler = sampling.New(probability, store, logger)

	res, err := resource.New(ctx, resource.Settings{
		ServiceName:         cfg.ServiceName,
		AppVersion:          cfg.AppVersion,
		ReleaseStage:        cfg.ReleaseStage,
		GenerateAnonymousID: cfg.GenerateAnonymousID,
		Store:               store,
	}, logger)
	if err != nil {
		_ = c.close(ctx)
		return nil, fmt.Errorf("kiroku: %w", err)
	}

	d := o.delivery
	if d == nil {
		d = delivery.NewHTTP(logger, delivery.WithUserAgent(resource.SDKName+"/"+resource.SDKVersion))
	}

	rq := o.retryQueue
	if rq == nil {
		rq, err = c.openRetryQueue(d, cfg, logger)
		if err != nil {
			_ = c.close(ctx)
			return nil, err
		}
	}

	c.processor = batch.New(batch.Config{
		Endpoint:             cfg.Endpoint,
		APIKey:               cfg.APIKey,
		ReleaseStage:         cfg.ReleaseStage,
		EnabledReleaseStages: cfg.EnabledReleaseStages,
		MaxBatchSize:         cfg.MaximumBatchSize,
		BatchAge:             cfg.BatchAge,
	}, batch.Deps{
		Clock:      clk,
		Now:        wall,
		Delivery:   d,
		RetryQueue: rq,
		Sampler:    c.sampler,
		Resource:   res.Attributes,
	}, logger)
	c.processor.Start()

	c.factory = span.NewFactory(span.FactoryConfig{
		Processor:      c.processor,
		IDGenerator:    o.idGenerator,
		Clock:          clk,
		Listener:       o.listener,
		SpanAttributes: spanAttributesSource(o.spanAttributes),
		Logger:         logger,
	})

	logger.Info("kiroku started",
		"endpoint", cfg.Endpoint,
		"release_stage", cfg.ReleaseStage,
		"sampling_probability", c.sampler.Probability(),
		"probability_restored", restored,
	)

	if !restored && releaseStageEnabled(cfg) {
		c.processor.Flush()
	}
	return c, nil
}

// resolveConfig merges option overrides over the environment, replaces
// invalid values with defaults and checks required settings.
func resolveConfig(o resolvedOptions, logger *slog.Logger) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("kiroku: load config: %w", err)
	}
	if err := mergo.Merge(&cfg, o.overrides, mergo.WithOverride); err != nil {
		return config.Config{}, fmt.Errorf("kiroku: apply options: %w", err)
	}
	if o.samplingProbability != nil {
		cfg.SamplingProbability = *o.samplingProbability
	}
	if o.enabledReleaseStages != nil {
		cfg.EnabledReleaseStages = *o.enabledReleaseStages
	}

	cfg, warnings := cfg.Resolve()
	for _, w := range warnings {
		logger.Warn(w.String())
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func releaseStageEnabled(cfg config.Config) bool {
	return cfg.EnabledReleaseStages == nil || slices.Contains(cfg.EnabledReleaseStages, cfg.ReleaseStage)
}

func (c *Client) openRetryQueue(d delivery.Delivery, cfg config.Config, logger *slog.Logger) (retry.Queue, error) {
	limiter := ratelimit.New(cfg.RetryRate, retryBurst)
	c.closers = append(c.closers, func(context.Context) error { return limiter.Close() })

	rcfg := retry.Config{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		MaxPayloads: cfg.RetryQueueMaxPayloads,
		MaxAge:      cfg.RetryQueueMaxAge,
		Limiter:     limiter,
	}
	if cfg.RetryQueueDir == "" {
		return retry.NewMemoryQueue(d, rcfg, logger), nil
	}
	q, err := retry.OpenWALQueue(d, rcfg, retry.WALConfig{Dir: cfg.RetryQueueDir}, logger)
	if err != nil {
		return nil, fmt.Errorf("kiroku: open retry queue: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return q.Close() })
	return q, nil
}

func spanAttributesSource(fn func() map[string]any) span.AttributesSource {
	if fn == nil {
		return nil
	}
	return func() *attribute.Set {
		m := fn()
		if len(m) == 0 {
			return nil
		}
		set := attribute.NewSet()
		for _, k := range slices.Sorted(maps.Keys(m)) {
			set.Set(k, m[k])
		}
		return set
	}
}

// StartSpan starts a span. It never fails; a span started while the process
// is in the background is returned already discarded.
func (c *Client) StartSpan(name string, opts SpanOptions) *Span {
	return c.factory.StartSpan(name, opts)
}

// Flush delivers the current batch now, even if it is empty.
func (c *Client) Flush() {
	c.processor.Flush()
}

// Shutdown performs a graceful shutdown: it delivers the buffered batch and
// waits for in-flight deliveries, waits for pending persistence writes, then
// closes the retry journal, the store and the telemetry providers.
// Calling Shutdown more than once returns the first result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("kiroku shutting down", "open_spans", c.factory.OpenCount(), "buffered_spans", c.processor.Len())

		c.processor.Drain(ctx)
		if err := ctx.Err(); err != nil {
			c.logger.Error("batch drain incomplete, undelivered spans will be lost", "error", err)
		}
		c.sampler.Wait()

		c.shutdownErr = c.close(ctx)
		c.logger.Info("kiroku stopped")
	})
	return c.shutdownErr
}

// close runs the closers in reverse registration order.
func (c *Client) close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kiroku: shutdown: %w", err)
	}
	return nil
}
