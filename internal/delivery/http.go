package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Headers exchanged with the collector.
const (
	HeaderAPIKey              = "Kiroku-Api-Key"
	HeaderSentAt              = "Kiroku-Sent-At"
	HeaderSamplingProbability = "Kiroku-Sampling-Probability"
)

const defaultTimeout = 30 * time.Second

// HTTPOption configures an HTTP delivery.
type HTTPOption func(*HTTP)

// WithTimeout bounds each request. Defaults to 30s.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.client.SetTimeout(d) }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) { h.client.SetHeader("User-Agent", ua) }
}

// WithNow overrides the wall clock used for the sent-at header.
func WithNow(now func() time.Time) HTTPOption {
	return func(h *HTTP) { h.now = now }
}

// HTTP delivers payloads as gzipped OTLP/JSON over HTTP POST.
//
// The client never retries on its own: a failed attempt is reported as
// StateFailureRetryable and the retry queue decides when to try again.
type HTTP struct {
	client *resty.Client
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewHTTP returns an HTTP delivery using a pooled transport.
func NewHTTP(logger *slog.Logger, opts ...HTTPOption) *HTTP {
	// retryablehttp's client is used only for its tuned pooled transport.
	pooled := retryablehttp.NewClient()
	pooled.Logger = nil

	client := resty.New().
		SetTimeout(defaultTimeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "kiroku-go").
		SetTransport(pooled.HTTPClient.Transport)

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &HTTP{
		client: client,
		logger: logger,
		tracer: telemetry.Tracer(telemetry.ScopeName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send posts payload to endpoint.
func (h *HTTP) Send(ctx context.Context, endpoint, apiKey string, payload Payload) Response {
	ctx, sp := h.tracer.Start(ctx, "kiroku.delivery.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("kiroku.delivery.span_count", payload.SpanCount())),
	)
	defer sp.End()

	body, err := encodeBody(payload)
	if err != nil {
		h.logger.Warn("delivery: encode payload", "error", err)
		sp.SetStatus(codes.Error, "encode payload")
		return Response{State: StateFailureDiscard}
	}

	req := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Content-Encoding", "gzip").
		SetHeader(HeaderAPIKey, apiKey).
		SetHeader(HeaderSentAt, h.now().UTC().Format(time.RFC3339Nano)).
		SetBody(body)
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := req.Post(endpoint)
	if err != nil {
		// Connection refused, DNS failure, timeout: the collector may be
		// reachable later.
		h.logger.Debug("delivery: request failed", "endpoint", endpoint, "error", err)
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "request failed")
		return Response{State: StateFailureRetryable}
	}

	sp.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode()))
	state := StateForStatus(resp.StatusCode())
	if state != StateSuccess {
		sp.SetStatus(codes.Error, resp.Status())
	}
	return Response{
		State:               state,
		SamplingProbability: parseProbability(resp.Header().Get(HeaderSamplingProbability)),
	}
}

func encodeBody(payload Payload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseProbability reads the sampling probability header. Missing,
// malformed and out-of-range values yield nil.
func parseProbability(v string) *float64 {
	if v == "" {
		return nil
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(p) || p < 0 || p > 1 {
		return nil
	}
	return &p
}
