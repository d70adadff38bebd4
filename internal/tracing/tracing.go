package tracing

import (
	"context"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/config"
)

// Config holds tracer settings
type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	SampleRate  float64
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitTracer installs a Jaeger tracer as the global tracer. When tracing is
// disabled the global no-op tracer stays in place.
func InitTracer(cfg Config) (io.Closer, error) {
	if !cfg.Enabled {
		return nopCloser{}, nil
	}

	sampler := &config.SamplerConfig{Type: jaeger.SamplerTypeConst, Param: 1}
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = &config.SamplerConfig{Type: jaeger.SamplerTypeProbabilistic, Param: cfg.SampleRate}
	}

	jcfg := &config.Configuration{
		ServiceName: cfg.ServiceName,
		Sampler:     sampler,
		Reporter: &config.ReporterConfig{
			CollectorEndpoint: cfg.Endpoint,
		},
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

// StartSpan starts a new span with the given operation name
func StartSpan(ctx context.Context, operationName string) (opentracing.Span, context.Context) {
	return opentracing.StartSpanFromContext(ctx, operationName)
}

// StartStageSpan starts the span covering one pipeline stage of a job.
func StartStageSpan(ctx context.Context, stage, jobID string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "stage."+stage)
	span.SetTag("job.id", jobID)
	return span, ctx
}

// StartTierSpan starts the span covering one quality tier encode.
func StartTierSpan(ctx context.Context, operation, tier string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	span.SetTag("tier", tier)
	return span, ctx
}

// Finish records err on the span, if any, and finishes it.
func Finish(span opentracing.Span, err error) {
	if span == nil {
		return
	}
	LogError(span, err)
	span.Finish()
}

// LogError logs an error to the span
func LogError(span opentracing.Span, err error) {
	if span != nil && err != nil {
		span.SetTag("error", true)
		span.LogKV("error", err.Error())
	}
}

// SetTag sets a tag on the span
func SetTag(span opentracing.Span, key string, value interface{}) {
	if span != nil {
		span.SetTag(key, value)
	}
}
