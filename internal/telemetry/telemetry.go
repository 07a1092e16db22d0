package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BaSui01/agentrelay/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// exportTimeout 单次 OTLP 导出的上限，collector 不可达时不拖住批处理
const exportTimeout = 10 * time.Second

// Providers owns the span pipeline of one relay process. Metrics are served
// by Prometheus and never leave through OTLP.
type Providers struct {
	tracer *sdktrace.TracerProvider
}

// Propagator 返回 relay 之间传递 trace 的 W3C 传播器
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init installs the W3C propagator globally and, when cfg.Enabled, an OTLP
// span exporter. A disabled config still returns usable Providers whose
// tracer is a noop.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	otel.SetTextMapPropagator(Propagator())

	if !cfg.Enabled {
		logger.Info("span export disabled")
		return &Providers{}, nil
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp span exporter for %s: %w", cfg.OTLPEndpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(relayResource(cfg.ServiceName)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("span export enabled",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return &Providers{tracer: tp}, nil
}

// sampler 跟随上游 relay 的采样决定；只有链路根按比例采样
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func relayResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(BuildVersion()),
	)
}

// TracerProvider returns the provider delegation and HTTP spans are created on.
func (p *Providers) TracerProvider() trace.TracerProvider {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider()
	}
	return p.tracer
}

// Shutdown flushes buffered spans. A nil or disabled Providers has nothing to do.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.tracer == nil {
		return nil
	}
	if err := p.tracer.Shutdown(ctx); err != nil {
		return fmt.Errorf("flush spans: %w", err)
	}
	return nil
}

// BuildVersion 返回模块版本；go run 或本地构建时为 "dev"
func BuildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		switch v := info.Main.Version; v {
		case "", "(devel)":
		default:
			return v
		}
	}
	return "dev"
}
