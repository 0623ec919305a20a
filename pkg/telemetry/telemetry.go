// Package telemetry sets up OpenTelemetry tracing for the aegis binaries.
// Validation, policy evaluation and rebinding open their own spans through
// the global tracer provider installed here.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "aegis"

// Options describes the exporter. Endpoint empty keeps spans in process.
type Options struct {
	Service     string
	Version     string
	Environment string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required turns an exporter start failure into an error instead of a
	// warning.
	Required bool
	Sampler  trace.Sampler
}

// FromEnv reads the standard OTEL_* variables plus AEGIS_ENVIRONMENT and
// AEGIS_VERSION for resource attributes.
func FromEnv(service string) Options {
	timeout := 5
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			timeout = n
		}
	}
	return Options{
		Service:     serviceOrDefault(service),
		Version:     strings.TrimSpace(os.Getenv("AEGIS_VERSION")),
		Environment: strings.TrimSpace(os.Getenv("AEGIS_ENVIRONMENT")),
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Duration(timeout) * time.Second,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

func serviceOrDefault(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return DefaultServiceName
	}
	return name
}

// Init is Setup over FromEnv. It matches the hook signature cmd/aegis uses.
func Init(ctx context.Context, service string, log zerolog.Logger) (func(context.Context) error, error) {
	return Setup(ctx, FromEnv(service), log)
}

// Setup installs the global tracer provider and W3C propagators and returns
// the provider's shutdown.
func Setup(ctx context.Context, opts Options, log zerolog.Logger) (func(context.Context) error, error) {
	opts.Service = serviceOrDefault(opts.Service)
	if opts.Sampler == nil {
		opts.Sampler = trace.ParentBased(trace.AlwaysSample())
	}
	res := newResource(opts)
	if opts.Endpoint == "" {
		return install(res, opts.Sampler), nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Timeout > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithTimeout(opts.Timeout))
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(opts.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		if opts.Required {
			return nil, err
		}
		log.Warn().Err(err).Str("endpoint", opts.Endpoint).Msg("trace exporter unavailable, spans stay local")
		return install(res, opts.Sampler), nil
	}
	log.Info().Str("endpoint", opts.Endpoint).Str("service", opts.Service).Msg("trace exporter enabled")
	return install(res, opts.Sampler, trace.WithBatcher(exporter)), nil
}

func newResource(opts Options) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.Service)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(opts.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		// schema URL conflict with the SDK default; keep our attributes
		return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	}
	return res
}

func install(res *resource.Resource, sampler trace.Sampler, extra ...trace.TracerProviderOption) func(context.Context) error {
	opts := append([]trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}, extra...)
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

// parseSampler understands the OTEL_TRACES_SAMPLER names. Ratios are
// clamped to [0,1]; unknown names fall back to parent based at the ratio.
func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	case "parentbased_always_on":
		return trace.ParentBased(trace.AlwaysSample())
	case "parentbased_always_off":
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceOrDefault(service))
}

// InstrumentClient wraps the client's transport so outbound calls, such as
// the KYC provider, carry trace context. A nil client gets a 5s timeout.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads "k1=v1,k2=v2". Entries without a key are skipped.
func parseHeaders(raw string) map[string]string {
	var out map[string]string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
