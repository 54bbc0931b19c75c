package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/model"
)

const tracerName = "github.com/pitabwire/modelmgmt"

// Attribute keys attached to model management spans.
var (
	AttrModelID     = attribute.Key("modelmgmt.model_id")
	AttrSessionID   = attribute.Key("modelmgmt.session_id")
	AttrActionType  = attribute.Key("modelmgmt.action_type")
	AttrTenantID    = attribute.Key("modelmgmt.tenant_id")
	AttrSubjectID   = attribute.Key("modelmgmt.subject_id")
	AttrRemoteOp    = attribute.Key("modelmgmt.remote_operation")
	AttrChangeCount = attribute.Key("modelmgmt.change_count")
	AttrErrorCode   = attribute.Key("modelmgmt.error_code")
)

// InitTracing installs the global TracerProvider for cfg and returns the
// function flushing pending spans on shutdown.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at cfg.SamplingRate (default 0.1) and
// follows the parent decision otherwise. With ForceSampleErrors dropped
// spans are still recorded so EndSpan can mark failures on them.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := min(cfg.SamplingRate, 1)
	if rate <= 0 {
		rate = 0.1
	}

	base := sdktrace.TraceIDRatioBased(rate)
	if rate == 1 {
		base = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(base)
	if cfg.ForceSampleErrors {
		return recordDropped{sampler}
	}
	return sampler
}

type recordDropped struct {
	sdktrace.Sampler
}

func (s recordDropped) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	result := s.Sampler.ShouldSample(p)
	if result.Decision == sdktrace.Drop {
		result.Decision = sdktrace.RecordOnly
	}
	return result
}

func (s recordDropped) Description() string {
	return "RecordDropped{" + s.Sampler.Description() + "}"
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSessionSpan starts the span of session operation op. sessionID is
// empty while a session is being opened.
func StartSessionSpan(ctx context.Context, op, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if sessionID != "" {
		attrs = append(attrs, AttrSessionID.String(sessionID))
	}
	return tracer().Start(ctx, "session."+op, trace.WithAttributes(attrs...))
}

// StartRemoteSpan starts the client span of a call to the upstream model
// service endpoint.
func StartRemoteSpan(ctx context.Context, endpoint, modelID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AttrRemoteOp.String(endpoint), AttrModelID.String(modelID))
	return tracer().Start(ctx, "remote."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan ends span. API errors are tagged with their code; only failures of
// the service or its upstream mark the span as failed, rejected requests
// are recorded as an event.
func EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}

	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(AttrErrorCode.String(env.Code))
	if !isFault(env.Code) {
		span.AddEvent("rejected", trace.WithAttributes(attribute.String("message", env.Message)))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, env.Code)
}

func isFault(code string) bool {
	switch code {
	case model.ErrInternalError, model.ErrBackendUnavailable, model.ErrBackendTimeout:
		return true
	}
	return false
}

// TraceIDFromContext returns the trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts the server span of each request. It continues an
// inbound W3C trace, returns the trace context in the response headers and
// names the span after the route so ids do not end up in span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route, attrs := routeOf(r.URL.Path)
		attrs = append(attrs,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		)
		ctx, span := tracer().Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// routeOf replaces session and model ids in an API path by their route
// parameters and returns them as span attributes.
func routeOf(path string) (string, []attribute.KeyValue) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" {
		return path, nil
	}

	var attrs []attribute.KeyValue
	switch parts[1] {
	case "sessions":
		attrs = append(attrs, AttrSessionID.String(parts[2]))
		parts[2] = "{sessionId}"
	case "models":
		attrs = append(attrs, AttrModelID.String(parts[2]))
		parts[2] = "{modelId}"
	default:
		return path, nil
	}
	return "/" + strings.Join(parts, "/"), attrs
}

// InjectTraceHeaders writes the trace context of ctx into the headers of
// a request to the upstream model service.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
