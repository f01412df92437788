package observability

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	IngestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_messages_total",
			Help: "MQTT readings handled by outcome.",
		},
		[]string{"result"},
	)
	IngestPointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_ingest_points_written_total",
		Help: "Points written to the time-series store.",
	})
	MQTTConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_mqtt_connection_state",
		Help: "Ingest bridge state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
	})
	GatewaySessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_gateway_sessions",
		Help: "Open viewer sessions.",
	})
	GatewayQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_gateway_queries_total",
			Help: "Gateway time-series queries by kind and result.",
		},
		[]string{"kind", "result"},
	)
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(IngestMessages, IngestPointsWritten, MQTTConnectionState, GatewaySessions, GatewayQueries, requestCounter)
}

// Setup installs the global propagator, meter and tracer providers. Spans are
// exported over OTLP/HTTP only when otlpEndpoint is set.
func Setup(serviceName, otlpEndpoint string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, nil, err
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, nil, err
	}

	var tp *trace.TracerProvider
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, nil, nil, err
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
		slog.Info("otlp trace export enabled", "endpoint", otlpEndpoint)
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
	}
	return shutdown, promhttp.Handler(), otel.Tracer(serviceName), nil
}

// MetricsAndTracingMiddleware counts and traces plain HTTP requests. Websocket
// upgrades and the metrics endpoint itself are passed through untouched.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.Int("http.status_code", status),
			)
			requestCounter.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(status)).Inc()
		})
	}
}
