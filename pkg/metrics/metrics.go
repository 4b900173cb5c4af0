package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/werf/logboek"
)

const (
	OutcomeSuccess     = "success"
	OutcomePartial     = "partial"
	OutcomeUnreachable = "unreachable"
	OutcomeError       = "error"
)

// Metrics instruments the capture pipeline. All methods are nil-receiver
// safe, so the pipeline can run without a metrics endpoint configured.
type Metrics struct {
	registry *prometheus.Registry

	failuresDetected prometheus.Counter
	extractions      *prometheus.CounterVec
	retries          prometheus.Counter
	reconnects       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		failuresDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdog_pod_failures_detected_total",
			Help: "Number of newly classified pod failures.",
		}),
		extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "logdog_log_extractions_total",
			Help: "Number of log extraction attempts by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdog_api_retries_total",
			Help: "Number of cluster API call retries.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdog_watch_reconnects_total",
			Help: "Number of pod watch stream reconnects.",
		}),
	}
}

func (m *Metrics) IncFailuresDetected() {
	if m == nil {
		return
	}
	m.failuresDetected.Inc()
}

func (m *Metrics) IncExtraction(outcome string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until the context is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logboek.Context(ctx).Warn().LogF("Metrics server shutdown: %s\n", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
