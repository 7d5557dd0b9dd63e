// Package metrics provides Prometheus instrumentation for the decidez server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only decidez metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the decidez server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	DecisionCacheSize     prometheus.Gauge
	CacheLoadsTotal       prometheus.Counter
	CacheInvalidations    prometheus.Counter
	EvaluationsTotal      *prometheus.CounterVec
	EvaluationDuration    *prometheus.HistogramVec
	EvalCacheHitsTotal    prometheus.Counter
	EvalCacheMissesTotal  prometheus.Counter
	EvalCacheEvictedTotal prometheus.Counter
	AuthFailuresTotal     prometheus.Counter
	ActiveStreams         *prometheus.GaugeVec
}

// New creates and registers all decidez metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decidez_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decidez_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decidez_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decidez_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		DecisionCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decidez_decision_cache_size",
			Help: "Number of compiled decisions held in memory.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decidez_cache_loads_total",
			Help: "Total number of full decision cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decidez_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decidez_decisions_total",
			Help: "Total number of decision evaluations.",
		}, []string{"strategy", "reason"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "decidez_decision_duration_seconds",
			Help:    "Decision evaluation latency in seconds, including state lookups.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"strategy"}),

		EvalCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decidez_evaluation_cache_hits_total",
			Help: "Total number of memoized evaluation results served.",
		}),

		EvalCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decidez_evaluation_cache_misses_total",
			Help: "Total number of evaluation cache misses.",
		}),

		EvalCacheEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decidez_evaluation_cache_evicted_total",
			Help: "Total number of expired evaluation results swept from the cache.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decidez_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "decidez_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.DecisionCacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.EvalCacheHitsTotal,
		m.EvalCacheMissesTotal,
		m.EvalCacheEvictedTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency. route labels the request
// by its matched ServeMux pattern so path parameters do not explode the label
// set.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordEvaluation counts one decision and observes its latency.
func (m *Metrics) RecordEvaluation(strategy, reason string, elapsed time.Duration) {
	m.EvaluationsTotal.WithLabelValues(strategy, reason).Inc()
	m.EvaluationDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// SetCacheSize updates the decision cache size gauge.
func (m *Metrics) SetCacheSize(size int) {
	m.DecisionCacheSize.Set(float64(size))
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// EvaluationCache adapts m to the evaluation cache observer hooks.
func (m *Metrics) EvaluationCache() EvaluationCacheObserver {
	return EvaluationCacheObserver{m: m}
}

// EvaluationCacheObserver reports evaluation cache activity.
type EvaluationCacheObserver struct {
	m *Metrics
}

func (o EvaluationCacheObserver) CacheHit()  { o.m.EvalCacheHitsTotal.Inc() }
func (o EvaluationCacheObserver) CacheMiss() { o.m.EvalCacheMissesTotal.Inc() }

func (o EvaluationCacheObserver) CacheEvicted(n int) {
	o.m.EvalCacheEvictedTotal.Add(float64(n))
}
