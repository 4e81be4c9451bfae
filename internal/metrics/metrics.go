// Package metrics defines the Prometheus collectors of workers and the
// router. Collectors are registered on an explicit registry so tests and
// multiple servers in one process do not collide.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatloop/internal/errs"
)

const namespace = "chatloop"

// Inference covers end-to-end generation.
type Inference struct {
	RequestsTotal      prometheus.Counter
	RequestsSuccess    prometheus.Counter
	RequestsFailed     *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	PromptDuration     prometheus.Histogram
	GenerationDuration prometheus.Histogram
	TokensGenerated    prometheus.Counter
	TokensPerSecond    prometheus.Histogram
	ActiveRequests     prometheus.Gauge
}

// Worker covers one pipeline stage.
type Worker struct {
	ForwardDuration prometheus.Histogram
	QueueTime       prometheus.Histogram
	QueueDepth      prometheus.Gauge
	BatchSize       prometheus.Histogram
	KVCacheBytes    prometheus.Gauge
	ActiveSequences prometheus.Gauge
	Evictions       prometheus.Counter
	HandoffRetries  prometheus.Counter
	Rejected        *prometheus.CounterVec
	BatchErrors     *prometheus.CounterVec
}

// Router covers replica selection and health.
type Router struct {
	RequestsRouted     prometheus.Counter
	HealthyReplicas    prometheus.Gauge
	UnhealthyReplicas  prometheus.Gauge
	ReplicaResponse    *prometheus.HistogramVec
	Decisions          *prometheus.CounterVec
	NoReplicaAvailable prometheus.Counter
	Rejected           *prometheus.CounterVec
}

// HTTP covers the API surface.
type HTTP struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Inflight        *prometheus.GaugeVec
	Backpressure    *prometheus.CounterVec
}

// Metrics bundles every collector group.
type Metrics struct {
	Registry  *prometheus.Registry
	Inference Inference
	Worker    Worker
	Router    Router
	HTTP      HTTP
}

func histogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

// New creates all collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.Inference = Inference{
		RequestsTotal:   counter("inference", "requests_total", "Total number of inference requests"),
		RequestsSuccess: counter("inference", "requests_success_total", "Total number of successful inference requests"),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inference", Name: "requests_failed_total",
			Help: "Total number of failed inference requests",
		}, []string{"kind"}),
		RequestDuration: histogram("inference", "request_duration_seconds", "Inference request duration in seconds",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}),
		PromptDuration: histogram("inference", "prompt_duration_seconds", "Prompt processing duration in seconds",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}),
		GenerationDuration: histogram("inference", "generation_duration_seconds", "Token generation duration in seconds",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}),
		TokensGenerated: counter("inference", "tokens_generated_total", "Total number of tokens generated"),
		TokensPerSecond: histogram("inference", "tokens_per_second", "Tokens generated per second",
			[]float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}),
		ActiveRequests: gauge("inference", "active_requests", "Current number of active inference requests"),
	}

	m.Worker = Worker{
		ForwardDuration: histogram("worker", "forward_duration_seconds", "Forward pass duration in seconds",
			[]float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}),
		QueueTime: histogram("worker", "queue_time_seconds", "Time the oldest entry of a batch spent queued",
			[]float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025}),
		QueueDepth: gauge("worker", "queue_depth", "Current depth of the batching queue"),
		BatchSize: histogram("worker", "batch_size", "Batch size distribution",
			[]float64{1, 2, 4, 8, 16, 32, 64, 128}),
		KVCacheBytes:    gauge("worker", "kv_cache_size_bytes", "KV cache bytes in use"),
		ActiveSequences: gauge("worker", "active_sequences", "Sequences holding a cache entry"),
		Evictions:       counter("worker", "kv_evictions_total", "KV cache entries evicted to make room"),
		HandoffRetries:  counter("worker", "handoff_retries_total", "Failed handoff attempts to the next stage"),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "rejected_total",
			Help: "Submissions rejected by the batching engine",
		}, []string{"reason"}),
		BatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "batch_errors_total",
			Help: "Batches that failed as a whole",
		}, []string{"kind"}),
	}

	m.Router = Router{
		RequestsRouted:    counter("router", "requests_routed_total", "Total number of requests routed"),
		HealthyReplicas:   gauge("router", "healthy_replicas", "Replicas currently healthy"),
		UnhealthyReplicas: gauge("router", "unhealthy_replicas", "Replicas currently unhealthy"),
		ReplicaResponse: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "router", Name: "replica_response_seconds",
			Help:    "Replica response time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"replica"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "load_balancing_decisions_total",
			Help: "Routing decisions per replica",
		}, []string{"replica"}),
		NoReplicaAvailable: counter("router", "no_replicas_available_total", "Requests rejected because no replica was healthy"),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "rejected_total",
			Help: "Requests rejected before routing",
		}, []string{"reason"}),
	}

	m.HTTP = HTTP{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "Duration of HTTP requests in seconds", Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		Inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "In-flight HTTP requests",
		}, []string{"path"}),
		Backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "backpressure_total",
			Help: "Total backpressure rejections (429)",
		}, []string{"reason"}),
	}

	i, w, r, h := m.Inference, m.Worker, m.Router, m.HTTP
	m.Registry.MustRegister(
		i.RequestsTotal, i.RequestsSuccess, i.RequestsFailed, i.RequestDuration, i.PromptDuration,
		i.GenerationDuration, i.TokensGenerated, i.TokensPerSecond, i.ActiveRequests,
		w.ForwardDuration, w.QueueTime, w.QueueDepth, w.BatchSize, w.KVCacheBytes, w.ActiveSequences,
		w.Evictions, w.HandoffRetries, w.Rejected, w.BatchErrors,
		r.RequestsRouted, r.HealthyReplicas, r.UnhealthyReplicas, r.ReplicaResponse, r.Decisions,
		r.NoReplicaAvailable, r.Rejected,
		h.RequestsTotal, h.RequestDuration, h.Inflight, h.Backpressure,
	)
	return m
}

// BatchDispatched records a dispatched batch.
func (m *Metrics) BatchDispatched(size int, oldestWait time.Duration) {
	m.Worker.BatchSize.Observe(float64(size))
	m.Worker.QueueTime.Observe(oldestWait.Seconds())
}

// Rejected records a submission the batching engine turned away.
func (m *Metrics) Rejected(reason string) {
	m.Worker.Rejected.WithLabelValues(reason).Inc()
}

// ForwardDone records a forward pass.
func (m *Metrics) ForwardDone(size int, d time.Duration, err error) {
	m.Worker.ForwardDuration.Observe(d.Seconds())
	if err != nil {
		m.Worker.BatchErrors.WithLabelValues(errs.Kind(err)).Inc()
	}
}

// HandoffRetry records a failed handoff attempt.
func (m *Metrics) HandoffRetry() { m.Worker.HandoffRetries.Inc() }

// RecordInference records one finished generation.
func (m *Metrics) RecordInference(total, prompt time.Duration, tokens int, err error) {
	m.Inference.RequestsTotal.Inc()
	m.Inference.RequestDuration.Observe(total.Seconds())
	if err != nil {
		m.Inference.RequestsFailed.WithLabelValues(errs.Kind(err)).Inc()
		return
	}
	m.Inference.RequestsSuccess.Inc()
	m.Inference.PromptDuration.Observe(prompt.Seconds())
	m.Inference.TokensGenerated.Add(float64(tokens))
	if gen := total - prompt; gen > 0 && tokens > 0 {
		m.Inference.GenerationDuration.Observe(gen.Seconds() / float64(tokens))
		m.Inference.TokensPerSecond.Observe(float64(tokens) / gen.Seconds())
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(path, method string, status int, d time.Duration) {
	s := strconv.Itoa(status)
	m.HTTP.RequestsTotal.WithLabelValues(path, method, s).Inc()
	m.HTTP.RequestDuration.WithLabelValues(path, method, s).Observe(d.Seconds())
}
