package observability

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "prefork"

// TextFormat is the content type of WriteText output.
var TextFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

// WorkerMetrics holds the per-process metrics of one worker. Each worker owns
// its registry; the values are not aggregated across processes.
type WorkerMetrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	requests            *prometheus.CounterVec
	requestDuration     prometheus.Histogram
	handlerErrors       prometheus.Counter
	sendTimeouts        prometheus.Counter
	datagrams           prometheus.Counter
}

// NewWorkerMetrics creates the metrics for worker id.
func NewWorkerMetrics(id int) *WorkerMetrics {
	labels := prometheus.Labels{"worker": strconv.Itoa(id)}
	m := &WorkerMetrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "connections_accepted_total",
			Help:        "Connections accepted by this worker.",
			ConstLabels: labels,
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "connections_active",
			Help:        "Connections currently served by this worker.",
			ConstLabels: labels,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "requests_total",
			Help:        "Requests answered, by status code.",
			ConstLabels: labels,
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "request_duration_seconds",
			Help:        "Time spent in the application handler.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 9),
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "handler_errors_total",
			Help:        "Handler failures converted to 500 responses.",
			ConstLabels: labels,
		}),
		sendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "send_timeouts_total",
			Help:        "Responses dropped because the send deadline passed.",
			ConstLabels: labels,
		}),
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "datagrams_total",
			Help:        "Datagrams received.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(
		m.connectionsAccepted,
		m.connectionsActive,
		m.requests,
		m.requestDuration,
		m.handlerErrors,
		m.sendTimeouts,
		m.datagrams,
	)
	return m
}

func (m *WorkerMetrics) ConnectionOpened() {
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *WorkerMetrics) ConnectionClosed() { m.connectionsActive.Dec() }
func (m *WorkerMetrics) HandlerError()     { m.handlerErrors.Inc() }
func (m *WorkerMetrics) SendTimeout()      { m.sendTimeouts.Inc() }
func (m *WorkerMetrics) Datagram()         { m.datagrams.Inc() }

// ObserveRequest records one answered request.
func (m *WorkerMetrics) ObserveRequest(code int, d time.Duration) {
	m.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	m.requestDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (m *WorkerMetrics) Registry() *prometheus.Registry { return m.registry }

// WriteText writes every metric in the Prometheus text format.
func (m *WorkerMetrics) WriteText(w io.Writer) error {
	return writeText(w, m.registry)
}

func writeText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, TextFormat)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// SupervisorMetrics tracks worker processes from the supervisor.
type SupervisorMetrics struct {
	registry *prometheus.Registry

	spawned    prometheus.Counter
	running    prometheus.Gauge
	exits      *prometheus.CounterVec
	forceStops prometheus.Counter
}

// NewSupervisorMetrics creates the supervisor metrics, including the Go and
// process collectors of the supervisor itself.
func NewSupervisorMetrics() *SupervisorMetrics {
	m := &SupervisorMetrics{
		registry: prometheus.NewRegistry(),
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers_spawned_total",
			Help:      "Worker processes started.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "workers_running",
			Help:      "Worker processes currently running.",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "worker_exits_total",
			Help:      "Worker process exits, by exit code.",
		}, []string{"code"}),
		forceStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "worker_force_stops_total",
			Help:      "Worker processes that had to be signalled to stop.",
		}),
	}
	m.registry.MustRegister(
		m.spawned,
		m.running,
		m.exits,
		m.forceStops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *SupervisorMetrics) WorkerSpawned() {
	m.spawned.Inc()
	m.running.Inc()
}

func (m *SupervisorMetrics) WorkerExited(code int) {
	m.running.Dec()
	m.exits.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *SupervisorMetrics) ForceStopped() { m.forceStops.Inc() }

// Registry exposes the underlying registry.
func (m *SupervisorMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the supervisor registry over HTTP.
func (m *SupervisorMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
