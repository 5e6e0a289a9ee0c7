// Package telemetry exposes Prometheus metrics for the core runtime and
// the RPC gateway. Each Collector owns its registry so tests and multiple
// runtimes in one process never collide on the global one.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mos"

var coreStates = []string{"BOOTING", "WARMING", "READY", "DEGRADED", "READ_ONLY"}

type Collector struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	executionTime *prometheus.HistogramVec
	breakerOpens  prometheus.Counter
	breakerOpen   prometheus.Gauge
	coreState     *prometheus.GaugeVec
	rpcRequests   *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	rpcPeers      prometheus.Gauge
	droppedFrames prometheus.Counter
	smsDeliveries *prometheus.CounterVec
	ticketsIssued prometheus.Counter
	ticketRevenue prometheus.Counter
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "executions_total",
		Help:      "Safe executions by operation and result code.",
	}, []string{"operation", "code"})
	c.executionTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "execution_duration_seconds",
		Help:      "Duration of safe executions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})
	c.breakerOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "circuit_opens_total",
		Help:      "Number of times the circuit breaker opened.",
	})
	c.breakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "circuit_open",
		Help:      "1 while the circuit breaker is open.",
	})
	c.coreState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "state",
		Help:      "1 for the current stored core state, 0 otherwise.",
	}, []string{"state"})
	c.rpcRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "RPC requests by method and status.",
	}, []string{"method", "status"})
	c.rpcLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "RPC request latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method"})
	c.rpcPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "peers",
		Help:      "Connected RPC peers.",
	})
	c.droppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "dropped_frames_total",
		Help:      "Outbound frames dropped on full peer queues.",
	})
	c.smsDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sms",
		Name:      "deliveries_total",
		Help:      "SMS deliveries by final status.",
	}, []string{"status"})
	c.ticketsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "tickets_issued_total",
		Help:      "Tickets issued.",
	})
	c.ticketRevenue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "ticket_revenue_kes_total",
		Help:      "Fare revenue collected through issued tickets, in KES.",
	})

	c.registry.MustRegister(
		c.executions, c.executionTime, c.breakerOpens, c.breakerOpen, c.coreState,
		c.rpcRequests, c.rpcLatency, c.rpcPeers, c.droppedFrames,
		c.smsDeliveries, c.ticketsIssued, c.ticketRevenue,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveExecution, ObserveBreaker and ObserveState make the Collector a
// core.Observer.
func (c *Collector) ObserveExecution(operation, code string, d time.Duration) {
	c.executions.WithLabelValues(operation, code).Inc()
	c.executionTime.WithLabelValues(operation).Observe(d.Seconds())
}

func (c *Collector) ObserveBreaker(open bool) {
	if open {
		c.breakerOpens.Inc()
		c.breakerOpen.Set(1)
		return
	}
	c.breakerOpen.Set(0)
}

func (c *Collector) ObserveState(state string) {
	for _, s := range coreStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.coreState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) ObserveRPC(method, status string, d time.Duration) {
	if method == "" {
		method = "unknown"
	}
	c.rpcRequests.WithLabelValues(method, status).Inc()
	c.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) PeerConnected()    { c.rpcPeers.Inc() }
func (c *Collector) PeerDisconnected() { c.rpcPeers.Dec() }
func (c *Collector) FrameDropped()     { c.droppedFrames.Inc() }

func (c *Collector) ObserveSMS(status string) { c.smsDeliveries.WithLabelValues(status).Inc() }

func (c *Collector) ObserveTicket(amount int64) {
	c.ticketsIssued.Inc()
	c.ticketRevenue.Add(float64(amount))
}
