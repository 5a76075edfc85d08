// Package metrics implements C11: a Prometheus registry of the server's
// operational counters/gauges/histograms, exposed on a loopback-only
// net/http listener kept entirely separate from the epoll-driven
// listener. Grounded on x-stp-rxtls/internal/metrics/metrics.go's
// promauto.With(registry) pattern.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the server touches. Each component holds
// a reference to the same *Metrics and calls plain setter/increment
// methods — no extra synchronization, since every Prometheus collector
// type is already safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	WorkQueueDepth     prometheus.Gauge
	DBPoolInUse        prometheus.Gauge
	DBPoolFree         prometheus.Gauge
	ExpiredConnections prometheus.Counter
	LogQueueDropped    prometheus.Counter
	BusyRejections     prometheus.Counter
	RateLimited        prometheus.Counter
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_connections_active",
			Help: "Number of currently open client connections.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emberweb_requests_total",
			Help: "Total requests served, by method and status code.",
		}, []string{"method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emberweb_request_duration_seconds",
			Help:    "Time from a request being fully parsed to its response plan being assembled.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		WorkQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_work_queue_depth",
			Help: "Current depth of the worker pool's bounded work queue.",
		}),
		DBPoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_db_pool_inuse",
			Help: "Database handles currently borrowed from the pool.",
		}),
		DBPoolFree: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberweb_db_pool_free",
			Help: "Database handles currently free in the pool.",
		}),
		ExpiredConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_expired_connections_total",
			Help: "Connections closed by the idle-expiry tick.",
		}),
		LogQueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_log_queue_dropped_total",
			Help: "Log lines dropped because the async queue was full.",
		}),
		BusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_busy_rejections_total",
			Help: "Accepted sockets immediately closed because MAX_FD was reached.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberweb_rate_limited_total",
			Help: "Accepted sockets immediately closed by the per-IP accept limiter.",
		}),
	}
}

// ConnectionOpened, ConnectionClosed, ConnectionExpired, and
// ConnectionBusyRejected implement engine.Observer.
func (m *Metrics) ConnectionOpened()       { m.ConnectionsActive.Inc() }
func (m *Metrics) ConnectionClosed()       { m.ConnectionsActive.Dec() }
func (m *Metrics) ConnectionExpired()      { m.ExpiredConnections.Inc() }
func (m *Metrics) ConnectionBusyRejected() { m.BusyRejections.Inc() }
func (m *Metrics) ConnectionRateLimited()  { m.RateLimited.Inc() }
func (m *Metrics) QueueDepth(n int)        { m.WorkQueueDepth.Set(float64(n)) }

// RequestServed implements dispatch.Metrics.
func (m *Metrics) RequestServed(method string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetDBPoolStats updates the two DB pool gauges, called periodically by
// the server orchestrator.
func (m *Metrics) SetDBPoolStats(free, inUse int) {
	m.DBPoolFree.Set(float64(free))
	m.DBPoolInUse.Set(float64(inUse))
}

// LogDropped increments the dropped-log-line counter.
func (m *Metrics) LogDropped() { m.LogQueueDropped.Inc() }

// Serve runs the /metrics HTTP listener until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
