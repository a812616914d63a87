package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"surface", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "matrixctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"surface", "method", "path", "status"},
	)
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixctl",
			Subsystem: "router",
			Name:      "exchanges_total",
			Help:      "Router exchanges by command family and outcome.",
		},
		[]string{"family", "outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "matrixctl",
			Subsystem: "router",
			Name:      "exchange_duration_seconds",
			Help:      "Router exchange duration in seconds, lock hold included.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"family"},
	)
	routeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixctl",
			Subsystem: "routing",
			Name:      "results_total",
			Help:      "Route commands by result.",
		},
		[]string{"result"},
	)
	routeCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "matrixctl",
			Subsystem: "routing",
			Name:      "corrections_total",
			Help:      "Asserted routes the router reported differently.",
		},
	)
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixctl",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Poll cycles by telemetry kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	routerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "matrixctl",
			Subsystem: "health",
			Name:      "router_connected",
			Help:      "1 when the last health probe got a framed reply.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			exchanges,
			exchangeDuration,
			routeResults,
			routeCorrections,
			pollCycles,
			routerConnected,
		)
	})
}

func RecordHTTPRequest(surface, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(surface, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(surface, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordExchange(family, outcome string, duration time.Duration) {
	RegisterMetrics()
	exchanges.WithLabelValues(family, outcome).Inc()
	exchangeDuration.WithLabelValues(family).Observe(duration.Seconds())
}

// RecordRoute labels a route "acknowledged", "silent", or "failed".
func RecordRoute(success, acknowledged bool) {
	RegisterMetrics()
	result := "failed"
	switch {
	case success && acknowledged:
		result = "acknowledged"
	case success:
		result = "silent"
	}
	routeResults.WithLabelValues(result).Inc()
}

func RecordCorrection() {
	RegisterMetrics()
	routeCorrections.Inc()
}

func RecordPoll(kind, outcome string) {
	RegisterMetrics()
	pollCycles.WithLabelValues(kind, outcome).Inc()
}

func SetRouterConnected(connected bool) {
	RegisterMetrics()
	if connected {
		routerConnected.Set(1)
		return
	}
	routerConnected.Set(0)
}

// ExchangeMetrics is a session.Observer feeding the router exchange metrics.
type ExchangeMetrics struct{}

func (ExchangeMetrics) ObserveExchange(r session.Record) {
	RecordExchange(r.Command.Family, r.Outcome(), r.Duration)
}
