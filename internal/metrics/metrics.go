// Package metrics exposes this node's operational counters over
// Prometheus's text format (SPEC_FULL.md's supplemented health/metrics
// endpoint) and a plain liveness probe for load balancers and orchestrators.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every gauge/counter/histogram this node publishes.
type Metrics struct {
	RoomsLive      prometheus.Gauge
	UsersLive      prometheus.Gauge
	CommandsTotal  *prometheus.CounterVec
	ClusterRPCSecs *prometheus.HistogramVec
	BreakerOpen    *prometheus.GaugeVec
}

// New registers every metric against a fresh registry, so a test can build
// as many Metrics as it likes without colliding on prometheus's default
// global registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		RoomsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcluster",
			Name:      "rooms_live",
			Help:      "Rooms currently resident on this node, public and private.",
		}),
		UsersLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcluster",
			Name:      "users_live",
			Help:      "Users currently logged in through this node.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "commands_total",
			Help:      "Commands dispatched, by command kind.",
		}, []string{"kind"}),
		ClusterRPCSecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatcluster",
			Name:      "cluster_rpc_seconds",
			Help:      "Latency of outbound inter-node RPCs, by procedure.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"proc"}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcluster",
			Name:      "breaker_open",
			Help:      "1 if the circuit breaker to a peer node is open, else 0.",
		}, []string{"node"}),
	}, reg
}

// Handler serves both /metrics and /healthz off reg.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}
