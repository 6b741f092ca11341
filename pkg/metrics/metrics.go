package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_containers",
			Help: "Number of containers by lifecycle state",
		},
		[]string{"state"},
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_restarts_total",
			Help: "Total number of automatic container restarts",
		},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_failures_total",
			Help: "Total number of container failures by reason code",
		},
		[]string{"reason"},
	)

	// Health probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_health_probes_total",
			Help: "Total number of health probes by result",
		},
		[]string{"result"},
	)

	HealthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_health_transitions_total",
			Help: "Total number of health state transitions by target state",
		},
		[]string{"state"},
	)

	// Layer store metrics
	LayersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_layers_total",
			Help: "Number of layers in the content-addressed store",
		},
	)

	AssembleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_rootfs_assemble_duration_seconds",
			Help:    "Time taken to assemble a container root filesystem",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersByState,
		RestartsTotal,
		FailuresTotal,
		ProbesTotal,
		HealthTransitionsTotal,
		LayersTotal,
		AssembleDuration,
	)
}

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProbe records the outcome of a single health probe.
func ObserveProbe(healthy bool) {
	if healthy {
		ProbesTotal.WithLabelValues("success").Inc()
	} else {
		ProbesTotal.WithLabelValues("failure").Inc()
	}
}
