package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"net/http"
)

var (
	ErrorsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total number of occurred errors.",
		},
		[]string{"type"},
	)
	EventsReceivedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_change_events_received_total",
			Help: "Total number of change events delivered by the transport.",
		},
		[]string{"table"},
	)
	DuplicateEventsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_change_events_duplicate_total",
			Help: "Total number of redelivered change events dropped by de-duplication.",
		},
	)
	StatusAnomaliesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_status_anomalies_total",
			Help: "Total number of status events that were not the legal successor.",
		},
	)
	BufferedEventsDroppedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_buffered_events_dropped_total",
			Help: "Total number of events for unloaded applications dropped after the buffer TTL.",
		},
	)
	ReconnectsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_transport_reconnects_total",
			Help: "Total number of successful transport reconnections.",
		},
	)
	LoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_snapshot_load_duration_seconds",
			Help:    "Duration of authoritative snapshot loads in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

func StartMetricsServer() {

	prometheus.MustRegister(ErrorsCounter)
	prometheus.MustRegister(EventsReceivedCounter)
	prometheus.MustRegister(DuplicateEventsCounter)
	prometheus.MustRegister(StatusAnomaliesCounter)
	prometheus.MustRegister(BufferedEventsDroppedCounter)
	prometheus.MustRegister(ReconnectsCounter)
	prometheus.MustRegister(LoadDuration)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Fatal(http.ListenAndServe(":8080", nil))
	}()
}
