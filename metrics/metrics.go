package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PassStatus string

const (
	PassStatusOK    PassStatus = "ok"
	PassStatusError PassStatus = "error"
)

var (
	passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flatpak_indexer_passes_total",
		Help: "Counter tracking index aggregation passes and statuses",
	}, []string{"index", "status"})

	passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flatpak_indexer_pass_duration_seconds",
		Help:    "Histogram tracking index aggregation pass durations in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"index"})

	deltasTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flatpak_indexer_deltas_total",
		Help: "Counter tracking delta computations and statuses",
	}, []string{"status"})

	deltaDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flatpak_indexer_delta_duration_seconds",
		Help:    "Histogram tracking delta computation durations in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	iconsStoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flatpak_indexer_icons_stored_total",
		Help: "Counter tracking extracted icons stored in the cache",
	})

	filesCleanedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flatpak_indexer_files_cleaned_total",
		Help: "Counter tracking artifacts removed by the retention sweep",
	})

	deltaQueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flatpak_indexer_delta_queue_pending",
		Help: "Gauge tracking delta requests waiting for a worker",
	})
)

func init() {
	prometheus.MustRegister(
		passesTotal,
		passDuration,
		deltasTotal,
		deltaDuration,
		iconsStoredTotal,
		filesCleanedTotal,
		deltaQueuePending,
	)
}

func passStatus(err error) PassStatus {
	if err != nil && !errors.Is(err, context.Canceled) {
		return PassStatusError
	}
	return PassStatusOK
}

func IncPassesTotal(index string, err error) {
	passesTotal.WithLabelValues(index, string(passStatus(err))).Inc()
}

func ObservePassDuration(index string, start time.Time) {
	passDuration.WithLabelValues(index).Observe(time.Since(start).Seconds())
}

func IncDeltasTotal(status string) {
	deltasTotal.WithLabelValues(status).Inc()
}

func ObserveDeltaDuration(start time.Time) {
	deltaDuration.Observe(time.Since(start).Seconds())
}

func IncIconsStoredTotal() {
	iconsStoredTotal.Inc()
}

func AddFilesCleanedTotal(n int) {
	filesCleanedTotal.Add(float64(n))
}

func SetDeltaQueuePending(n int64) {
	deltaQueuePending.Set(float64(n))
}
