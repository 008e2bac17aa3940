package bgremover

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsReporter implements Reporter and exposes progress as Prometheus
// metrics. Register it once per registry, it is safe for concurrent batches.
type MetricsReporter struct {
	items    *prometheus.CounterVec
	inFlight prometheus.Gauge
	batches  *prometheus.CounterVec
}

// NewMetricsReporter returns MetricsReporter with metrics under namespace.
func NewMetricsReporter(namespace string) *MetricsReporter {
	return &MetricsReporter{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Processed images by outcome.",
		}, []string{"outcome", "cause"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_in_flight",
			Help:      "Images currently in the decode, transform, encode pipeline.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Finished batches by result.",
		}, []string{"result"}),
	}
}

// Describe implements prometheus.Collector.
func (mr *MetricsReporter) Describe(ch chan<- *prometheus.Desc) {
	mr.items.Describe(ch)
	mr.inFlight.Describe(ch)
	mr.batches.Describe(ch)
}

// Collect implements prometheus.Collector.
func (mr *MetricsReporter) Collect(ch chan<- prometheus.Metric) {
	mr.items.Collect(ch)
	mr.inFlight.Collect(ch)
	mr.batches.Collect(ch)
}

// OnEvent implements Reporter.
func (mr *MetricsReporter) OnEvent(ev ProgressEvent) {
	switch ev.Phase {
	case PhaseStarted:
		mr.inFlight.Inc()
	case PhaseSucceeded:
		mr.inFlight.Dec()
		mr.items.WithLabelValues("succeeded", "").Inc()
	case PhaseFailed:
		mr.inFlight.Dec()
		cause := ""
		if ev.Err != nil {
			cause = ev.Err.Cause.String()
		}
		mr.items.WithLabelValues("failed", cause).Inc()
	}
}

// OnBatchComplete implements Reporter.
func (mr *MetricsReporter) OnBatchComplete(succeeded, failed int) {
	switch {
	case failed == 0:
		mr.batches.WithLabelValues("ok").Inc()
	case succeeded == 0:
		mr.batches.WithLabelValues("failed").Inc()
	default:
		mr.batches.WithLabelValues("partial").Inc()
	}
}

// OnEmptyBatch implements Reporter.
func (mr *MetricsReporter) OnEmptyBatch() {
	mr.batches.WithLabelValues("empty").Inc()
}
