package rcu

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics groups the metrics of one Engine in its own metrics.Set so that
// several engines (classes) can live in one process. The set is only exposed
// through Engine.MetricsSet and Engine.WritePrometheus, registering it globally is
// up to the caller.
type engineMetrics struct {
	set *metrics.Set

	registered    *metrics.Counter
	invoked       *metrics.Counter
	gpStarted     *metrics.Counter
	gpCompleted   *metrics.Counter
	forcedReports *metrics.Counter
	continuations *metrics.Counter
	batchSize     *metrics.Histogram
}

// metricName builds a metric name carrying the class label
func metricName(name, class string) string {
	return fmt.Sprintf(`drcu_%s{class=%q}`, name, class)
}

func newEngineMetrics(e *Engine) *engineMetrics {
	class := e.name
	set := metrics.NewSet()

	m := &engineMetrics{
		set:           set,
		registered:    set.NewCounter(metricName("callbacks_registered_total", class)),
		invoked:       set.NewCounter(metricName("callbacks_invoked_total", class)),
		gpStarted:     set.NewCounter(metricName("grace_periods_started_total", class)),
		gpCompleted:   set.NewCounter(metricName("grace_periods_completed_total", class)),
		forcedReports: set.NewCounter(metricName("forced_quiescence_reports_total", class)),
		continuations: set.NewCounter(metricName("batch_continuations_total", class)),
		batchSize:     set.NewHistogram(metricName("batch_size", class)),
	}

	set.NewGauge(metricName("grace_period_current", class), func() float64 {
		return float64(e.control.Current())
	})
	set.NewGauge(metricName("grace_period_completed", class), func() float64 {
		return float64(e.control.Completed())
	})
	set.NewGauge(metricName("contexts_pending", class), func() float64 {
		return float64(e.tracker.PendingCount())
	})
	set.NewGauge(metricName("contexts_online", class), func() float64 {
		return float64(e.records.Size())
	})
	set.NewGauge(metricName("callbacks_queued", class), func() float64 {
		return float64(e.Queued())
	})

	return m
}

// MetricsSet returns the metrics set of the engine.
func (e *Engine) MetricsSet() *metrics.Set {
	return e.metrics.set
}

// WritePrometheus writes the engine metrics in Prometheus text format to w.
func (e *Engine) WritePrometheus(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
