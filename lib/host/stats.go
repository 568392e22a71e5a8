package host

import (
	"io"
	"time"

	"github.com/ValentinKolb/dRCU/lib/rcu"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// LatencyStats summarizes the Synchronize round trips of a class
type LatencyStats struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Stats is a point-in-time summary of a host
type Stats struct {
	Contexts    int                     `json:"contexts"`
	Ticks       uint64                  `json:"ticks"`
	Classes     []rcu.Stats             `json:"classes"`
	Synchronize map[string]LatencyStats `json:"synchronize"`
}

// Stats returns a summary of the host and all of its classes
func (h *Host) Stats() Stats {
	s := Stats{
		Contexts:    h.contexts.Size(),
		Ticks:       h.ticks.Get(),
		Synchronize: make(map[string]LatencyStats),
	}

	for class, e := range h.engines {
		if e == nil {
			continue
		}
		s.Classes = append(s.Classes, e.Stats())
		s.Synchronize[e.Name()] = latencyStats(h.latency[class])
	}
	return s
}

func latencyStats(t gometrics.Timer) LatencyStats {
	snap := t.Snapshot()
	ps := snap.Percentiles([]float64{0.5, 0.99})
	return LatencyStats{
		Count: snap.Count(),
		Mean:  time.Duration(snap.Mean()),
		P50:   time.Duration(ps[0]),
		P99:   time.Duration(ps[1]),
		Max:   time.Duration(snap.Max()),
	}
}

// Registry returns the go-metrics registry holding the Synchronize latency timers
// ("synchronize.normal", "synchronize.fast").
func (h *Host) Registry() gometrics.Registry {
	return h.registry
}

// MetricsSets returns the metrics sets of the host and of every class
func (h *Host) MetricsSets() []*metrics.Set {
	sets := []*metrics.Set{h.metrics}
	for _, e := range h.engines {
		if e != nil {
			sets = append(sets, e.MetricsSet())
		}
	}
	return sets
}

// WritePrometheus writes the metrics of the host and of every class in Prometheus
// text format to w.
func (h *Host) WritePrometheus(w io.Writer) {
	for _, set := range h.MetricsSets() {
		set.WritePrometheus(w)
	}
}
