// Package metrics exports pool activity to Prometheus through a monitor
// observer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
)

// Observer records pool operations and table occupancy.
type Observer struct {
	operations     *prometheus.CounterVec
	borrowDuration *prometheus.HistogramVec
	entries        *prometheus.GaugeVec
	targets        *prometheus.GaugeVec
	mu             sync.Mutex
}

// New registers the pool metrics on reg.
func New(reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)
	return &Observer{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionpool_operations_total",
				Help: "Total number of pool operations by outcome",
			},
			[]string{"pool", "op", "result"},
		),
		borrowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionpool_borrow_duration_seconds",
				Help:    "Time taken by borrow calls, including connection establishment",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"pool", "result"},
		),
		entries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionpool_entries",
				Help: "Current number of pooled entries by state",
			},
			[]string{"pool", "state"},
		),
		targets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionpool_targets",
				Help: "Current number of distinct targets with pooled entries",
			},
			[]string{"pool"},
		),
	}
}

// Visit implements monitor.Observer.
func (o *Observer) Visit(s monitor.Subject, ev monitor.Event) {
	pool := s.Name()
	if ev.Op != monitor.OpScheduled {
		o.operations.WithLabelValues(pool, string(ev.Op), ev.Result).Inc()
	}
	if ev.Op == monitor.OpBorrow && ev.Duration > 0 {
		o.borrowDuration.WithLabelValues(pool, ev.Result).Observe(ev.Duration.Seconds())
	}
	o.observe(pool, s.Snapshot())
}

func (o *Observer) observe(pool string, views []monitor.EntryView) {
	var borrowed, idle, pending int
	targets := make(map[string]struct{})
	for _, v := range views {
		targets[v.Target] = struct{}{}
		switch {
		case v.Pending:
			pending++
		case v.Borrowed:
			borrowed++
		default:
			idle++
		}
	}

	// Gauges are set from a full snapshot; serialise so concurrent visits
	// do not interleave their writes.
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries.WithLabelValues(pool, "borrowed").Set(float64(borrowed))
	o.entries.WithLabelValues(pool, "idle").Set(float64(idle))
	o.entries.WithLabelValues(pool, "pending").Set(float64(pending))
	o.targets.WithLabelValues(pool).Set(float64(len(targets)))
}
