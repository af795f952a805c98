package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatch statistics per bus.
type Metrics struct {
	mu sync.Mutex

	dispatchedTotal *prometheus.CounterVec
	durationSecs    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schemabus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates a dispatch metrics collector. A nil registerer uses
// the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		dispatchedTotal: newBusCounterVec("dispatched_total", "Total number of messages dispatched, by kind and result", []string{"kind", "result"}),
		durationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "schemabus",
				Subsystem: "bus",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent handling a dispatched message",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"kind"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.dispatchedTotal, m.durationSecs} {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) observe(kind string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatchedTotal.WithLabelValues(kind, result).Inc()
	m.durationSecs.WithLabelValues(kind).Observe(seconds)
}
