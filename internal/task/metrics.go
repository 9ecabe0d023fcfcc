package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report task manager activity.
type Metrics struct {
	submitted     prometheus.Counter
	finished      *prometheus.CounterVec
	duration      prometheus.Histogram
	active        prometheus.Gauge
	droppedEvents prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created only once so
// multiple managers (as in tests) do not trip duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "tasks",
		Name:      "submitted_total",
		Help:      "Total number of tasks submitted.",
	})
	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Total number of tasks that reached a terminal state.",
	}, []string{"status"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fable",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Wall time from submission to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fable",
		Subsystem: "tasks",
		Name:      "active",
		Help:      "Number of tasks currently pending or running.",
	})
	droppedEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fable",
		Subsystem: "tasks",
		Name:      "dropped_events_total",
		Help:      "Progress events dropped because a subscriber buffer was full.",
	})

	for _, c := range []prometheus.Collector{submitted, finished, duration, active, droppedEvents} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return &Metrics{
		submitted:     submitted,
		finished:      finished,
		duration:      duration,
		active:        active,
		droppedEvents: droppedEvents,
	}
}

func (m *Metrics) taskSubmitted() {
	m.submitted.Inc()
	m.active.Inc()
}

func (m *Metrics) taskFinished(status Status, started time.Time) {
	m.finished.WithLabelValues(string(status)).Inc()
	m.duration.Observe(time.Since(started).Seconds())
	m.active.Dec()
}

func (m *Metrics) eventDropped() {
	m.droppedEvents.Inc()
}
