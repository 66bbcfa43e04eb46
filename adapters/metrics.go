package adapters

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusComputeTimers tracks subtask compute wall-time as a Prometheus
// histogram, keyed only by completion: a Start followed by a Finish is observed,
// and a Finish with no matching Start is ignored.
type PrometheusComputeTimers struct {
	histogram prometheus.Histogram

	mu      sync.Mutex
	started map[string]time.Time
}

// NewComputeTimersWithRegisterer constructs a PrometheusComputeTimers registered
// against reg, the same constructor shape used for the context metrics collector.
func NewComputeTimersWithRegisterer(reg prometheus.Registerer) *PrometheusComputeTimers {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtm_subtask_compute_seconds",
		Help:    "Wall-clock duration a subtask spent between assignment and verification.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
	reg.MustRegister(histogram)
	return &PrometheusComputeTimers{histogram: histogram, started: make(map[string]time.Time)}
}

// Start records the assignment time for subtaskID.
func (t *PrometheusComputeTimers) Start(subtaskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[subtaskID] = time.Now()
}

// Finish observes the elapsed duration since Start and forgets subtaskID.
func (t *PrometheusComputeTimers) Finish(subtaskID string) {
	t.mu.Lock()
	start, ok := t.started[subtaskID]
	if ok {
		delete(t.started, subtaskID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.histogram.Observe(time.Since(start).Seconds())
}
