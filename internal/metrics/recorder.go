package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	operationDurationMetricName = "rynk_conversation_operation_duration_seconds"
	operationErrorsMetricName   = "rynk_conversation_operation_errors_total"
	branchesEvictedMetricName   = "rynk_conversation_branches_evicted_total"
)

// Recorder publishes conversation store timings and failures to Prometheus.
type Recorder struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	evicted  prometheus.Counter
}

// NewRecorder registers the conversation store collectors on registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	factory := promauto.With(registerer)
	return &Recorder{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    operationDurationMetricName,
			Help:    "Seconds spent in conversation store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: operationErrorsMetricName,
			Help: "Conversation store operations that returned an error, by error kind",
		}, []string{"operation", "kind"}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Name: branchesEvictedMetricName,
			Help: "Branches dropped after a conversation exceeded its branch cap",
		}),
	}
}

// ObserveOperation records one completed operation. An empty errorKind means success.
func (r *Recorder) ObserveOperation(operation string, elapsed time.Duration, errorKind string) {
	r.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if errorKind != "" {
		r.errors.WithLabelValues(operation, errorKind).Inc()
	}
}

// ObserveBranchEviction counts branches dropped once a conversation exceeds its branch cap.
func (r *Recorder) ObserveBranchEviction(count int) {
	if count > 0 {
		r.evicted.Add(float64(count))
	}
}
