package objstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

// Metrics holds the Prometheus collectors updated by a client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	resumes      prometheus.Counter
	refetched    prometheus.Counter
	backoffDelay prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstream",
			Name:      "attempts_total",
			Help:      "Attempts started, by operation.",
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstream",
			Name:      "retries_total",
			Help:      "Retries scheduled, by operation and failure code.",
		}, []string{"operation", "code"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objstream",
			Name:      "operations_total",
			Help:      "Completed operations, by operation and final code.",
		}, []string{"operation", "code"}),
		resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objstream",
			Subsystem: "read",
			Name:      "resumes_total",
			Help:      "Streamed reads re-issued from a non-zero offset.",
		}),
		refetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objstream",
			Subsystem: "read",
			Name:      "refetched_bytes_total",
			Help:      "Bytes fetched again and dropped after a resume.",
		}),
		backoffDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "objstream",
			Name:      "backoff_delay_seconds",
			Help:      "Backoff delay before each retry.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s ~ 51.2s
		}),
	}

	for _, c := range []prometheus.Collector{
		m.attempts, m.retries, m.outcomes, m.resumes, m.refetched, m.backoffDelay,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) attempt(op Operation) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) retry(op Operation, code codes.Code, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op.String(), code.String()).Inc()
	m.backoffDelay.Observe(delay.Seconds())
}

func (m *Metrics) done(op Operation, code codes.Code) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op.String(), code.String()).Inc()
}

func (m *Metrics) resumed() {
	if m == nil {
		return
	}
	m.resumes.Inc()
}

func (m *Metrics) dropped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.refetched.Add(float64(n))
}
