package core

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExpvarMetricsRecorder publishes per-operation counters and cumulative
// latency under one expvar map.
type ExpvarMetricsRecorder struct {
	mu   sync.Mutex
	root *expvar.Map
}

// NewExpvarMetricsRecorder publishes (or reuses) the expvar map under name.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	var root *expvar.Map
	if v := expvar.Get(name); v != nil {
		if m, ok := v.(*expvar.Map); ok {
			root = m
		}
	}
	if root == nil {
		root = expvar.NewMap(name)
	}
	return &ExpvarMetricsRecorder{root: root}
}

func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := "ok"
	if !success {
		outcome = "err"
	}
	r.root.Add(fmt.Sprintf("%s_%s_total", operation, outcome), 1)
	r.root.Add(operation+"_duration_ns", duration.Nanoseconds())
}

// PrometheusMetricsRecorder exports an operation counter and a latency
// histogram through a caller-supplied registerer.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the engine metrics on reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groovecore",
		Name:      "operations_total",
		Help:      "Engine operations by name and outcome.",
	}, []string{"operation", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "groovecore",
		Name:      "operation_duration_seconds",
		Help:      "Engine operation latency by name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	for _, c := range []prometheus.Collector{operations, latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register engine metrics: %w", err)
		}
	}
	return &PrometheusMetricsRecorder{operations: operations, latency: latency}, nil
}

func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "err"
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}
