package domain

import (
	"context"
	"time"
)

// MetricsRecorder observes engine operations. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) Observe(context.Context, string, bool, time.Duration) {}
