// Package telemetry times named operations and their intermediate steps.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"convodb/pkg/logger"
)

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "convodb",
		Name:      "operation_duration_seconds",
		Help:      "Latency of tracked operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "convodb",
		Name:      "operation_step_duration_seconds",
		Help:      "Latency between marks inside tracked operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op", "step"})

	slowThreshold atomic.Int64
)

// SetSlowThreshold logs operations slower than d; zero disables.
func SetSlowThreshold(d time.Duration) { slowThreshold.Store(int64(d)) }

type Step struct {
	Name     string
	Duration time.Duration
}

type Trace struct {
	Name     string
	Start    time.Time
	Steps    []Step
	lastMark time.Time
	done     bool
}

// Track starts a new trace.
func Track(name string) *Trace {
	now := time.Now()
	return &Trace{Name: name, Start: now, lastMark: now}
}

// Mark records the elapsed duration since the last mark.
func (tr *Trace) Mark(label string) {
	now := time.Now()
	d := now.Sub(tr.lastMark)
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: d})
	stepDuration.WithLabelValues(tr.Name, label).Observe(d.Seconds())
	tr.lastMark = now
}

// Finish records the total duration. Safe to call multiple times or via defer.
func (tr *Trace) Finish() time.Duration {
	if tr.done {
		return 0
	}
	tr.done = true
	total := time.Since(tr.Start)
	opDuration.WithLabelValues(tr.Name).Observe(total.Seconds())
	if th := time.Duration(slowThreshold.Load()); th > 0 && total > th {
		args := []any{"op", tr.Name, "total_ms", total.Milliseconds()}
		for _, s := range tr.Steps {
			args = append(args, s.Name+"_ms", s.Duration.Milliseconds())
		}
		logger.Warn("slow_operation", args...)
	}
	return total
}
