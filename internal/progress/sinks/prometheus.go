package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/worldbank-country-cache/internal/progress"
)

// PrometheusSink exports fan-out run metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	requestsDone  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countrycache_runs_started_total",
			Help: "Country fan-out runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "countrycache_runs_completed_total",
			Help: "Country fan-out runs completed, by result (data or empty).",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "countrycache_runs_running",
			Help: "Country fan-out runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "countrycache_run_duration_seconds",
			Help:    "Wall time per completed fan-out run.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		requestsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "countrycache_run_requests_total",
			Help: "Request types completed inside runs, by type and success.",
		}, []string{"request_type", "success"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.requestsDone,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			s.runsRunning.Inc()
		case progress.StageRequestDone:
			s.requestsDone.WithLabelValues(evt.RequestType, fmt.Sprint(evt.Success)).Inc()
		case progress.StageRunDone:
			result := "empty"
			if evt.Success {
				result = "data"
			}
			s.runsCompleted.WithLabelValues(result).Inc()
			s.runsRunning.Dec()
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
