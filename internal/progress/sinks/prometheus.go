package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/geoload/internal/progress"
)

// PrometheusSink exports upload progress via Prometheus. It owns collectors
// for sessions started/finished/running, snapshots per phase, and the most
// recent completion percentage.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec

	snapshots   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	lastPercent prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geoload_sessions_started_total",
			Help: "Upload sessions observed for the first time.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoload_sessions_finished_total",
			Help: "Upload sessions that reached a terminal phase, by outcome.",
		}, []string{"outcome"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoload_sessions_running",
			Help: "Upload sessions currently in flight.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoload_session_runtime_seconds",
			Help:    "Wall time from first to terminal snapshot, by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoload_snapshots_total",
			Help: "Snapshots published, by phase.",
		}, []string{"phase"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoload_failures_total",
			Help: "Error snapshots, by error kind.",
		}, []string{"kind"}),
		lastPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geoload_last_percent",
			Help: "Completion percentage of the most recent snapshot.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.snapshots,
		s.failures,
		s.lastPercent,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	snap := evt.Snapshot
	s.snapshots.WithLabelValues(string(snap.Phase)).Inc()
	s.lastPercent.Set(snap.Percent)
	if s.tracker.start(evt.RunID, snap.TS) {
		s.sessionsStarted.Inc()
		s.sessionsRunning.Inc()
	}
	if snap.Phase == progress.PhaseError {
		s.failures.WithLabelValues(snap.Kind.String()).Inc()
	}
	if !snap.Terminal() {
		return
	}
	outcome := string(snap.Phase)
	s.sessionsFinished.WithLabelValues(outcome).Inc()
	if began, ok := s.tracker.complete(evt.RunID); ok {
		s.sessionsRunning.Dec()
		if d := snap.TS.Sub(began); d > 0 {
			s.sessionRuntime.WithLabelValues(outcome).Observe(d.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]time.Time
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]time.Time)}
}

func (t *runTracker) start(id [16]byte, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = ts
	return true
}

func (t *runTracker) complete(id [16]byte) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	began, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return began, true
}
