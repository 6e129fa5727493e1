// Package poller drives a progress fetcher on a fixed cadence with at most
// one request outstanding. A run ends on the first terminal snapshot, on
// Stop, or when its context ends.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/progress"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = time.Second

// Fetcher performs a single status request.
type Fetcher interface {
	FetchOnce(ctx context.Context, sessionID string) (progress.Snapshot, error)
}

// EmitFunc receives every snapshot of a run, tagged with the run's
// generation. err is the fetch error behind an Error snapshot, if any. It
// is called from the loop goroutine and must not block for long.
type EmitFunc func(gen uint64, snap progress.Snapshot, err error)

// Config tunes a Loop.
type Config struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Stats counts loop activity across runs.
type Stats struct {
	Fetches int64
	Skipped int64
	Emitted int64
}

// Loop polls one session at a time.
type Loop struct {
	fetcher  Fetcher
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	fetches atomic.Int64
	skipped atomic.Int64
	emitted atomic.Int64
}

// New creates a Loop around fetcher.
func New(fetcher Fetcher, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Loop{
		fetcher:  fetcher,
		interval: cfg.Interval,
		logger:   logger.Named("poller"),
		done:     done,
	}
}

type result struct {
	snap progress.Snapshot
	err  error
}

// Start stops any current run and begins polling sessionID. The first fetch
// happens one interval after Start. It returns the new run's generation.
func (l *Loop) Start(ctx context.Context, sessionID string, emit EmitFunc) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	gen := l.gen
	go l.run(runCtx, gen, sessionID, emit, l.done)
	l.logger.Debug("poll started", zap.String("session_id", sessionID), zap.Uint64("generation", gen))
	return gen
}

// Stop halts the current run immediately, aborting any outstanding fetch.
// A result that arrives afterwards is discarded. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// runDone is closed when the most recently started run exits.
func (l *Loop) runDone() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// generation returns the current generation. Runs tagged with an older
// value are stale.
func (l *Loop) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// Stats returns cumulative counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Fetches: l.fetches.Load(),
		Skipped: l.skipped.Load(),
		Emitted: l.emitted.Load(),
	}
}

func (l *Loop) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

// run is the single owner of the in-flight flag, so no fetch can overlap
// another within a run.
func (l *Loop) run(ctx context.Context, gen uint64, sessionID string, emit EmitFunc, done chan struct{}) {
	defer close(done)
	logger := l.logger.With(zap.String("session_id", sessionID), zap.Uint64("generation", gen))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	results := make(chan result, 1)
	inFlight := false
	for {
		select {
		case <-ctx.Done():
			logger.Debug("poll stopped")
			return
		case <-ticker.C:
			if inFlight {
				l.skipped.Add(1)
				logger.Debug("tick skipped, fetch outstanding")
				continue
			}
			inFlight = true
			l.fetches.Add(1)
			go func() {
				snap, err := l.fetcher.FetchOnce(ctx, sessionID)
				results <- result{snap: snap, err: err}
			}()
		case r := <-results:
			inFlight = false
			if ctx.Err() != nil || !l.current(gen) {
				logger.Debug("stale poll result dropped", zap.String("phase", string(r.snap.Phase)))
				return
			}
			l.emitted.Add(1)
			emit(gen, r.snap, r.err)
			if r.snap.Terminal() {
				logger.Debug("poll finished", zap.String("phase", string(r.snap.Phase)))
				return
			}
		}
	}
}
