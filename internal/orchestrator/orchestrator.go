// Package orchestrator owns one upload session at a time: it begins the
// upload, polls its progress, and republishes every observation as a
// progress.Snapshot to subscribers, replaying the latest one to late joiners.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/classify"
	"github.com/JakeFAU/geoload/internal/client"
	"github.com/JakeFAU/geoload/internal/clock/system"
	idgen "github.com/JakeFAU/geoload/internal/id/uuid"
	"github.com/JakeFAU/geoload/internal/logging"
	"github.com/JakeFAU/geoload/internal/poller"
	"github.com/JakeFAU/geoload/internal/progress"
)

var (
	// ErrNotIdle is returned by Start outside the Idle state.
	ErrNotIdle = errors.New("orchestrator: an upload session is already open")
	// ErrActive is returned by Reset while a session is starting or polling.
	ErrActive = errors.New("orchestrator: session is still active")
)

// User-facing snapshot messages.
const (
	msgStarting  = "Starting file upload..."
	msgReceived  = "File received, processing started"
	msgCancelled = "Upload cancelled"
	msgBusy      = "An upload is already in progress; reset before starting another"
)

// Client is the processing service surface the orchestrator drives.
type Client interface {
	Begin(ctx context.Context, up client.Upload) (client.Session, error)
	FetchOnce(ctx context.Context, sessionID string) (progress.Snapshot, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// Clock stamps locally produced snapshots.
type Clock interface {
	Now() time.Time
}

// RunIDGenerator issues the identifier tying a run's events together.
type RunIDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Config wires optional collaborators.
type Config struct {
	PollInterval time.Duration
	// Emitter receives every published snapshot, e.g. a progress.Hub.
	Emitter progress.Emitter
	Clock   Clock
	IDs     RunIDGenerator
	Logger  *zap.Logger
}

// Orchestrator is safe for concurrent use. All state lives behind mu.
type Orchestrator struct {
	client  Client
	loop    *poller.Loop
	bc      *progress.Broadcaster
	emitter progress.Emitter
	clock   Clock
	ids     RunIDGenerator
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	runID      uuid.UUID
	fileName   string
	session    client.Session
	hasSession bool
	cancelRun  context.CancelFunc
	stopWatch  func() bool
	active     chan struct{}
	activeShut bool
	log        *zap.Logger
	background sync.WaitGroup
	closeOnce  sync.Once
}

// New builds an idle Orchestrator around c.
func New(c Client, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("orchestrator")
	o := &Orchestrator{
		client:  c,
		loop:    poller.New(c, poller.Config{Interval: cfg.PollInterval, Logger: logger}),
		bc:      progress.NewBroadcaster(),
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		logger:  logger,
		log:     logger,
		active:  make(chan struct{}),
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = idgen.NewUUIDGenerator()
	}
	close(o.active)
	o.activeShut = true
	return o
}

// Start begins uploading up and returns once the session is Starting; the
// upload and polling continue in the background. ctx bounds the whole
// session: when it ends the session is cancelled.
func (o *Orchestrator) Start(ctx context.Context, up client.Upload) error {
	o.mu.Lock()
	if o.state != Idle {
		state := o.state
		o.mu.Unlock()
		o.logger.Warn("start rejected", zap.Stringer("state", state))
		o.bc.Notify(progress.Failed(classify.KindUnknown, msgBusy, o.clock.Now()))
		return fmt.Errorf("%w (state %s)", ErrNotIdle, state)
	}
	defer o.mu.Unlock()

	o.gen++
	gen := o.gen
	o.runID = o.newRunID()
	o.fileName = up.FileName
	o.session, o.hasSession = client.Session{}, false
	o.state = Starting
	o.active = make(chan struct{})
	o.activeShut = false
	o.log = logging.Session(o.logger, o.runID.String(), "")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancelRun = cancel
	o.stopWatch = context.AfterFunc(ctx, func() { o.cancelGeneration(gen, "context done") })

	o.log.Info("upload starting", zap.String("file", up.FileName), zap.String("project", up.ProjectName))
	o.publishLocked(progress.Snapshot{Phase: progress.PhaseUploading, Message: msgStarting})

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.begin(runCtx, gen, up)
	}()
	return nil
}

func (o *Orchestrator) begin(ctx context.Context, gen uint64, up client.Upload) {
	session, err := o.client.Begin(ctx, up)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != Starting {
		o.log.Debug("stale start result dropped", zap.Uint64("generation", gen))
		if err == nil && session.ID != "" {
			// The server opened a session nobody owns any more.
			o.notifyCancelLocked(session.ID, o.logger.With(zap.String("session_id", session.ID)))
		}
		return
	}
	if err != nil {
		kind, msg := startFailure(err)
		o.log.Warn("upload start failed", zap.Stringer("kind", kind), zap.Error(err))
		o.publishLocked(progress.Failed(kind, msg, o.clock.Now()))
		o.state = Idle
		o.endRunLocked()
		return
	}

	o.session, o.hasSession = session, true
	if session.FileName != "" {
		o.fileName = session.FileName
	}
	o.state = Polling
	o.log = logging.Session(o.logger, o.runID.String(), session.ID)
	o.log.Info("upload accepted", zap.String("server_message", session.Message))
	o.publishLocked(progress.Snapshot{Phase: progress.PhaseUploading, Message: msgReceived})
	o.loop.Start(ctx, session.ID, func(_ uint64, snap progress.Snapshot, err error) {
		o.onPoll(gen, snap, err)
	})
}

func (o *Orchestrator) onPoll(gen uint64, snap progress.Snapshot, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state != Polling {
		o.log.Debug("stale poll result dropped", zap.Uint64("generation", gen), zap.String("phase", string(snap.Phase)))
		return
	}
	switch snap.Phase {
	case progress.PhaseComplete:
		o.state = Completed
		o.log.Info("processing complete", zap.Int64("processed", snap.Processed), zap.Int64("total", snap.Total))
	case progress.PhaseError:
		o.state = Failed
		o.log.Warn("processing failed", zap.Stringer("kind", snap.Kind), zap.String("message", snap.Message), zap.Error(err))
	case progress.PhaseCancelled:
		o.state = Cancelled
		o.log.Info("processing cancelled by server")
	}
	o.publishLocked(snap)
	if snap.Terminal() {
		o.loop.Stop()
		o.session, o.hasSession = client.Session{}, false
		o.endRunLocked()
	}
}

// Cancel stops the active session and publishes one Cancelled snapshot.
// While Polling the server is notified in the background; failures are
// only logged. Cancel is a no-op in any other state.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelLocked("requested")
}

func (o *Orchestrator) cancelGeneration(gen uint64, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen {
		o.cancelLocked(reason)
	}
}

func (o *Orchestrator) cancelLocked(reason string) {
	prev := o.state
	if !prev.Active() {
		return
	}
	o.gen++
	o.loop.Stop()
	o.state = Cancelled

	latest, _ := o.bc.Latest()
	o.publishLocked(progress.Snapshot{
		Phase:     progress.PhaseCancelled,
		Percent:   latest.Percent,
		Processed: latest.Processed,
		Total:     latest.Total,
		Message:   msgCancelled,
	})
	o.log.Info("upload cancelled", zap.Stringer("from", prev), zap.String("reason", reason))

	if prev == Polling && o.hasSession {
		o.notifyCancelLocked(o.session.ID, o.log)
	}
	o.session, o.hasSession = client.Session{}, false
	o.endRunLocked()
}

// notifyCancelLocked tells the server to drop sessionID in the background.
// Failures are only logged.
func (o *Orchestrator) notifyCancelLocked(sessionID string, logger *zap.Logger) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.client.CancelSession(context.Background(), sessionID); err != nil {
			logger.Warn("cancel notice failed", zap.Stringer("kind", classify.Classify(err)), zap.Error(err))
			return
		}
		logger.Debug("cancel notice delivered")
	}()
}

// Reset returns a terminal orchestrator to Idle and clears the retained
// snapshot. From Idle it only clears the snapshot. It fails with ErrActive
// while a session is starting or polling.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Active() {
		return fmt.Errorf("%w (state %s)", ErrActive, o.state)
	}
	if o.state.Terminal() {
		o.log.Debug("reset", zap.Stringer("from", o.state))
	}
	o.gen++
	o.state = Idle
	o.session, o.hasSession = client.Session{}, false
	o.fileName = ""
	o.runID = uuid.Nil
	o.log = o.logger
	o.bc.Clear()
	return nil
}

// Subscribe registers fn for snapshots. fn first receives the retained
// snapshot, if any, then every later one in order, on a goroutine owned by
// the subscription. The returned func detaches fn.
func (o *Orchestrator) Subscribe(fn func(progress.Snapshot)) func() {
	return o.bc.Subscribe(fn)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Latest returns the retained snapshot.
func (o *Orchestrator) Latest() (progress.Snapshot, bool) {
	return o.bc.Latest()
}

// Session returns the open session while one exists.
func (o *Orchestrator) Session() (client.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session, o.hasSession
}

// Subscribers reports how many snapshot subscriptions are attached.
func (o *Orchestrator) Subscribers() int {
	return o.bc.Subscribers()
}

// PollStats exposes the polling loop counters.
func (o *Orchestrator) PollStats() poller.Stats {
	return o.loop.Stats()
}

// Wait blocks until the current session leaves Starting and Polling.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	select {
	case <-active:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any active session, waits for background work such as
// cancel notices, and detaches all subscribers.
func (o *Orchestrator) Close() {
	o.Cancel()
	o.background.Wait()
	o.closeOnce.Do(o.bc.Close)
}

// publishLocked stamps s with run metadata, retains and fans it out, and
// forwards it to the emitter.
func (o *Orchestrator) publishLocked(s progress.Snapshot) {
	if s.TS.IsZero() {
		s.TS = o.clock.Now()
	}
	if s.SessionID == "" && o.hasSession {
		s.SessionID = o.session.ID
	}
	if s.FileName == "" {
		s.FileName = o.fileName
	}
	o.bc.Publish(s)
	if o.emitter != nil {
		o.emitter.Emit(progress.Event{RunID: progress.UUIDToBytes(o.runID), Snapshot: s})
	}
}

// endRunLocked releases run resources and wakes Wait callers.
func (o *Orchestrator) endRunLocked() {
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	if o.stopWatch != nil {
		o.stopWatch()
		o.stopWatch = nil
	}
	if !o.activeShut {
		close(o.active)
		o.activeShut = true
	}
}

func (o *Orchestrator) newRunID() uuid.UUID {
	id, err := o.ids.NewRunID()
	if err != nil {
		o.logger.Debug("run id fallback", zap.Error(err))
		return uuid.New()
	}
	return id
}

func startFailure(err error) (classify.Kind, string) {
	var startErr *client.StartError
	if errors.As(err, &startErr) {
		kind := startErr.Kind
		if kind == classify.KindNone {
			kind = classify.KindUnknown
		}
		return kind, startErr.Message()
	}
	kind := classify.Classify(err)
	return kind, classify.Describe(err)
}
