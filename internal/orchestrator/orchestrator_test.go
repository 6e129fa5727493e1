package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geoload/internal/classify"
	"github.com/JakeFAU/geoload/internal/client"
	"github.com/JakeFAU/geoload/internal/fakeapi"
	"github.com/JakeFAU/geoload/internal/progress"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type collector struct {
	mu    sync.Mutex
	snaps []progress.Snapshot
}

func (c *collector) add(s progress.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *collector) all() []progress.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Snapshot(nil), c.snaps...)
}

func (c *collector) count(phase progress.Phase) int {
	n := 0
	for _, s := range c.all() {
		if s.Phase == phase {
			n++
		}
	}
	return n
}

func (c *collector) last() progress.Snapshot {
	all := c.all()
	if len(all) == 0 {
		return progress.Snapshot{}
	}
	return all[len(all)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type harness struct {
	srv    *fakeapi.Server
	orch   *Orchestrator
	seen   *collector
	events *eventRecorder
}

func newHarness(t *testing.T, mutate func(*client.Config)) *harness {
	t.Helper()
	srv := fakeapi.New()
	cfg := client.Config{
		BaseURL:       srv.BaseURL(),
		UploadPath:    "/subir-con-progreso",
		StatusPath:    "/progreso/{sessionId}",
		CancelPath:    "/progreso/{sessionId}/cancelar",
		StatusTimeout: time.Second,
		CancelTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := client.New(cfg)
	require.NoError(t, err)

	h := &harness{srv: srv, seen: &collector{}, events: &eventRecorder{}}
	h.orch = New(c, Config{PollInterval: 5 * time.Millisecond, Emitter: h.events})
	unsubscribe := h.orch.Subscribe(h.seen.add)
	t.Cleanup(func() {
		unsubscribe()
		h.orch.Close()
		srv.Close()
	})
	return h
}

func upload(name string) client.Upload {
	return client.Upload{FileName: name, Body: strings.NewReader("calle,numero\nJuarez,10\n")}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.State() == want }, waitFor, tick, "state never reached %s", want)
}

func TestUploadProgressesToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(
		fakeapi.Response{Body: fakeapi.Progress("geocoding", 40, 400, 1000)},
		fakeapi.Response{Body: fakeapi.Progress("complete", 100, 1000, 1000)},
	)

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx))
	require.Equal(t, Completed, h.orch.State())

	require.Eventually(t, func() bool { return h.seen.last().Phase == progress.PhaseComplete }, waitFor, tick)
	snaps := h.seen.all()
	require.Equal(t, progress.PhaseUploading, snaps[0].Phase)
	require.Equal(t, "lote.csv", snaps[0].FileName)

	var geocoding *progress.Snapshot
	for i := range snaps {
		if snaps[i].Phase == progress.PhaseGeocoding {
			geocoding = &snaps[i]
			break
		}
	}
	require.NotNil(t, geocoding)
	require.InDelta(t, 40.0, geocoding.Percent, 0)
	require.Equal(t, "s1", geocoding.SessionID)
	require.Equal(t, 1, h.seen.count(progress.PhaseComplete))

	require.Never(t, func() bool { return h.srv.StatusCalls() > 2 }, 40*time.Millisecond, tick)
	_, open := h.orch.Session()
	require.False(t, open)
}

func TestStartTimeoutReturnsToIdleWithError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *client.Config) { cfg.StartTimeout = 30 * time.Millisecond })
	h.srv.OnBegin(fakeapi.Response{Delay: time.Second})

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseError) == 1 }, waitFor, tick)
	h.waitState(t, Idle)

	latest, ok := h.orch.Latest()
	require.True(t, ok)
	require.Equal(t, progress.PhaseError, latest.Phase)
	require.Equal(t, classify.KindTimeout, latest.Kind)
	require.Equal(t, classify.KindTimeout.Message(), latest.Message)
	require.Zero(t, h.srv.StatusCalls())
	require.Equal(t, 1, h.seen.count(progress.PhaseError))
}

func TestStartWithoutSessionIDFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnBegin(fakeapi.Response{Body: map[string]any{"message": "queued"}})

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseError) == 1 }, waitFor, tick)
	require.Equal(t, Idle, h.orch.State())
	require.Equal(t, classify.KindUnknown, h.seen.last().Kind)
}

func TestCancelMidPollEmitsOneCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(fakeapi.Response{Body: fakeapi.Progress("geocoding", 35, 35, 100)})

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseGeocoding) > 0 }, waitFor, tick)
	require.Equal(t, Polling, h.orch.State())

	h.orch.Cancel()
	h.orch.Cancel()
	require.Equal(t, Cancelled, h.orch.State())
	calls := h.srv.StatusCalls()

	require.Eventually(t, func() bool { return h.srv.CancelCalls() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.seen.last().Phase == progress.PhaseCancelled }, waitFor, tick)
	require.Never(t, func() bool { return h.srv.StatusCalls() > calls }, 40*time.Millisecond, tick)
	require.Equal(t, 1, h.seen.count(progress.PhaseCancelled))

	last := h.seen.last()
	require.InDelta(t, 35.0, last.Percent, 0)
	require.Equal(t, "lote.csv", last.FileName)
}

func TestCancelWhileStartingSkipsServerNotice(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	h := newHarness(t, nil)
	h.srv.OnBegin(fakeapi.Response{Block: block})

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	require.Equal(t, Starting, h.orch.State())
	h.orch.Cancel()
	require.Equal(t, Cancelled, h.orch.State())

	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseCancelled) == 1 }, waitFor, tick)
	require.Never(t, func() bool {
		return h.srv.CancelCalls() > 0 || h.srv.StatusCalls() > 0 || h.seen.count(progress.PhaseError) > 0
	}, 40*time.Millisecond, tick)
}

func TestMissingFieldsDefaultWithoutCrash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(
		fakeapi.Response{Body: map[string]any{"success": true, "progress": map[string]any{}}},
		fakeapi.Response{Body: fakeapi.Progress("complete", 100, 3, 3)},
	)

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	h.waitState(t, Completed)
	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseComplete) == 1 }, waitFor, tick)

	var polled []progress.Snapshot
	for _, s := range h.seen.all() {
		if s.Phase == progress.PhaseUploading && s.SessionID == "s1" && s.Message != msgReceived {
			polled = append(polled, s)
		}
	}
	require.Len(t, polled, 1)
	require.Zero(t, polled[0].Processed)
	require.Zero(t, polled[0].Total)
}

func TestServerReportedErrorFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(fakeapi.Response{Body: fakeapi.Progress("error", 20, 20, 100)})

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	h.waitState(t, Failed)
	latest, _ := h.orch.Latest()
	require.Equal(t, classify.KindServerFault, latest.Kind)
}

func TestFetchFailureFailsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(fakeapi.Response{Status: 404})

	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	h.waitState(t, Failed)
	latest, _ := h.orch.Latest()
	require.Equal(t, progress.PhaseError, latest.Phase)
	require.Equal(t, classify.KindNotFound, latest.Kind)
	require.Never(t, func() bool { return h.srv.StatusCalls() > 1 }, 30*time.Millisecond, tick)
}

func TestLateSubscriberReceivesLatestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background(), upload("lote.csv")))
	h.waitState(t, Completed)

	base := h.orch.Subscribers()
	late := &collector{}
	unsubscribe := h.orch.Subscribe(late.add)
	require.Equal(t, base+1, h.orch.Subscribers())

	require.Eventually(t, func() bool { return len(late.all()) == 1 }, waitFor, tick)
	require.Equal(t, progress.PhaseComplete, late.all()[0].Phase)

	unsubscribe()
	require.Eventually(t, func() bool { return h.orch.Subscribers() == base }, waitFor, tick)
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	h := newHarness(t, nil)
	h.srv.OnBegin(fakeapi.Response{Block: block})

	require.NoError(t, h.orch.Start(context.Background(), upload("a.csv")))
	err := h.orch.Start(context.Background(), upload("b.csv"))
	require.ErrorIs(t, err, ErrNotIdle)
	require.Equal(t, Starting, h.orch.State())

	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseError) == 1 }, waitFor, tick)
	latest, _ := h.orch.Latest()
	require.Equal(t, progress.PhaseUploading, latest.Phase)
	require.Equal(t, "a.csv", latest.FileName)
	require.Eventually(t, func() bool { return len(h.srv.Uploads()) == 1 }, waitFor, tick)
	require.Never(t, func() bool { return len(h.srv.Uploads()) > 1 }, 20*time.Millisecond, tick)
}

func TestResetRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(
		fakeapi.Response{Body: fakeapi.Progress("parsing", 10, 0, 0)},
		fakeapi.Response{Body: fakeapi.Progress("parsing", 10, 0, 0)},
		fakeapi.Response{Body: fakeapi.Progress("parsing", 10, 0, 0)},
		fakeapi.Response{Body: fakeapi.Progress("complete", 100, 5, 5)},
	)

	require.NoError(t, h.orch.Reset())
	require.NoError(t, h.orch.Start(context.Background(), upload("a.csv")))
	require.ErrorIs(t, h.orch.Reset(), ErrActive)

	h.waitState(t, Completed)
	require.ErrorIs(t, h.orch.Start(context.Background(), upload("b.csv")), ErrNotIdle)
	require.NoError(t, h.orch.Reset())
	require.Equal(t, Idle, h.orch.State())
	_, ok := h.orch.Latest()
	require.False(t, ok)

	late := &collector{}
	unsubscribe := h.orch.Subscribe(late.add)
	defer unsubscribe()
	require.Never(t, func() bool { return len(late.all()) > 0 }, 20*time.Millisecond, tick)

	require.NoError(t, h.orch.Start(context.Background(), upload("b.csv")))
	h.waitState(t, Completed)
	require.Len(t, h.srv.Uploads(), 2)
}

func TestResetFromIdleClearsStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnBegin(fakeapi.Response{Status: 503})

	require.NoError(t, h.orch.Start(context.Background(), upload("a.csv")))
	require.Eventually(t, func() bool {
		latest, ok := h.orch.Latest()
		return ok && latest.Phase == progress.PhaseError
	}, waitFor, tick)
	require.Equal(t, Idle, h.orch.State())
	latest, _ := h.orch.Latest()
	require.Equal(t, classify.KindServerFault, latest.Kind)

	require.NoError(t, h.orch.Reset())
	_, ok := h.orch.Latest()
	require.False(t, ok)
}

func TestContextEndCancelsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.OnStatus(fakeapi.Response{Body: fakeapi.Progress("normalizing", 15, 15, 100)})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.orch.Start(ctx, upload("a.csv")))
	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseNormalizing) > 0 }, waitFor, tick)
	cancel()

	h.waitState(t, Cancelled)
	require.Eventually(t, func() bool { return h.srv.CancelCalls() == 1 }, waitFor, tick)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.orch.Cancel()
	require.Equal(t, Idle, h.orch.State())
	require.Never(t, func() bool { return len(h.seen.all()) > 0 }, 20*time.Millisecond, tick)
}

func TestEmitterReceivesEveryPublishedSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background(), upload("a.csv")))
	h.waitState(t, Completed)
	require.Eventually(t, func() bool { return h.seen.count(progress.PhaseComplete) == 1 }, waitFor, tick)

	events := h.events.all()
	require.Len(t, events, len(h.seen.all()))
	runID := events[0].RunID
	for _, evt := range events {
		assert.Equal(t, runID, evt.RunID)
		assert.NoError(t, evt.Validate())
	}
	require.Equal(t, progress.PhaseComplete, events[len(events)-1].Snapshot.Phase)
}

type stallingClient struct {
	release chan struct{}
	// beginGate, when set, holds Begin's reply regardless of its context.
	beginGate chan struct{}
	begun     chan struct{}

	mu        sync.Mutex
	fetches   int
	cancels   int
	cancelled []string
}

func (c *stallingClient) Begin(context.Context, client.Upload) (client.Session, error) {
	if c.beginGate != nil {
		close(c.begun)
		<-c.beginGate
	}
	return client.Session{ID: "s1", FileName: "a.csv"}, nil
}

func (c *stallingClient) FetchOnce(context.Context, string) (progress.Snapshot, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()
	<-c.release
	return progress.Snapshot{Phase: progress.PhaseComplete, Percent: 100, Message: "done"}, nil
}

func (c *stallingClient) CancelSession(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	c.cancelled = append(c.cancelled, sessionID)
	return errors.New("server unreachable")
}

func (c *stallingClient) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches, c.cancels
}

func TestStaleFetchAfterCancelIsDiscarded(t *testing.T) {
	t.Parallel()

	c := &stallingClient{release: make(chan struct{})}
	orch := New(c, Config{PollInterval: 5 * time.Millisecond})
	seen := &collector{}
	unsubscribe := orch.Subscribe(seen.add)
	defer unsubscribe()
	defer orch.Close()

	require.NoError(t, orch.Start(context.Background(), upload("a.csv")))
	require.Eventually(t, func() bool {
		fetches, _ := c.counts()
		return fetches == 1
	}, waitFor, tick)

	orch.Cancel()
	close(c.release)

	require.Never(t, func() bool { return orch.State() != Cancelled }, 40*time.Millisecond, tick)
	require.Eventually(t, func() bool { return seen.count(progress.PhaseCancelled) == 1 }, waitFor, tick)
	require.Zero(t, seen.count(progress.PhaseComplete))
	require.Eventually(t, func() bool {
		_, cancels := c.counts()
		return cancels == 1
	}, waitFor, tick)
}

func TestSessionOpenedAfterCancelIsReleased(t *testing.T) {
	t.Parallel()

	c := &stallingClient{
		release:   make(chan struct{}),
		beginGate: make(chan struct{}),
		begun:     make(chan struct{}),
	}
	orch := New(c, Config{PollInterval: 5 * time.Millisecond})
	defer orch.Close()

	require.NoError(t, orch.Start(context.Background(), upload("a.csv")))
	<-c.begun
	orch.Cancel()
	require.Equal(t, Cancelled, orch.State())
	close(c.beginGate)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.cancelled) == 1 && c.cancelled[0] == "s1"
	}, waitFor, tick)
	require.Never(t, func() bool { return orch.State() != Cancelled }, 40*time.Millisecond, tick)
	fetches, _ := c.counts()
	require.Zero(t, fetches)
	_, open := orch.Session()
	require.False(t, open)
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "cancelled", Cancelled.String())
	require.True(t, Polling.Active())
	require.True(t, Failed.Terminal())
	require.False(t, Idle.Terminal())
}
