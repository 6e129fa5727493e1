package app_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geoload/internal/app"
	"github.com/JakeFAU/geoload/internal/client"
	"github.com/JakeFAU/geoload/internal/config"
	"github.com/JakeFAU/geoload/internal/fakeapi"
	"github.com/JakeFAU/geoload/internal/orchestrator"
	"github.com/JakeFAU/geoload/internal/progress"
)

// MockSink mocks the progress.Sink interface.
type MockSink struct {
	mock.Mock
}

// Consume satisfies the progress.Sink interface for the mock.
func (m *MockSink) Consume(ctx context.Context, batch []progress.Event) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

// Close satisfies the progress.Sink interface for the mock.
func (m *MockSink) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testConfig(api *fakeapi.Server) config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = api.BaseURL()
	cfg.Polling.IntervalMs = 10
	return cfg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNew_UploadReachesSinks(t *testing.T) {
	t.Parallel()

	api := fakeapi.New()
	defer api.Close()

	sink := new(MockSink)
	sink.On("Consume", mock.Anything, mock.Anything).Return(nil)
	sink.On("Close", mock.Anything).Return(nil)

	a, err := app.New(testConfig(api), nil, sink)
	require.NoError(t, err)
	assert.Empty(t, a.MetricsAddr())
	assert.NotNil(t, a.Catalog())

	orch := a.Orchestrator()
	require.NoError(t, orch.Start(context.Background(), client.Upload{
		FileName: "addresses.xlsx",
		Body:     strings.NewReader("rows"),
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orch.Wait(ctx))
	require.Equal(t, orchestrator.Completed, orch.State())

	require.NoError(t, a.Close(ctx))
	sink.AssertCalled(t, "Consume", mock.Anything, mock.Anything)
	sink.AssertCalled(t, "Close", mock.Anything)

	reg := a.Registry()
	assert.InDelta(t, 1, counterValue(t, reg, "geoload_sessions_finished_total", map[string]string{"outcome": "complete"}), 0)
	assert.InDelta(t, 1, counterValue(t, reg, "geoload_api_requests_total", map[string]string{"method": "post", "code": "200"}), 0)
}

func TestNew_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	api := fakeapi.New()
	defer api.Close()

	cfg := testConfig(api)
	cfg.Metrics.Addr = "127.0.0.1:0"
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	addr := a.MetricsAddr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get("http://" + addr + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"state":"idle","subscribers":0,"polls":{"fetches":0,"skipped":0,"emitted":0}}`, string(body))
}

func TestNew_BadEndpointConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.API.StatusPath = "/progreso"
	_, err := app.New(cfg, nil)
	require.ErrorContains(t, err, "build api client")
}

func TestNew_MetricsListenFailure(t *testing.T) {
	t.Parallel()

	api := fakeapi.New()
	defer api.Close()

	cfg := testConfig(api)
	cfg.Metrics.Addr = "256.0.0.1:bogus"
	_, err := app.New(cfg, nil)
	require.Error(t, err)
}
