package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstrumentTransport wraps base so every API request is counted and timed
// by method and status code. A nil base means http.DefaultTransport.
func InstrumentTransport(reg prometheus.Registerer, base http.RoundTripper) (http.RoundTripper, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoload_api_requests_total",
		Help: "Requests sent to the processing service, by method and code.",
	}, []string{"method", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoload_api_request_duration_seconds",
		Help:    "Latency of requests sent to the processing service.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 120},
	}, []string{"method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoload_api_requests_in_flight",
		Help: "Requests to the processing service awaiting a response.",
	})
	for _, c := range []prometheus.Collector{requests, duration, inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register transport collector: %w", err)
		}
	}
	return promhttp.InstrumentRoundTripperInFlight(inFlight,
		promhttp.InstrumentRoundTripperCounter(requests,
			promhttp.InstrumentRoundTripperDuration(duration, base),
		),
	), nil
}
