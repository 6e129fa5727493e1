// Package main is the geoload executable.
//
// Architecture overview:
//   - Upload: internal/client streams the workbook as multipart to the service and
//     receives a session id. internal/orchestrator owns the lifecycle state
//     machine and drives internal/poller, which fetches one status snapshot at a
//     time until the session completes, fails, or is cancelled.
//   - Progress: snapshots fan out to subscribers through a replay-latest
//     broadcaster (the terminal renderer here) and to the batching progress Hub,
//     whose sinks log every event and export Prometheus collectors.
//   - Records: internal/catalog reads stored addresses, map coordinates, search
//     results, and quality statistics with retries and a client-side throttle.
//   - Configuration & plumbing: Viper populates config from files and GEOLOAD_*
//     env vars; zap provides structured logging on stderr; the optional
//     metrics.addr endpoint serves /metrics and /healthz.
//
// Operational notes:
//   - SIGINT/SIGTERM during an upload cancels the session and notifies the
//     service; the process exits non-zero on failure or cancellation.
//   - Run locally: go run ./cmd/geoload upload addresses.xlsx --config geoload.yaml
package main

import "github.com/JakeFAU/geoload/cmd"

func main() {
	cmd.Execute()
}
