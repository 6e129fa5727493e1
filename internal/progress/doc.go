// Package progress provides the canonical Snapshot type, the replay-latest
// Broadcaster that subscribers attach to, and a non-blocking Hub that batches
// published snapshots for pluggable sinks such as Prometheus metrics or
// structured logs.
package progress
