// Package api hosts the read-only operator handlers mounted beside the
// metrics endpoint. Notable routes:
//   - GET /progress for the orchestrator state, latest snapshot, and poll
//     counters of the current run.
package api
