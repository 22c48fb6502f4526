// Package manager is the intake layer in front of the batching core. It checks
// the result cache, routes misses round-robin to an engine (one per backend:
// an admission queue, a worker pool and its autoscaler), waits for the
// request's completion and stores the result. It is structured into small
// files by concern:
//
//   - manager.go: Manager type, New, Start, Close, Ready.
//   - config.go: ManagerConfig and package defaults.
//   - engine.go: per-backend queue, worker pool and autoscaler.
//   - submit.go: Submit, validation, cache and in-flight de-duplication.
//   - errors.go: error types and helpers (IsInvalidRequest, IsUnavailable, ...).
//   - events.go, eventpub_memory.go: lifecycle events.
//   - status_report.go: Status reporting for /status.
//
// External packages should use public methods only.
package manager
