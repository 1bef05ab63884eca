// Package runner drives one pipeline per user submission.
//
// A submission resolves the session, prepares the run's ContextStore (fresh,
// or retained per session when configured), seeds the user message under the
// input key, runs the pipeline and commits the exchange to the session
// history, which may trigger compaction.
//
// # Responsibilities
//   - Bounding concurrent runs
//   - Run ids and cancellation by id
//   - Session history persistence
//
// Runs of different sessions proceed concurrently; the pipeline and the tool
// invoker behind it are shared.
package runner
