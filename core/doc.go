// Package core provides the foundational domain types shared by the pipeline,
// tool, session and runner packages:
//
//   - Value / BlobRef (structured values exchanged between steps)
//   - ContextStore (attributed key/value store for one run)
//   - RunContext (per-run execution scope)
//   - Turn / SessionRecord / SessionStore (durable conversation history)
//   - ErrorKind / PipelineError (failure classification)
//   - Content / Part (model conversation payloads)
//
// The package keeps implementation concerns (persistence backends, model
// adapters, tool transports) out of scope, exposing small interfaces so
// backends can be swapped in tests and production.
package core
