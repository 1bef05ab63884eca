// Package agent contains the pipeline building blocks: Step, a single
// model-backed stage with an optional tool binding, and Pipeline, a fixed
// sequence of steps threading structured values through a core.ContextStore.
//
// Execution Model:
//   - Pipeline.Run executes steps strictly in order on one *core.RunContext
//   - Each step checks its required keys, renders its instruction, drives a
//     bounded model/tool loop and writes one validated value under its output key
//   - The first failing step aborts the run with a *core.PipelineError
//
// Model specifics live in the model package and transport concerns in the
// tool package to avoid cyclic deps.
package agent
