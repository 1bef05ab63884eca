// Package model defines the provider-agnostic abstractions for interacting
// with language models inside a pipeline step.
//
// Core goals:
//   - A single synchronous Generate call per model turn
//   - Normalized tool / function call representation (ToolDefinition, core.FunctionCall)
//   - Status-coded errors so retry policies can classify failures
//   - Lightweight scripting for tests (ScriptedModel)
//
// Providers (OpenAI, Anthropic) implement Model in sub-packages so the pipeline
// stays decoupled from vendor SDKs.
package model
