// Package artifact contains implementations of core.ArtifactStore, the
// storage behind blob values (for example PDFs produced by a tool server).
//
// The interface lives in core to avoid dependency cycles; callers should
// depend on it rather than on concrete types.
package artifact
