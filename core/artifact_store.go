package core

import "context"

// ArtifactStore defines the interface for binary artifact persistence backing
// blob values. Implementations should be thread-safe and scope artifacts by a
// session scope string (SessionKey.String()).
type ArtifactStore interface {
	Save(ctx context.Context, scope string, ref BlobRef, data []byte) (BlobRef, error)
	Get(ctx context.Context, scope, artifactID string) ([]byte, error)
	List(ctx context.Context, scope string) ([]BlobRef, error)
	Delete(ctx context.Context, scope, artifactID string) error
}
