package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/agentpipe/core"
)

const metaSuffix = ".meta.json"

// DirStore keeps artifacts as files below a root directory, one
// subdirectory per scope. Each artifact is stored next to a small JSON
// sidecar holding its BlobRef, and the returned ref carries a file:// URI so
// users can open generated documents directly.
//
// Layout: root/<escaped scope>/<artifactID>[.meta.json]
type DirStore struct {
	root string
	mu   sync.Mutex
}

// NewDirStore creates root if needed and returns a DirStore over it.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (d *DirStore) Root() string { return d.root }

// Save writes data and its metadata. Writes go through a temporary file so
// readers never observe a partially written artifact.
func (d *DirStore) Save(_ context.Context, scope string, ref core.BlobRef, data []byte) (core.BlobRef, error) {
	if ref.ArtifactID == "" {
		ref.ArtifactID = newArtifactID(ref.Name)
	}
	path, err := d.path(scope, ref.ArtifactID)
	if err != nil {
		return core.BlobRef{}, err
	}

	ref.URI = (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()

	meta, err := json.Marshal(ref)
	if err != nil {
		return core.BlobRef{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.BlobRef{}, fmt.Errorf("create artifact scope: %w", err)
	}
	if err := writeFile(path, data); err != nil {
		return core.BlobRef{}, err
	}
	if err := writeFile(path+metaSuffix, meta); err != nil {
		return core.BlobRef{}, err
	}
	return ref, nil
}

// Get returns the artifact bytes or ErrNotFound.
func (d *DirStore) Get(_ context.Context, scope, artifactID string) ([]byte, error) {
	path, err := d.path(scope, artifactID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// List returns the refs stored for scope sorted by artifact id.
func (d *DirStore) List(_ context.Context, scope string) ([]core.BlobRef, error) {
	dir := filepath.Join(d.root, url.PathEscape(scope))

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []core.BlobRef{}, nil
	}
	if err != nil {
		return nil, err
	}

	refs := make([]core.BlobRef, 0, len(entries)/2)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var ref core.BlobRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, fmt.Errorf("artifact metadata %s: %w", e.Name(), err)
		}
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(x, y core.BlobRef) int { return strings.Compare(x.ArtifactID, y.ArtifactID) })
	return refs, nil
}

// Delete removes the artifact and its metadata or returns ErrNotFound.
func (d *DirStore) Delete(_ context.Context, scope, artifactID string) error {
	path, err := d.path(scope, artifactID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := os.Remove(path + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DirStore) path(scope, artifactID string) (string, error) {
	if artifactID == "" || artifactID == "." || artifactID == ".." ||
		strings.ContainsAny(artifactID, `/\`) || strings.HasSuffix(artifactID, metaSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, artifactID)
	}
	return filepath.Join(d.root, url.PathEscape(scope), artifactID), nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ core.ArtifactStore = (*DirStore)(nil)
