package layer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/log"
	"github.com/hutch-run/hutch/pkg/metrics"
	"github.com/hutch-run/hutch/pkg/types"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
)

// Fetcher is the external image/layer store collaborator: a blocking
// content-addressed lookup for layer blobs not present locally.
type Fetcher interface {
	FetchLayer(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
}

// Store is the content-addressed layer store and root filesystem assembler.
//
// On-disk layout under root:
//
//	blobs/sha256/<hex>   raw layer tarballs, content-addressed
//	layers/<hex>/        extracted layer trees, shared read-only
//	containers/<id>/     per-container upper/work/merged directories
//
// Layers are shared across containers and reference-counted; the writable
// layer belongs to exactly one container and is reclaimed by Teardown.
type Store struct {
	root    string
	fetcher Fetcher
	mounter Mounter
	logger  zerolog.Logger

	mu   sync.Mutex
	refs map[digest.Digest]int
}

// Option configures a Store.
type Option func(*Store)

// WithFetcher wires the external layer store used to resolve missing blobs.
func WithFetcher(f Fetcher) Option {
	return func(s *Store) { s.fetcher = f }
}

// WithMounter overrides how the merged view is produced. The default is
// the platform mounter (overlay on Linux, materialized copy elsewhere).
func WithMounter(m Mounter) Option {
	return func(s *Store) { s.mounter = m }
}

// Open initializes the store layout under root.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:    root,
		mounter: defaultMounter(),
		logger:  log.WithComponent("layer"),
		refs:    make(map[digest.Digest]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.blobDir(), s.layersDir(), s.containersDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	entries, err := os.ReadDir(s.layersDir())
	if err != nil {
		return nil, err
	}
	metrics.LayersTotal.Set(float64(len(entries)))

	return s, nil
}

func (s *Store) blobDir() string       { return filepath.Join(s.root, "blobs", "sha256") }
func (s *Store) layersDir() string     { return filepath.Join(s.root, "layers") }
func (s *Store) containersDir() string { return filepath.Join(s.root, "containers") }

func (s *Store) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.blobDir(), dgst.Encoded())
}

func (s *Store) layerPath(dgst digest.Digest) string {
	return filepath.Join(s.layersDir(), dgst.Encoded())
}

// Has reports whether the layer is present and extracted.
func (s *Store) Has(dgst digest.Digest) bool {
	_, err := os.Stat(s.layerPath(dgst))
	return err == nil
}

// Refs returns the current reference count for a layer.
func (s *Store) Refs(dgst digest.Digest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[dgst]
}

// ImportLayer reads a layer tarball (tar or tar.gz), stores it under its
// content digest and extracts it. Importing an already-present layer is a
// no-op returning the existing metadata.
func (s *Store) ImportLayer(r io.Reader) (types.Layer, error) {
	l, _, err := s.importLayer(r)
	return l, err
}

// importLayer additionally reports whether the import created the layer,
// as opposed to finding it already present.
func (s *Store) importLayer(r io.Reader) (types.Layer, bool, error) {
	tmp, err := os.CreateTemp(s.root, "import-*")
	if err != nil {
		return types.Layer{}, false, fmt.Errorf("failed to stage layer import: %w", err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.SHA256.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		return types.Layer{}, false, fmt.Errorf("failed to read layer data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return types.Layer{}, false, err
	}

	dgst := digester.Digest()
	l := types.Layer{Digest: dgst, SizeBytes: size, CreatedAt: time.Now().UTC()}

	if s.Has(dgst) {
		return l, false, nil
	}

	if err := os.Rename(tmp.Name(), s.blobPath(dgst)); err != nil {
		return types.Layer{}, false, fmt.Errorf("failed to store layer blob: %w", err)
	}

	if err := s.extract(dgst); err != nil {
		os.Remove(s.blobPath(dgst))
		return types.Layer{}, false, fmt.Errorf("failed to extract layer %s: %w", dgst, err)
	}

	metrics.LayersTotal.Inc()
	s.logger.Info().Str("digest", dgst.String()).Int64("size", size).Msg("layer imported")
	return l, true, nil
}

// resolve makes sure a layer is present locally, pulling it through the
// fetcher on a miss. Returns ErrLayerMissing when the blob cannot be found
// anywhere.
func (s *Store) resolve(ctx context.Context, dgst digest.Digest) error {
	if s.Has(dgst) {
		return nil
	}
	if s.fetcher == nil {
		return fmt.Errorf("layer %s: %w", dgst, errdefs.ErrLayerMissing)
	}

	rc, err := s.fetcher.FetchLayer(ctx, dgst)
	if err != nil {
		return fmt.Errorf("layer %s: fetch failed: %v: %w", dgst, err, errdefs.ErrLayerMissing)
	}
	defer rc.Close()

	imported, created, err := s.importLayer(rc)
	if err != nil {
		return err
	}
	if imported.Digest != dgst {
		// The collaborator returned different content than asked for.
		// Discard it only when this import created it: the same digest may
		// name a pre-existing layer that live containers are using.
		if created {
			os.Remove(s.blobPath(imported.Digest))
			os.RemoveAll(s.layerPath(imported.Digest))
		}
		return fmt.Errorf("layer %s: fetched content hashed to %s: %w", dgst, imported.Digest, errdefs.ErrLayerMissing)
	}
	return nil
}

// retain bumps reference counts for all layers of a rootfs.
func (s *Store) retain(layers []digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range layers {
		s.refs[d]++
	}
}

// release drops reference counts. Decrementing a zero count is a
// programming error, not a runtime condition: it panics.
func (s *Store) release(layers []digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range layers {
		if s.refs[d] <= 0 {
			panic(fmt.Sprintf("layer: reference count underflow for %s", d))
		}
		s.refs[d]--
	}
}
