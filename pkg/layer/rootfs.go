package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/metrics"
	"github.com/hutch-run/hutch/pkg/types"
	"github.com/opencontainers/go-digest"
)

// RootFS is an assembled container root filesystem: the image's layers
// merged read-only, topped with one writable layer owned exclusively by
// the container.
type RootFS struct {
	ContainerID string
	Layers      []digest.Digest

	// Dir is the merged view the container process runs in.
	Dir string
	// Writable is the upper directory receiving writes. With the copy
	// mounter it aliases Dir.
	Writable string

	torn bool
}

// Mounter produces a merged view from ordered lower layer directories plus
// a writable upper. Lowers are ordered bottom to top.
type Mounter interface {
	Mount(lowers []string, upper, work, merged string) error
	Unmount(merged string) error
}

// Assemble stacks the image's layers bottom-to-top and allocates a fresh
// writable layer on top. Conflicting paths resolve to the topmost layer's
// version, whiteout markers included. Reference counts on all composed
// layers are incremented; Teardown releases them.
func (s *Store) Assemble(ctx context.Context, containerID string, img types.Image) (*RootFS, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AssembleDuration)

	if len(img.Layers) == 0 {
		return nil, fmt.Errorf("image %q has no layers: %w", img.Name, errdefs.ErrInvalidArgument)
	}

	lowers := make([]string, 0, len(img.Layers))
	for _, dgst := range img.Layers {
		if err := s.resolve(ctx, dgst); err != nil {
			return nil, err
		}
		lowers = append(lowers, s.layerPath(dgst))
	}

	base := filepath.Join(s.containersDir(), containerID)
	upper := filepath.Join(base, "upper")
	work := filepath.Join(base, "work")
	merged := filepath.Join(base, "merged")
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, wrapAllocErr(fmt.Errorf("failed to allocate writable layer: %w", err))
		}
	}

	if err := s.mounter.Mount(lowers, upper, work, merged); err != nil {
		os.RemoveAll(base)
		return nil, wrapAllocErr(fmt.Errorf("failed to mount rootfs: %w", err))
	}

	s.retain(img.Layers)

	rfs := &RootFS{
		ContainerID: containerID,
		Layers:      append([]digest.Digest(nil), img.Layers...),
		Dir:         merged,
		Writable:    upper,
	}
	if _, ok := s.mounter.(*copyMounter); ok {
		rfs.Writable = merged
	}

	s.logger.Debug().
		Str("container_id", containerID).
		Int("layers", len(img.Layers)).
		Msg("rootfs assembled")
	return rfs, nil
}

// Teardown unmounts the merged view, reclaims the writable layer's storage
// and decrements the layer reference counts. Calling it twice on the same
// RootFS is an invariant violation.
func (s *Store) Teardown(rfs *RootFS) error {
	if rfs.torn {
		panic("layer: Teardown called twice on the same RootFS")
	}
	rfs.torn = true

	if err := s.mounter.Unmount(rfs.Dir); err != nil {
		return fmt.Errorf("failed to unmount rootfs for %s: %w", rfs.ContainerID, err)
	}
	if err := os.RemoveAll(filepath.Join(s.containersDir(), rfs.ContainerID)); err != nil {
		return fmt.Errorf("failed to reclaim writable layer for %s: %w", rfs.ContainerID, err)
	}

	s.release(rfs.Layers)
	return nil
}

// CommitWritable persists a container's writable layer as a new immutable
// layer in the store, so it can become the top of a new image.
func (s *Store) CommitWritable(rfs *RootFS) (types.Layer, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarDir(rfs.Writable, pw))
	}()
	return s.ImportLayer(pr)
}

// wrapAllocErr maps out-of-space failures to the stable DiskExhausted
// sentinel; anything else passes through.
func wrapAllocErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%v: %w", err, errdefs.ErrDiskExhausted)
	}
	return err
}
