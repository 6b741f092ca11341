//go:build linux

package layer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// overlayMounter produces the merged view with a kernel overlayfs mount:
// layers stay shared on disk and writes land in the upper directory.
// Requires privileges; unprivileged callers fall back to the copy mounter.
type overlayMounter struct{}

// NewOverlayMounter returns the kernel overlayfs mounter.
func NewOverlayMounter() Mounter {
	return &overlayMounter{}
}

func defaultMounter() Mounter {
	if os.Geteuid() == 0 {
		return &overlayMounter{}
	}
	return &copyMounter{}
}

func (m *overlayMounter) Mount(lowers []string, upper, work, merged string) error {
	for _, dir := range append([]string{upper, work, merged}, lowers...) {
		if strings.ContainsAny(dir, ",:") {
			// Commas and colons are option separators in overlay mount
			// data and cannot be escaped safely.
			return fmt.Errorf("overlay path %q contains reserved separator", dir)
		}
	}

	for _, lower := range lowers {
		if err := convertWhiteouts(lower); err != nil {
			return fmt.Errorf("whiteouts in %s: %w", lower, err)
		}
	}

	// overlayfs lists lowerdir top-first; image layers arrive bottom-first.
	reversed := make([]string, len(lowers))
	for i, l := range lowers {
		reversed[len(lowers)-1-i] = l
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(reversed, ":"), upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, data); err != nil {
		return fmt.Errorf("overlay mount: %w", err)
	}
	return nil
}

// convertWhiteouts rewrites literal ".wh.<name>" marker files into the
// character devices kernel overlayfs reads as whiteouts. Extraction keeps
// the portable markers; the kernel path converts them in place, once per
// layer.
func convertWhiteouts(layerDir string) error {
	return filepath.Walk(layerDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		base := filepath.Base(path)
		if !info.Mode().IsRegular() || !strings.HasPrefix(base, whiteoutPrefix) {
			return nil
		}
		victim := filepath.Join(filepath.Dir(path), strings.TrimPrefix(base, whiteoutPrefix))
		if err := unix.Mknod(victim, unix.S_IFCHR, 0); err != nil && !os.IsExist(err) {
			return fmt.Errorf("whiteout %s: %w", victim, err)
		}
		// A concurrent mount of the same layer may have converted this
		// marker already.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func (m *overlayMounter) Unmount(merged string) error {
	if err := unix.Unmount(merged, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("overlay unmount: %w", err)
	}
	return nil
}
