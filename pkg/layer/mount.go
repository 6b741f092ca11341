package layer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// copyMounter materializes the merged view by applying layers bottom-to-top
// into the merged directory. It needs no kernel support or privileges, at
// the cost of duplicating layer content per container; the writable view is
// the merged directory itself.
type copyMounter struct{}

// NewCopyMounter returns the portable materializing mounter.
func NewCopyMounter() Mounter {
	return &copyMounter{}
}

func (m *copyMounter) Mount(lowers []string, upper, work, merged string) error {
	for _, lower := range lowers {
		if err := applyLayer(lower, merged); err != nil {
			return fmt.Errorf("apply layer %s: %w", lower, err)
		}
	}
	return nil
}

func (m *copyMounter) Unmount(merged string) error {
	return nil
}

// applyLayer copies one layer directory onto the merged view. Whiteout
// markers delete the named path from the view instead of being copied, so
// the topmost layer always wins, deletions included.
func applyLayer(layerDir, merged string) error {
	return filepath.Walk(layerDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(layerDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(merged, rel)

		base := filepath.Base(rel)
		if strings.HasPrefix(base, whiteoutPrefix) {
			victim := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, whiteoutPrefix))
			return os.RemoveAll(victim)
		}

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode()&os.ModePerm|0700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.RemoveAll(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			// A file replaces whatever a lower layer put at this path,
			// directories included.
			if st, err := os.Lstat(target); err == nil && st.IsDir() {
				if err := os.RemoveAll(target); err != nil {
					return err
				}
			}
			return copyFile(path, target, info.Mode()&os.ModePerm)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
