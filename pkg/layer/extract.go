package layer

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// whiteoutPrefix marks a path deleted by a layer: a file named
// ".wh.<name>" removes <name> from all lower layers (OCI image layout
// convention).
const whiteoutPrefix = ".wh."

// extract unpacks the stored blob for dgst into its layer directory.
// Whiteout entries are kept as marker files; the merge step interprets
// them.
func (s *Store) extract(dgst digest.Digest) error {
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		return err
	}
	defer f.Close()

	dest := s.layerPath(dgst)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	r, err := maybeGzip(f)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt layer tar: %w", err)
		}
		if err := writeEntry(dest, hdr, tr); err != nil {
			return err
		}
	}
	return nil
}

// maybeGzip sniffs the gzip magic and wraps the reader when present, so
// both plain tar and tar.gz layers import transparently.
func maybeGzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

// safeJoin resolves a tar entry name under dest, rejecting traversal
// outside the layer directory.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(filepath.ToSlash(name), "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("layer entry %q escapes layer root", name)
	}
	return filepath.Join(dest, filepath.FromSlash(cleaned)), nil
}

func writeEntry(dest string, hdr *tar.Header, r io.Reader) error {
	target, err := safeJoin(dest, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm|0700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&os.ModePerm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	default:
		// Hardlinks, devices and the rest are not needed for layer
		// content in this runtime; skip them.
		return nil
	}
}

// tarDir streams dir as an uncompressed tar archive, the inverse of
// extract. Used to commit a writable layer.
func tarDir(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
