package layer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/hutch-run/hutch/pkg/errdefs"
	"github.com/hutch-run/hutch/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarEntry describes one file in a synthetic layer tarball.
type tarEntry struct {
	name string
	body string
	dir  bool
}

func buildTar(t *testing.T, entries []tarEntry, gz bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.Writer = &buf
	var gzw *gzip.Writer
	if gz {
		gzw = gzip.NewWriter(&buf)
		w = gzw
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		if e.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     e.name,
				Typeflag: tar.TypeDir,
				Mode:     0755,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(e.body)),
			ModTime:  time.Unix(0, 0),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if gzw != nil {
		require.NoError(t, gzw.Close())
	}
	return buf.Bytes()
}

func importTestLayer(t *testing.T, s *Store, entries []tarEntry) types.Layer {
	t.Helper()
	l, err := s.ImportLayer(bytes.NewReader(buildTar(t, entries, true)))
	require.NoError(t, err)
	return l
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append(opts, WithMounter(NewCopyMounter()))
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	}))
	sort.Strings(files)
	return files
}

func TestImportLayer_ContentAddressed(t *testing.T) {
	s := newTestStore(t)

	data := buildTar(t, []tarEntry{{name: "a", body: "hello"}}, true)
	l, err := s.ImportLayer(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, digest.FromBytes(data), l.Digest)
	assert.Equal(t, int64(len(data)), l.SizeBytes)
	assert.True(t, s.Has(l.Digest))

	// Re-importing identical content is a no-op.
	again, err := s.ImportLayer(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, l.Digest, again.Digest)
}

func TestImportLayer_PlainTar(t *testing.T) {
	s := newTestStore(t)

	data := buildTar(t, []tarEntry{{name: "etc", dir: true}, {name: "etc/hosts", body: "localhost"}}, false)
	l, err := s.ImportLayer(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, s.Has(l.Digest))
}

func TestAssemble_WhiteoutScenario(t *testing.T) {
	// Base layer adds /a and /b; top layer deletes /a and adds /c.
	// The merged view must contain /b and /c but not /a.
	s := newTestStore(t)

	base := importTestLayer(t, s, []tarEntry{{name: "a", body: "A"}, {name: "b", body: "B"}})
	top := importTestLayer(t, s, []tarEntry{{name: ".wh.a"}, {name: "c", body: "C"}})

	img := types.Image{Name: "test", Layers: []digest.Digest{base.Digest, top.Digest}}
	rfs, err := s.Assemble(context.Background(), "c1", img)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, listFiles(t, rfs.Dir))
	require.NoError(t, s.Teardown(rfs))
}

func TestAssemble_TopmostLayerWins(t *testing.T) {
	s := newTestStore(t)

	base := importTestLayer(t, s, []tarEntry{{name: "conf", body: "from-base"}})
	top := importTestLayer(t, s, []tarEntry{{name: "conf", body: "from-top"}})

	img := types.Image{Name: "test", Layers: []digest.Digest{base.Digest, top.Digest}}

	// Determinism: the same stack always yields the same result.
	for i := 0; i < 3; i++ {
		id := "c" + string(rune('0'+i))
		rfs, err := s.Assemble(context.Background(), id, img)
		require.NoError(t, err)

		body, err := os.ReadFile(filepath.Join(rfs.Dir, "conf"))
		require.NoError(t, err)
		assert.Equal(t, "from-top", string(body))
		require.NoError(t, s.Teardown(rfs))
	}
}

func TestAssemble_LayerMissing(t *testing.T) {
	s := newTestStore(t)

	img := types.Image{Name: "test", Layers: []digest.Digest{digest.FromString("nope")}}
	_, err := s.Assemble(context.Background(), "c1", img)
	assert.True(t, errors.Is(err, errdefs.ErrLayerMissing))
}

func TestAssemble_ReferenceCounts(t *testing.T) {
	s := newTestStore(t)

	shared := importTestLayer(t, s, []tarEntry{{name: "lib", body: "so"}})
	img := types.Image{Name: "test", Layers: []digest.Digest{shared.Digest}}

	rfs1, err := s.Assemble(context.Background(), "c1", img)
	require.NoError(t, err)
	rfs2, err := s.Assemble(context.Background(), "c2", img)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Refs(shared.Digest))

	require.NoError(t, s.Teardown(rfs1))
	assert.Equal(t, 1, s.Refs(shared.Digest))
	require.NoError(t, s.Teardown(rfs2))
	assert.Equal(t, 0, s.Refs(shared.Digest))
}

func TestTeardown_TwicePanics(t *testing.T) {
	s := newTestStore(t)

	l := importTestLayer(t, s, []tarEntry{{name: "x", body: "x"}})
	rfs, err := s.Assemble(context.Background(), "c1", types.Image{Name: "i", Layers: []digest.Digest{l.Digest}})
	require.NoError(t, err)
	require.NoError(t, s.Teardown(rfs))

	assert.Panics(t, func() { _ = s.Teardown(rfs) })
}

func TestAssemble_WritableLayerIsolated(t *testing.T) {
	s := newTestStore(t)

	l := importTestLayer(t, s, []tarEntry{{name: "shared", body: "ro"}})
	img := types.Image{Name: "i", Layers: []digest.Digest{l.Digest}}

	rfs1, err := s.Assemble(context.Background(), "c1", img)
	require.NoError(t, err)
	rfs2, err := s.Assemble(context.Background(), "c2", img)
	require.NoError(t, err)

	// A write in one container's view never appears in another's.
	require.NoError(t, os.WriteFile(filepath.Join(rfs1.Writable, "scratch"), []byte("mine"), 0644))
	_, err = os.Stat(filepath.Join(rfs2.Dir, "scratch"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Teardown(rfs1))
	require.NoError(t, s.Teardown(rfs2))
}

type mapFetcher struct {
	blobs map[digest.Digest][]byte
}

func (f *mapFetcher) FetchLayer(_ context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	data, ok := f.blobs[dgst]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestResolve_FetchesMissingLayer(t *testing.T) {
	data := buildTar(t, []tarEntry{{name: "bin", body: "payload"}}, true)
	dgst := digest.FromBytes(data)

	s := newTestStore(t, WithFetcher(&mapFetcher{blobs: map[digest.Digest][]byte{dgst: data}}))

	rfs, err := s.Assemble(context.Background(), "c1", types.Image{Name: "i", Layers: []digest.Digest{dgst}})
	require.NoError(t, err)
	assert.True(t, s.Has(dgst))
	require.NoError(t, s.Teardown(rfs))

	// A digest the fetcher cannot serve is still LayerMissing.
	_, err = s.Assemble(context.Background(), "c2", types.Image{Name: "i", Layers: []digest.Digest{digest.FromString("gone")}})
	assert.True(t, errors.Is(err, errdefs.ErrLayerMissing))
}

func TestResolve_FetchMismatchKeepsExistingLayer(t *testing.T) {
	data := buildTar(t, []tarEntry{{name: "bin", body: "payload"}}, true)
	good := digest.FromBytes(data)
	bogus := digest.FromString("elsewhere")

	// The fetcher answers the bogus digest with bytes that hash to a layer
	// already present and in use.
	s := newTestStore(t, WithFetcher(&mapFetcher{blobs: map[digest.Digest][]byte{bogus: data}}))

	_, err := s.ImportLayer(bytes.NewReader(data))
	require.NoError(t, err)

	rfs, err := s.Assemble(context.Background(), "c1", types.Image{Name: "i", Layers: []digest.Digest{good}})
	require.NoError(t, err)
	require.Equal(t, 1, s.Refs(good))

	_, err = s.Assemble(context.Background(), "c2", types.Image{Name: "i2", Layers: []digest.Digest{bogus}})
	assert.True(t, errors.Is(err, errdefs.ErrLayerMissing))

	// The failed fetch must not take the shared layer down with it.
	assert.True(t, s.Has(good))
	assert.Equal(t, 1, s.Refs(good))
	body, err := os.ReadFile(filepath.Join(rfs.Dir, "bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	require.NoError(t, s.Teardown(rfs))
}

func TestResolve_FetchMismatchDiscardsNewContent(t *testing.T) {
	data := buildTar(t, []tarEntry{{name: "bin", body: "payload"}}, true)
	stray := digest.FromBytes(data)
	bogus := digest.FromString("elsewhere")

	s := newTestStore(t, WithFetcher(&mapFetcher{blobs: map[digest.Digest][]byte{bogus: data}}))

	_, err := s.Assemble(context.Background(), "c1", types.Image{Name: "i", Layers: []digest.Digest{bogus}})
	assert.True(t, errors.Is(err, errdefs.ErrLayerMissing))

	// Content the failed resolve itself imported does not linger.
	assert.False(t, s.Has(stray))
}

func TestCommitWritable(t *testing.T) {
	s := newTestStore(t)

	l := importTestLayer(t, s, []tarEntry{{name: "base", body: "b"}})
	rfs, err := s.Assemble(context.Background(), "c1", types.Image{Name: "i", Layers: []digest.Digest{l.Digest}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rfs.Writable, "new"), []byte("data"), 0644))

	committed, err := s.CommitWritable(rfs)
	require.NoError(t, err)
	assert.True(t, s.Has(committed.Digest))

	require.NoError(t, s.Teardown(rfs))

	// The committed layer works as the top of a new image.
	rfs2, err := s.Assemble(context.Background(), "c2", types.Image{
		Name:   "i2",
		Layers: []digest.Digest{l.Digest, committed.Digest},
	})
	require.NoError(t, err)
	body, err := os.ReadFile(filepath.Join(rfs2.Dir, "new"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(body))
	require.NoError(t, s.Teardown(rfs2))
}

func TestExtract_RejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)

	data := buildTar(t, []tarEntry{{name: "../escape", body: "x"}}, true)
	_, err := s.ImportLayer(bytes.NewReader(data))
	assert.Error(t, err)
}
