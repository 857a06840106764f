package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestIsImage(t *testing.T) {
	for _, p := range []string{"a.jpg", "b.JPEG", "c.png", "d.webp", "e.avif", "dir/f.Png"} {
		assert.True(t, IsImage(p), p)
	}
	for _, p := range []string{"a.txt", "b", "c.gif", "png", "d.png.txt"} {
		assert.False(t, IsImage(p), p)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	want := []string{
		filepath.Join(root, "a.png"),
		filepath.Join(root, "b.JPG"),
		filepath.Join(root, "nested", "c.webp"),
		filepath.Join(root, "nested", "deeper", "d.avif"),
		filepath.Join(root, "other", "e.jpeg"),
	}
	for _, p := range want {
		touch(t, p)
	}
	touch(t, filepath.Join(root, "a.txt"))
	touch(t, filepath.Join(root, "nested", "notes.md"))
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty.png"), 0o755))

	for _, workers := range []int{0, 1, 2, 16} {
		got, err := Discover(context.Background(), root, workers)
		require.NoError(t, err)
		assert.Equal(t, want, got, "workers=%d", workers)
	}
}

func TestDiscoverSingleFile(t *testing.T) {
	root := t.TempDir()
	img := filepath.Join(root, "x.png")
	touch(t, img)
	got, err := Discover(context.Background(), img, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{img}, got)

	txt := filepath.Join(root, "x.txt")
	touch(t, txt)
	_, err = Discover(context.Background(), txt, 4)
	assert.Error(t, err)

	_, err = Discover(context.Background(), filepath.Join(root, "missing"), 4)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDiscoverCanceled(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.png"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Discover(ctx, root, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutputPath(t *testing.T) {
	imgs := filepath.Join("data", "imgs")
	assert.Equal(t, filepath.Join(imgs, "cat.txt"), OutputPath(filepath.Join(imgs, "cat.png"), imgs, "", ".txt"))
	assert.Equal(t, filepath.Join("out", "cat.json"), OutputPath(filepath.Join(imgs, "cat.png"), imgs, "out", ".json"))
	assert.Equal(t, filepath.Join("out", "a", "b", "cat.json"),
		OutputPath(filepath.Join(imgs, "a", "b", "cat.png"), imgs, "out", ".json"))
	assert.Equal(t, filepath.Join("out", "cat.txt"), OutputPath(filepath.Join("elsewhere", "cat.png"), imgs, "out", ".txt"))
	assert.Equal(t, "archive.tar.txt", OutputPath("archive.tar.webp", ".", "", ".txt"))
}

func TestOutputPathSameNameInSubfolders(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a", "x.png"))
	touch(t, filepath.Join(root, "b", "x.png"))
	out := t.TempDir()

	paths, err := Discover(context.Background(), root, 2)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	seen := map[string]bool{}
	for _, p := range paths {
		dst := OutputPath(p, Root(root), out, ".txt")
		assert.False(t, seen[dst], "%s written twice", dst)
		seen[dst] = true
		require.NoError(t, WriteCaption(dst, []string{p}))
	}
	for _, sub := range []string{"a", "b"} {
		data, err := os.ReadFile(filepath.Join(out, sub, "x.txt"))
		require.NoError(t, err)
		assert.Contains(t, string(data), filepath.Join(root, sub, "x.png"))
	}
}

func TestRoot(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "x.png")
	touch(t, img)
	assert.Equal(t, dir, Root(dir))
	assert.Equal(t, dir, Root(img))
}

func TestWriters(t *testing.T) {
	dir := t.TempDir()

	caption := filepath.Join(dir, "sub", "a.txt")
	require.NoError(t, WriteCaption(caption, []string{"hatsune_miku", "1girl", "solo"}))
	data, err := os.ReadFile(caption)
	require.NoError(t, err)
	assert.Equal(t, "hatsune_miku, 1girl, solo\n", string(data))

	js := filepath.Join(dir, "a.json")
	require.NoError(t, WriteJSON(js, map[string]float32{"solo": 0.5}))
	data, err = os.ReadFile(js)
	require.NoError(t, err)
	assert.JSONEq(t, `{"solo": 0.5}`, string(data))
}
