// Package files finds images on disk and writes tagging output next to them.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 16

var imageExts = []string{".jpg", ".jpeg", ".png", ".webp", ".avif"}

func IsImage(path string) bool {
	return slices.Contains(imageExts, strings.ToLower(filepath.Ext(path)))
}

// Discover returns every image under root, sorted. A root that is itself an image is
// returned alone. Directories are read by at most workers goroutines.
func Discover(ctx context.Context, root string, workers int) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !IsImage(root) {
			return nil, fmt.Errorf("%s is not a supported image", root)
		}
		return []string{root}, nil
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var (
		mu    sync.Mutex
		found []string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var walk func(dir string) error
	walk = func(dir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
		var images []string
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() {
				// no free worker: walk inline rather than block while holding one
				if !g.TryGo(func() error { return walk(path) }) {
					if err := walk(path); err != nil {
						return err
					}
				}
				continue
			}
			if e.Type().IsRegular() && IsImage(path) {
				images = append(images, path)
			}
		}
		mu.Lock()
		found = append(found, images...)
		mu.Unlock()
		return nil
	}

	g.Go(func() error { return walk(root) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.Sort(found)
	return found, nil
}

// OutputPath places a file with extension ext beside the image. When outDir is set the
// image's path relative to root is mirrored under outDir, so images with the same name in
// different folders do not collide. Images outside root land directly in outDir.
func OutputPath(imagePath, root, outDir, ext string) string {
	name := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath)) + ext
	if outDir == "" {
		return filepath.Join(filepath.Dir(imagePath), name)
	}
	rel, err := filepath.Rel(root, filepath.Dir(imagePath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Join(outDir, name)
	}
	return filepath.Join(outDir, rel, name)
}

// Root returns the folder output paths are mirrored from: input itself when it is a
// folder, its parent when it is a file.
func Root(input string) string {
	if info, err := os.Stat(input); err == nil && info.IsDir() {
		return input
	}
	return filepath.Dir(input)
}

func WriteText(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), 0o644)
}

// WriteCaption writes tags as a single comma separated line.
func WriteCaption(path string, tags []string) error {
	return WriteText(path, strings.Join(tags, ", ")+"\n")
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteText(path, string(data)+"\n")
}
