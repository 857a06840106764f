// Package hub resolves model artifacts to local files, downloading them from the
// Hugging Face hub when needed.
package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	hfhub "github.com/gomlx/go-huggingface/hub"
	"github.com/krau/wdtagger/errs"
)

type Provider interface {
	// Get returns the local path of the named artifact.
	Get(ctx context.Context, name string) (string, error)
	// ID names the artifact source, e.g. the repository id.
	ID() string
}

// Files names the three artifacts of a tagger repository.
type Files struct {
	Model  string
	Config string
	Tags   string
}

func DefaultFiles() Files {
	return Files{Model: "model.onnx", Config: "config.json", Tags: "selected_tags.csv"}
}

// WithDefaults fills empty names from DefaultFiles.
func (f Files) WithDefaults() Files {
	d := DefaultFiles()
	if f.Model == "" {
		f.Model = d.Model
	}
	if f.Config == "" {
		f.Config = d.Config
	}
	if f.Tags == "" {
		f.Tags = d.Tags
	}
	return f
}

// Fetch resolves every name in order and fails on the first error.
func Fetch(ctx context.Context, p Provider, names ...string) ([]string, error) {
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path, err := p.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type RepoOption func(*Repo)

func WithRevision(rev string) RepoOption {
	return func(r *Repo) { r.revision = rev }
}

func WithCacheDir(dir string) RepoOption {
	return func(r *Repo) { r.cacheDir = dir }
}

func WithToken(token string) RepoOption {
	return func(r *Repo) { r.token = token }
}

// Repo downloads files of a model repository into the Hugging Face cache layout and
// reuses cached copies.
type Repo struct {
	id       string
	revision string
	cacheDir string
	token    string
	download func(name string) (string, error)
}

func NewRepo(id string, opts ...RepoOption) *Repo {
	r := &Repo{id: id}
	for _, opt := range opts {
		opt(r)
	}
	repo := hfhub.New(id)
	if r.revision != "" {
		repo = repo.WithRevision(r.revision)
	}
	if r.cacheDir != "" {
		repo = repo.WithCacheDir(r.cacheDir)
	}
	if r.token != "" {
		repo = repo.WithAuth(r.token)
	}
	r.download = repo.DownloadFile
	return r
}

func (r *Repo) ID() string { return r.id }

// Get downloads name unless it is cached. A canceled ctx returns at once; the download
// itself cannot be interrupted and finishes in the background, leaving a complete cache
// entry for the next run.
func (r *Repo) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s/%s: %w", errs.ErrArtifact, r.id, name, err)
	}
	type download struct {
		path string
		err  error
	}
	done := make(chan download, 1)
	go func() {
		path, err := r.download(name)
		done <- download{path, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s/%s: %w", errs.ErrArtifact, r.id, name, ctx.Err())
	case d := <-done:
		if d.err != nil {
			return "", fmt.Errorf("%w: error getting %s from %s: %w", errs.ErrArtifact, name, r.id, d.err)
		}
		return d.path, nil
	}
}

// Dir serves artifacts from a local directory.
type Dir string

func (d Dir) ID() string { return string(d) }

func (d Dir) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", errs.ErrArtifact, name, err)
	}
	path := filepath.Join(string(d), name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrArtifact, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", errs.ErrArtifact, path)
	}
	return path, nil
}
