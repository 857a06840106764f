package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/hub"
	"github.com/krau/wdtagger/metadata"
	"github.com/krau/wdtagger/processor"
	"github.com/krau/wdtagger/tags"
)

// Load fetches the model, its config and its tag table from provider and assembles a
// Pipeline. The session is closed again when assembly fails after it was loaded.
func Load(ctx context.Context, provider hub.Provider, loader engine.Loader, files hub.Files, opts ...Option) (*Pipeline, error) {
	files = files.WithDefaults()
	paths, err := hub.Fetch(ctx, provider, files.Config, files.Tags, files.Model)
	if err != nil {
		return nil, err
	}
	configPath, tagsPath, modelPath := paths[0], paths[1], paths[2]

	cfg, err := metadata.Load(configPath)
	if err != nil {
		return nil, err
	}
	s := newSettings(opts)
	pre, err := processor.FromConfig(cfg, s.processor...)
	if err != nil {
		return nil, err
	}
	reg, err := tags.Load(tagsPath)
	if err != nil {
		return nil, err
	}
	if n := cfg.Metadata().NumClasses; int(n) != reg.Len() {
		slog.Warn("Model class count differs from tag table",
			slog.Int("num_classes", int(n)),
			slog.Int("tags", reg.Len()),
			slog.String("tags_file", tagsPath))
	}

	session, err := loader.Load(modelPath)
	if err != nil {
		return nil, err
	}
	p, err := New(session, pre, reg, opts...)
	if err != nil {
		if cerr := session.Close(); cerr != nil {
			slog.Error("Failed to close session", slog.String("error", cerr.Error()))
		}
		return nil, fmt.Errorf("error assembling pipeline: %w", err)
	}
	slog.Info("Pipeline loaded",
		slog.String("model", modelPath),
		slog.Int("tags", reg.Len()),
		slog.Int("width", pre.Width()),
		slog.Int("height", pre.Height()))
	return p, nil
}
