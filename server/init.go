package server

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/krau/wdtagger/config"
	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/hub"
	"github.com/krau/wdtagger/pipeline"
	"github.com/krau/wdtagger/processor"
	"github.com/krau/wdtagger/store"
)

type Tagger interface {
	PredictBatch(imgs []image.Image) ([]*pipeline.Result, error)
}

var (
	tagger    Tagger
	results   *store.Store
	modelID   string
	devices   []string
	authToken string
	batchSize = 4
)

// Init loads the pipeline described by the configuration on loader and opens the result
// store when one is configured.
func Init(ctx context.Context, loader engine.Loader) error {
	c := config.C()
	p, err := LoadPipeline(ctx, c, loader)
	if err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}
	var st *store.Store
	if c.DBPath != "" {
		st, err = store.Open(c.DBPath)
		if err != nil {
			p.Close()
			return fmt.Errorf("failed to open result store: %w", err)
		}
		slog.Info("Saving results", slog.String("db", c.DBPath))
	}
	setup(p, st, Provider(c).ID(), c.Token, c.BatchSize)
	devices = deviceNames(loader)
	return nil
}

// deviceNames lists the devices of loaders that report them, such as onnx.Runtime.
func deviceNames(loader engine.Loader) []string {
	rt, ok := loader.(interface{ Devices() []engine.Device })
	if !ok {
		return nil
	}
	var names []string
	for _, d := range rt.Devices() {
		names = append(names, d.String())
	}
	return names
}

func setup(t Tagger, st *store.Store, model, token string, batch int) {
	tagger = t
	results = st
	modelID = model
	authToken = token
	if batch > 0 {
		batchSize = batch
	}
}

// Close releases the pipeline and the result store.
func Close() error {
	var err error
	if p, ok := tagger.(*pipeline.Pipeline); ok {
		err = p.Close()
	}
	if results != nil {
		if serr := results.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	tagger, results, devices = nil, nil, nil
	return err
}

// Provider returns the artifact source configured by c: a local model directory when
// set, the hub repository otherwise.
func Provider(c config.Config) hub.Provider {
	if c.ModelDir != "" {
		return hub.Dir(c.ModelDir)
	}
	return hub.NewRepo(c.Repo,
		hub.WithRevision(c.Revision),
		hub.WithCacheDir(c.CacheDir),
		hub.WithToken(c.HFToken))
}

func LoadPipeline(ctx context.Context, c config.Config, loader engine.Loader) (*pipeline.Pipeline, error) {
	norm, err := processor.ParseNormalization(c.Normalization)
	if err != nil {
		return nil, err
	}
	interp, err := processor.ParseInterpolation(c.Interpolation)
	if err != nil {
		return nil, err
	}
	act, err := pipeline.ParseActivation(c.Activation)
	if err != nil {
		return nil, err
	}
	files := hub.Files{Model: c.ModelFileName, Config: c.ConfigFileName, Tags: c.TagsFileName}
	return pipeline.Load(ctx, Provider(c), loader, files,
		pipeline.WithThreshold(c.Threshold),
		pipeline.WithMCut(c.MCut),
		pipeline.WithActivation(act),
		pipeline.WithProcessorOptions(
			processor.WithNormalization(norm),
			processor.WithInterpolation(interp),
		))
}
