// Command wdtagger tags an image or every image in a folder with a WD tagger model.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/krau/wdtagger/config"
	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/files"
	"github.com/krau/wdtagger/hub"
	"github.com/krau/wdtagger/onnx"
	"github.com/krau/wdtagger/pipeline"
	"github.com/krau/wdtagger/processor"
	"github.com/krau/wdtagger/store"
)

const (
	formatCaption = "caption"
	formatJSON    = "json"
	formatStdout  = "stdout"
)

type options struct {
	input     string
	output    string
	format    string
	threshold float64
	mcut      bool

	series   string
	model    string
	repo     string
	revision string
	modelDir string
	files    hub.Files
	cacheDir string

	devices   string
	ortLib    string
	batchSize int
	workers   int
	threads   int
	db        string
	logLevel  string

	normalization string
	interpolation string
	activation    string
}

func parseFlags(args []string, c config.Config) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("wdtagger", flag.ContinueOnError)
	fs.StringVar(&o.input, "input", "", "Image file or folder to tag")
	fs.StringVar(&o.output, "output", "", "Folder for output files (default: next to each image)")
	fs.StringVar(&o.format, "format", formatCaption, "Output format: caption, json or stdout")
	fs.Float64Var(&o.threshold, "threshold", float64(c.Threshold), "Minimum score for a tag")
	fs.BoolVar(&o.mcut, "mcut", c.MCut, "Use the MCut threshold per category instead of -threshold")
	fs.StringVar(&o.series, "series", string(hub.V3), "Model series: v3 or v2")
	fs.StringVar(&o.model, "model", "", "Model preset of the series (default: swinv2)")
	fs.StringVar(&o.repo, "repo", "", "Custom Hugging Face repository, overrides -series and -model")
	fs.StringVar(&o.revision, "revision", c.Revision, "Repository revision")
	fs.StringVar(&o.modelDir, "model-dir", c.ModelDir, "Local folder with the model files, skips the hub")
	fs.StringVar(&o.files.Model, "model-file", c.ModelFileName, "Model file name")
	fs.StringVar(&o.files.Config, "config-file", c.ConfigFileName, "Model config file name")
	fs.StringVar(&o.files.Tags, "tags-file", c.TagsFileName, "Tag table file name")
	fs.StringVar(&o.cacheDir, "cache-dir", c.CacheDir, "Hugging Face cache folder")
	fs.StringVar(&o.devices, "devices", strings.Join(c.Devices, ","), "Comma separated devices, e.g. cuda:0,cpu")
	fs.StringVar(&o.ortLib, "ort", c.Libonnx, "Path to the onnxruntime shared library")
	fs.IntVar(&o.batchSize, "batch", c.BatchSize, "Images per inference call")
	fs.IntVar(&o.workers, "workers", c.Workers, "Concurrent folder readers")
	fs.IntVar(&o.threads, "threads", c.IntraOpThreads, "ONNX Runtime intra-op threads (0: runtime default)")
	fs.StringVar(&o.db, "db", c.DBPath, "SQLite file to store results in")
	fs.StringVar(&o.logLevel, "log-level", c.LogLevel, "Log level")
	fs.StringVar(&o.normalization, "normalization", c.Normalization, "Input normalization: raw or signed")
	fs.StringVar(&o.interpolation, "interpolation", c.Interpolation, "Resize filter: catmullrom, lanczos or bicubic")
	fs.StringVar(&o.activation, "activation", c.Activation, "Output activation: none or sigmoid")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if o.input == "" {
		return nil, errors.New("-input is required")
	}
	switch o.format {
	case formatCaption, formatJSON, formatStdout:
	default:
		return nil, fmt.Errorf("unknown format %q", o.format)
	}
	if o.batchSize <= 0 {
		return nil, fmt.Errorf("-batch must be positive, got %d", o.batchSize)
	}
	if o.threads < 0 {
		return nil, fmt.Errorf("-threads must not be negative, got %d", o.threads)
	}
	return o, nil
}

func (o *options) repoID() (string, error) {
	if o.repo != "" {
		return o.repo, nil
	}
	return hub.PresetRepo(hub.Series(o.series), o.model)
}

func (o *options) provider(hfToken string) (hub.Provider, error) {
	if o.modelDir != "" {
		return hub.Dir(o.modelDir), nil
	}
	id, err := o.repoID()
	if err != nil {
		return nil, err
	}
	return hub.NewRepo(id,
		hub.WithRevision(o.revision),
		hub.WithCacheDir(o.cacheDir),
		hub.WithToken(hfToken)), nil
}

func (o *options) pipelineOptions() ([]pipeline.Option, error) {
	norm, err := processor.ParseNormalization(o.normalization)
	if err != nil {
		return nil, err
	}
	interp, err := processor.ParseInterpolation(o.interpolation)
	if err != nil {
		return nil, err
	}
	act, err := pipeline.ParseActivation(o.activation)
	if err != nil {
		return nil, err
	}
	return []pipeline.Option{
		pipeline.WithThreshold(float32(o.threshold)),
		pipeline.WithMCut(o.mcut),
		pipeline.WithActivation(act),
		pipeline.WithProcessorOptions(processor.WithNormalization(norm), processor.WithInterpolation(interp)),
	}, nil
}

type tagger interface {
	PredictBatch(imgs []image.Image) ([]*pipeline.Result, error)
}

type jsonLine struct {
	File string `json:"file"`
	*pipeline.Result
}

// tagFiles runs paths through t in batches and writes one output per image. Images that
// cannot be decoded are skipped with a warning. It returns the number of tagged images.
// Results are saved to st under rec's model and thresholds when st is set.
func tagFiles(ctx context.Context, t tagger, paths []string, o *options, st *store.Store, rec store.Record, stdout io.Writer) (int, error) {
	enc := json.NewEncoder(stdout)
	root := files.Root(o.input)
	done := 0
	for start := 0; start < len(paths); start += o.batchSize {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		end := min(start+o.batchSize, len(paths))

		var (
			names []string
			imgs  []image.Image
		)
		for _, path := range paths[start:end] {
			img, err := processor.Open(path)
			if err != nil {
				slog.Warn("Skipping image", slog.String("file", path), slog.String("error", err.Error()))
				continue
			}
			names = append(names, path)
			imgs = append(imgs, img)
		}
		if len(imgs) == 0 {
			continue
		}

		results, err := t.PredictBatch(imgs)
		if err != nil {
			return done, fmt.Errorf("failed to tag %s: %w", names[0], err)
		}
		for i, res := range results {
			if err := writeResult(enc, names[i], root, res, o); err != nil {
				return done, err
			}
			if st != nil {
				rec.Image, rec.Result = names[i], res
				if err := st.Save(ctx, rec); err != nil {
					return done, err
				}
			}
			done++
		}
		slog.Debug("Tagged batch", slog.Int("done", done), slog.Int("total", len(paths)))
	}
	return done, nil
}

func writeResult(enc *json.Encoder, path, root string, res *pipeline.Result, o *options) error {
	switch o.format {
	case formatCaption:
		return files.WriteCaption(files.OutputPath(path, root, o.output, ".txt"), res.Tags())
	case formatJSON:
		return files.WriteJSON(files.OutputPath(path, root, o.output, ".json"), res)
	}
	return enc.Encode(jsonLine{File: path, Result: res})
}

func run(ctx context.Context, o *options, c config.Config) error {
	provider, err := o.provider(c.HFToken)
	if err != nil {
		return err
	}
	popts, err := o.pipelineOptions()
	if err != nil {
		return err
	}

	// download everything before touching the runtime
	if _, err := hub.Fetch(ctx, provider, o.files.Model, o.files.Config, o.files.Tags); err != nil {
		return err
	}

	devices, err := engine.ParseDevices(splitList(o.devices))
	if err != nil {
		return err
	}
	lib := o.ortLib
	if lib == "" {
		lib = onnx.LibPath()
	}
	rt, err := onnx.Init(onnx.Options{LibPath: lib, Devices: devices, IntraOpThreads: o.threads})
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := pipeline.Load(ctx, provider, rt, o.files, popts...)
	if err != nil {
		return err
	}
	defer p.Close()

	var st *store.Store
	if o.db != "" {
		st, err = store.Open(o.db)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	paths, err := files.Discover(ctx, o.input, o.workers)
	if err != nil {
		return err
	}
	slog.Info("Tagging", slog.String("model", provider.ID()), slog.Int("images", len(paths)))
	rec := store.Record{Model: provider.ID(), Threshold: p.Threshold(), MCut: p.MCut()}
	n, err := tagFiles(ctx, p, paths, o, st, rec, os.Stdout)
	slog.Info("Done", slog.Int("tagged", n), slog.Int("skipped", len(paths)-n))
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	c := config.C()
	o, err := parseFlags(os.Args[1:], c)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(o.logLevel),
	})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, o, c); err != nil {
		slog.Error("Tagging failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
