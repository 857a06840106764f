// Package processor turns decoded images into the NHWC float32 tensors WD-style taggers
// were trained on: padded to a white square, resized, BGR channel order.
package processor

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/krau/wdtagger/errs"
	"github.com/krau/wdtagger/metadata"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"gorgonia.org/tensor"
)

// Normalization is the per model family mapping from 8-bit channel values to floats.
type Normalization string

const (
	// NormalizeRaw feeds the channel value unchanged, 0..255. WD v2/v3 taggers use this.
	NormalizeRaw Normalization = "raw"
	// NormalizeSigned scales into [-1, 1] with v/127.5 - 1.
	NormalizeSigned Normalization = "signed"
)

type Interpolation string

const (
	CatmullRom Interpolation = "catmullrom"
	Lanczos    Interpolation = "lanczos"
	// Bicubic uses nfnt/resize, which is closer to PIL's BICUBIC than imaging's filters.
	Bicubic Interpolation = "bicubic"
)

func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(s); n {
	case NormalizeRaw, NormalizeSigned:
		return n, nil
	case "":
		return NormalizeRaw, nil
	}
	return "", fmt.Errorf("%w: unknown normalization %q", errs.ErrProcessor, s)
}

func ParseInterpolation(s string) (Interpolation, error) {
	switch i := Interpolation(s); i {
	case CatmullRom, Lanczos, Bicubic:
		return i, nil
	case "":
		return CatmullRom, nil
	}
	return "", fmt.Errorf("%w: unknown interpolation %q", errs.ErrProcessor, s)
}

type Option func(*Preprocessor)

func WithNormalization(n Normalization) Option {
	return func(p *Preprocessor) { p.normalization = n }
}

func WithInterpolation(i Interpolation) Option {
	return func(p *Preprocessor) { p.interpolation = i }
}

type Preprocessor struct {
	channels      int
	height        int
	width         int
	normalization Normalization
	interpolation Interpolation
}

func New(meta metadata.Metadata, opts ...Option) (*Preprocessor, error) {
	if meta.Channels != 3 {
		return nil, fmt.Errorf("%w: expected 3 input channels, got %d", errs.ErrProcessor, meta.Channels)
	}
	if meta.Height == 0 || meta.Width == 0 {
		return nil, fmt.Errorf("%w: invalid input size %dx%d", errs.ErrProcessor, meta.Width, meta.Height)
	}
	p := &Preprocessor{
		channels:      int(meta.Channels),
		height:        int(meta.Height),
		width:         int(meta.Width),
		normalization: NormalizeRaw,
		interpolation: CatmullRom,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := ParseNormalization(string(p.normalization)); err != nil {
		return nil, err
	}
	if _, err := ParseInterpolation(string(p.interpolation)); err != nil {
		return nil, err
	}
	return p, nil
}

// FromConfig builds a preprocessor from the pretrained_cfg.input_size of a model config.
func FromConfig(cfg *metadata.ModelConfig, opts ...Option) (*Preprocessor, error) {
	if cfg == nil || len(cfg.PretrainedCfg.InputSize) != 3 {
		return nil, fmt.Errorf("%w: invalid input size", errs.ErrProcessor)
	}
	return New(cfg.Metadata(), opts...)
}

func (p *Preprocessor) Height() int { return p.height }
func (p *Preprocessor) Width() int  { return p.width }

// Process returns a [1, height, width, 3] tensor for a single image.
func (p *Preprocessor) Process(img image.Image) (*tensor.Dense, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", errs.ErrProcessor)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", errs.ErrProcessor, b.Dx(), b.Dy())
	}
	padded := padToSquare(flatten(img))
	resized := p.resize(padded)

	data := make([]float32, p.height*p.width*p.channels)
	i := 0
	for y := range p.height {
		row := resized.Pix[y*resized.Stride:]
		for x := range p.width {
			px := row[x*4 : x*4+3]
			data[i] = p.normalize(px[2])
			data[i+1] = p.normalize(px[1])
			data[i+2] = p.normalize(px[0])
			i += 3
		}
	}
	return tensor.New(tensor.WithShape(1, p.height, p.width, p.channels), tensor.WithBacking(data)), nil
}

// ProcessBatch processes every image and stacks the results on the batch axis.
// The first failing image aborts the whole batch.
func (p *Preprocessor) ProcessBatch(imgs []image.Image) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", errs.ErrProcessor)
	}
	parts := make([]*tensor.Dense, 0, len(imgs))
	for i, img := range imgs {
		t, err := p.Process(img)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		parts = append(parts, t)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	batch, err := parts[0].Concat(0, parts[1:]...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to process batch: %w", errs.ErrProcessor, err)
	}
	return batch, nil
}

func (p *Preprocessor) normalize(v uint8) float32 {
	if p.normalization == NormalizeSigned {
		return float32(v)/127.5 - 1.0
	}
	return float32(v)
}

func (p *Preprocessor) resize(img *image.NRGBA) *image.NRGBA {
	switch p.interpolation {
	case Bicubic:
		return imaging.Clone(resize.Resize(uint(p.width), uint(p.height), img, resize.Bicubic))
	case Lanczos:
		return imaging.Resize(img, p.width, p.height, imaging.Lanczos)
	default:
		return imaging.Resize(img, p.width, p.height, imaging.CatmullRom)
	}
}

// flatten draws img over an opaque white canvas of the same size, anchored at the origin.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// padOffsets returns where an image of w x h sits inside its max(w, h) square.
func padOffsets(w, h int) (side, left, top int) {
	side = max(w, h)
	return side, (side - w) / 2, (side - h) / 2
}

func padToSquare(img image.Image) *image.NRGBA {
	b := img.Bounds()
	side, left, top := padOffsets(b.Dx(), b.Dy())
	canvas := imaging.New(side, side, color.White)
	return imaging.Paste(canvas, img, image.Pt(left, top))
}
