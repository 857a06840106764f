// Package metadata parses the timm-style config.json shipped next to a tagger model.
package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/krau/wdtagger/errs"
)

type ModelConfig struct {
	Architecture  string        `json:"architecture"`
	NumClasses    *uint         `json:"num_classes"`
	NumFeatures   *uint         `json:"num_features"`
	GlobalPool    string        `json:"global_pool"`
	PretrainedCfg PretrainedCfg `json:"pretrained_cfg"`
}

type PretrainedCfg struct {
	InputSize      []uint    `json:"input_size"`
	FixedInputSize *bool     `json:"fixed_input_size"`
	Interpolation  string    `json:"interpolation"`
	CropPct        float64   `json:"crop_pct"`
	Mean           []float64 `json:"mean"`
	Std            []float64 `json:"std"`
	NumClasses     uint      `json:"num_classes"`
}

// Metadata is the input contract of a model: a [Channels, Height, Width] image and a
// probability vector of NumClasses entries.
type Metadata struct {
	Channels   uint
	Height     uint
	Width      uint
	NumClasses uint
}

func Load(path string) (*ModelConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", errs.ErrConfigParse, path, err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*ModelConfig, error) {
	var cfg ModelConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode model config: %w", errs.ErrConfigParse, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ModelConfig) validate() error {
	switch {
	case c.Architecture == "":
		return fmt.Errorf("%w: missing architecture", errs.ErrConfigParse)
	case c.NumClasses == nil:
		return fmt.Errorf("%w: missing num_classes", errs.ErrConfigParse)
	case c.NumFeatures == nil:
		return fmt.Errorf("%w: missing num_features", errs.ErrConfigParse)
	case c.PretrainedCfg.FixedInputSize == nil:
		return fmt.Errorf("%w: missing pretrained_cfg.fixed_input_size", errs.ErrConfigParse)
	case len(c.PretrainedCfg.InputSize) != 3:
		return fmt.Errorf("%w: pretrained_cfg.input_size must have 3 elements, got %d",
			errs.ErrConfigParse, len(c.PretrainedCfg.InputSize))
	}
	return nil
}

// Metadata returns the input contract declared by the document.
func (c *ModelConfig) Metadata() Metadata {
	m := Metadata{
		Channels: c.PretrainedCfg.InputSize[0],
		Height:   c.PretrainedCfg.InputSize[1],
		Width:    c.PretrainedCfg.InputSize[2],
	}
	if c.NumClasses != nil {
		m.NumClasses = *c.NumClasses
	}
	return m
}
