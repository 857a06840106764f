package hub

import (
	"fmt"
	"slices"
	"strings"

	"github.com/krau/wdtagger/errs"
)

type Series string

const (
	V2 Series = "v2"
	V3 Series = "v3"
)

var presets = map[Series]map[string]string{
	V3: {
		"vit":         "SmilingWolf/wd-vit-tagger-v3",
		"swinv2":      "SmilingWolf/wd-swinv2-tagger-v3",
		"convnext":    "SmilingWolf/wd-convnext-tagger-v3",
		"vit-large":   "SmilingWolf/wd-vit-large-tagger-v3",
		"eva02-large": "SmilingWolf/wd-eva02-large-tagger-v3",
	},
	V2: {
		"vit":        "SmilingWolf/wd-v1-4-vit-tagger-v2",
		"moat":       "SmilingWolf/wd-v1-4-moat-tagger-v2",
		"swinv2":     "SmilingWolf/wd-v1-4-swinv2-tagger-v2",
		"convnext":   "SmilingWolf/wd-v1-4-convnext-tagger-v2",
		"convnextv2": "SmilingWolf/wd-v1-4-convnextv2-tagger-v2",
	},
}

const DefaultPreset = "swinv2"

// DefaultRepo is the v3 SwinV2 tagger.
const DefaultRepo = "SmilingWolf/wd-swinv2-tagger-v3"

// PresetRepo returns the repository id of a named model. An empty name selects the
// series default.
func PresetRepo(series Series, name string) (string, error) {
	models, ok := presets[series]
	if !ok {
		return "", fmt.Errorf("%w: unknown model series %q", errs.ErrArtifact, series)
	}
	if name == "" {
		name = DefaultPreset
	}
	name = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	if name == "swin-v2" {
		name = "swinv2"
	}
	if name == "convnext-v2" {
		name = "convnextv2"
	}
	id, ok := models[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown %s model %q (known: %s)",
			errs.ErrArtifact, series, name, strings.Join(PresetNames(series), ", "))
	}
	return id, nil
}

func PresetNames(series Series) []string {
	names := make([]string, 0, len(presets[series]))
	for name := range presets[series] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
