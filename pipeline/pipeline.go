// Package pipeline composes preprocessing, inference and tag post-processing into
// categorized predictions.
package pipeline

import (
	"cmp"
	"fmt"
	"image"
	"slices"

	"github.com/chewxy/math32"
	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/errs"
	"github.com/krau/wdtagger/processor"
	"github.com/krau/wdtagger/tags"
)

const DefaultThreshold float32 = 0.35

// Activation is applied to raw model outputs before thresholding. WD taggers already
// end in a sigmoid; logit models such as JoyTag need ActivationSigmoid.
type Activation string

const (
	ActivationNone    Activation = "none"
	ActivationSigmoid Activation = "sigmoid"
)

func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case ActivationNone, ActivationSigmoid:
		return a, nil
	case "":
		return ActivationNone, nil
	}
	return "", fmt.Errorf("%w: unknown activation %q", errs.ErrConfigParse, s)
}

type TagScore struct {
	Tag   string  `json:"tag"`
	Score float32 `json:"score"`
}

// Result holds the tags of one image per category, each sorted by descending score
// with ties broken by name.
type Result struct {
	Rating    []TagScore `json:"rating"`
	Character []TagScore `json:"character"`
	General   []TagScore `json:"general"`
}

// Tags returns character tags followed by general tags, in result order.
func (r *Result) Tags() []string {
	out := make([]string, 0, len(r.Character)+len(r.General))
	for _, ts := range r.Character {
		out = append(out, ts.Tag)
	}
	for _, ts := range r.General {
		out = append(out, ts.Tag)
	}
	return out
}

func (r *Result) Scores() map[string]float32 {
	m := make(map[string]float32, len(r.Rating)+len(r.Character)+len(r.General))
	for _, bucket := range [][]TagScore{r.Rating, r.Character, r.General} {
		for _, ts := range bucket {
			m[ts.Tag] = ts.Score
		}
	}
	return m
}

type settings struct {
	threshold  float32
	mcut       bool
	activation Activation
	processor  []processor.Option
}

type Option func(*settings)

func WithThreshold(t float32) Option {
	return func(s *settings) { s.threshold = t }
}

// WithMCut replaces the fixed threshold with a per-call, per-category MCut threshold.
func WithMCut(enabled bool) Option {
	return func(s *settings) { s.mcut = enabled }
}

func WithActivation(a Activation) Option {
	return func(s *settings) { s.activation = a }
}

// WithProcessorOptions configures the preprocessor built by Load.
func WithProcessorOptions(opts ...processor.Option) Option {
	return func(s *settings) { s.processor = append(s.processor, opts...) }
}

func newSettings(opts []Option) settings {
	s := settings{threshold: DefaultThreshold, activation: ActivationNone}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Pipeline is immutable after construction and safe for concurrent use when its
// session is.
type Pipeline struct {
	session    engine.Session
	processor  *processor.Preprocessor
	tags       *tags.Registry
	threshold  float32
	mcut       bool
	activation Activation
}

func New(session engine.Session, pre *processor.Preprocessor, reg *tags.Registry, opts ...Option) (*Pipeline, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: nil session", errs.ErrEngine)
	}
	if pre == nil {
		return nil, fmt.Errorf("%w: nil preprocessor", errs.ErrProcessor)
	}
	if reg == nil || reg.Len() == 0 {
		return nil, fmt.Errorf("%w: empty tag registry", errs.ErrTagParse)
	}
	s := newSettings(opts)
	if _, err := ParseActivation(string(s.activation)); err != nil {
		return nil, err
	}
	if math32.IsNaN(s.threshold) {
		return nil, fmt.Errorf("%w: threshold is NaN", errs.ErrConfigParse)
	}
	return &Pipeline{
		session:    session,
		processor:  pre,
		tags:       reg,
		threshold:  s.threshold,
		mcut:       s.mcut,
		activation: s.activation,
	}, nil
}

func (p *Pipeline) Threshold() float32       { return p.threshold }
func (p *Pipeline) MCut() bool               { return p.mcut }
func (p *Pipeline) Registry() *tags.Registry { return p.tags }

func (p *Pipeline) Close() error {
	return p.session.Close()
}

func (p *Pipeline) Predict(img image.Image) (*Result, error) {
	results, err := p.PredictBatch([]image.Image{img})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// PredictBatch tags every image in one inference call. Any failure fails the batch.
func (p *Pipeline) PredictBatch(imgs []image.Image) ([]*Result, error) {
	input, err := p.processor.ProcessBatch(imgs)
	if err != nil {
		return nil, err
	}
	probs, err := p.session.Predict(input)
	if err != nil {
		return nil, err
	}
	if len(probs) != len(imgs) {
		return nil, fmt.Errorf("%w: got %d predictions for %d images", errs.ErrEngine, len(probs), len(imgs))
	}
	if p.activation == ActivationSigmoid {
		for _, row := range probs {
			for i, v := range row {
				row[i] = Sigmoid(v)
			}
		}
	}
	pairs, err := p.tags.MapProbabilities(probs)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, len(pairs))
	for i, scores := range pairs {
		results[i] = p.postprocess(scores)
	}
	return results, nil
}

func (p *Pipeline) postprocess(scores map[string]float32) *Result {
	var rating, character, general []TagScore
	for name, score := range scores {
		tag, ok := p.tags.ByName(name)
		if !ok || math32.IsNaN(score) {
			continue
		}
		ts := TagScore{Tag: name, Score: score}
		switch tag.Category {
		case tags.Rating:
			rating = append(rating, ts)
		case tags.Character:
			character = append(character, ts)
		case tags.General:
			general = append(general, ts)
		}
	}
	return &Result{
		Rating:    p.selectTags(rating),
		Character: p.selectTags(character),
		General:   p.selectTags(general),
	}
}

func (p *Pipeline) selectTags(candidates []TagScore) []TagScore {
	SortScores(candidates)
	threshold := p.threshold
	if p.mcut {
		values := make([]float32, len(candidates))
		for i, ts := range candidates {
			values[i] = ts.Score
		}
		threshold = MCutThreshold(values)
	}
	// candidates are sorted, so the kept tags are a prefix
	n := 0
	for n < len(candidates) && candidates[n].Score >= threshold {
		n++
	}
	out := make([]TagScore, n)
	copy(out, candidates[:n])
	return out
}

// SortScores orders by descending score, then ascending tag name.
func SortScores(s []TagScore) {
	slices.SortFunc(s, func(a, b TagScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
}

// MCutThreshold returns the midpoint of the largest gap between consecutive values of a
// descending-sorted slice. With fewer than two values every value passes.
func MCutThreshold(sorted []float32) float32 {
	if len(sorted) < 2 {
		return math32.Inf(-1)
	}
	best := 0
	for i := 1; i < len(sorted)-1; i++ {
		if sorted[i]-sorted[i+1] > sorted[best]-sorted[best+1] {
			best = i
		}
	}
	return (sorted[best] + sorted[best+1]) / 2
}

func Sigmoid(x float32) float32 {
	if x > 50 {
		x = 50
	} else if x < -50 {
		x = -50
	}
	return 1 / (1 + math32.Exp(-x))
}
