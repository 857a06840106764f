// Package tags loads the selected_tags.csv label table of a tagger model.
//
// Row order in the table is the class order of the model output: the tag on row i
// (zero-based, header excluded) scores position i of every probability vector.
package tags

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/krau/wdtagger/errs"
)

type Category int

const (
	General   Category = 0
	Artist    Category = 1
	Copyright Category = 3
	Character Category = 4
	Meta      Category = 5
	Rating    Category = 9
)

func ParseCategory(code string) (Category, error) {
	switch strings.TrimSpace(code) {
	case "0":
		return General, nil
	case "1":
		return Artist, nil
	case "3":
		return Copyright, nil
	case "4":
		return Character, nil
	case "5":
		return Meta, nil
	case "9":
		return Rating, nil
	}
	return 0, fmt.Errorf("%w: unknown category code %q", errs.ErrTagParse, code)
}

func (c Category) String() string {
	switch c {
	case General:
		return "general"
	case Artist:
		return "artist"
	case Copyright:
		return "copyright"
	case Character:
		return "character"
	case Meta:
		return "meta"
	case Rating:
		return "rating"
	}
	return "unknown"
}

// MarshalText writes the category name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type Tag struct {
	// ID is the row position in the table and the index into the model output.
	ID int `json:"id"`
	// TagID is the tag_id column as written in the table.
	TagID    int      `json:"tag_id"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Count    int      `json:"count"`
}

type Registry struct {
	tags   []Tag
	byName map[string]Tag
}

var columns = []string{"tag_id", "name", "category", "count"}

func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", errs.ErrTagParse, path, err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Registry, error) {
	rd := csv.NewReader(r)
	rd.TrimLeadingSpace = true

	header, err := rd.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty tag table", errs.ErrTagParse)
		}
		return nil, fmt.Errorf("%w: failed to read header: %w", errs.ErrTagParse, err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	idx := make([]int, len(columns))
	for i, col := range columns {
		p, ok := pos[col]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", errs.ErrTagParse, col)
		}
		idx[i] = p
	}

	reg := &Registry{byName: make(map[string]Tag)}
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrTagParse, err)
		}
		row := len(reg.tags)
		tag, err := parseRow(row, rec, idx)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.byName[tag.Name]; dup {
			return nil, fmt.Errorf("%w: row %d: duplicate tag name %q", errs.ErrTagParse, row, tag.Name)
		}
		reg.tags = append(reg.tags, tag)
		reg.byName[tag.Name] = tag
	}
	if len(reg.tags) == 0 {
		return nil, fmt.Errorf("%w: tag table has no rows", errs.ErrTagParse)
	}
	return reg, nil
}

func parseRow(row int, rec []string, idx []int) (Tag, error) {
	tagID, err := strconv.Atoi(strings.TrimSpace(rec[idx[0]]))
	if err != nil {
		return Tag{}, fmt.Errorf("%w: row %d: invalid tag_id: %w", errs.ErrTagParse, row, err)
	}
	name := strings.TrimSpace(rec[idx[1]])
	if name == "" {
		return Tag{}, fmt.Errorf("%w: row %d: empty name", errs.ErrTagParse, row)
	}
	category, err := ParseCategory(rec[idx[2]])
	if err != nil {
		return Tag{}, fmt.Errorf("row %d: %w", row, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(rec[idx[3]]))
	if err != nil {
		return Tag{}, fmt.Errorf("%w: row %d: invalid count: %w", errs.ErrTagParse, row, err)
	}
	return Tag{ID: row, TagID: tagID, Name: name, Category: category, Count: count}, nil
}

func (r *Registry) Len() int { return len(r.tags) }

func (r *Registry) ByIndex(i int) (Tag, bool) {
	if i < 0 || i >= len(r.tags) {
		return Tag{}, false
	}
	return r.tags[i], true
}

func (r *Registry) ByName(name string) (Tag, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns the tags in row order. The slice is a copy.
func (r *Registry) All() []Tag {
	out := make([]Tag, len(r.tags))
	copy(out, r.tags)
	return out
}

func (r *Registry) Names(c Category) []string {
	var names []string
	for _, t := range r.tags {
		if t.Category == c {
			names = append(names, t.Name)
		}
	}
	return names
}

// MapProbabilities pairs every probability vector of a batch with tag names. Each vector
// must have exactly Len() entries.
func (r *Registry) MapProbabilities(batch [][]float32) ([]map[string]float32, error) {
	out := make([]map[string]float32, 0, len(batch))
	for i, probs := range batch {
		if len(probs) != len(r.tags) {
			return nil, fmt.Errorf("%w: tags and probabilities length mismatch in batch item %d: %d tags, %d probabilities",
				errs.ErrTagParse, i, len(r.tags), len(probs))
		}
		m := make(map[string]float32, len(probs))
		for idx, p := range probs {
			tag, _ := r.ByIndex(idx)
			m[tag.Name] = p
		}
		out = append(out, m)
	}
	return out, nil
}
