package tags

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/krau/wdtagger/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTable = `tag_id,name,category,count
9999999,general,9,807691
9999998,sensitive,9,3129479
9999997,questionable,9,1053925
9999995,explicit,9,781457
470575,1girl,0,4947006
212816,solo,0,4089911
13197,long_hair,0,3266612
1232,hatsune_miku,4,127000
16541,vocaloid,3,170000
1306478,ke-ta,1,3400
8200,highres,5,4000000
`

func TestParse(t *testing.T) {
	reg, err := Parse(strings.NewReader(sampleTable))
	require.NoError(t, err)
	require.Equal(t, 11, reg.Len())

	first := make([]string, 0, 5)
	for i := range 5 {
		tag, ok := reg.ByIndex(i)
		require.True(t, ok)
		assert.Equal(t, i, tag.ID)
		first = append(first, tag.Name)
	}
	assert.Equal(t, []string{"general", "sensitive", "questionable", "explicit", "1girl"}, first)

	miku, ok := reg.ByName("hatsune_miku")
	require.True(t, ok)
	assert.Equal(t, Tag{ID: 7, TagID: 1232, Name: "hatsune_miku", Category: Character, Count: 127000}, miku)

	assert.Equal(t, []string{"general", "sensitive", "questionable", "explicit"}, reg.Names(Rating))
	assert.Equal(t, []string{"vocaloid"}, reg.Names(Copyright))
	assert.Equal(t, []string{"ke-ta"}, reg.Names(Artist))
	assert.Equal(t, []string{"highres"}, reg.Names(Meta))

	_, ok = reg.ByIndex(11)
	assert.False(t, ok)
	_, ok = reg.ByName("missing")
	assert.False(t, ok)
}

func TestParseColumnOrder(t *testing.T) {
	table := "name,count,category,tag_id\n1girl,10,0,470575\nsolo,9,0,212816\n"
	reg, err := Parse(strings.NewReader(table))
	require.NoError(t, err)

	solo, ok := reg.ByIndex(1)
	require.True(t, ok)
	assert.Equal(t, "solo", solo.Name)
	assert.Equal(t, 212816, solo.TagID)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"header only":      "tag_id,name,category,count\n",
		"missing column":   "tag_id,name,count\n1,a,3\n",
		"bad tag id":       "tag_id,name,category,count\nx,a,0,1\n",
		"bad count":        "tag_id,name,category,count\n1,a,0,many\n",
		"unused category":  "tag_id,name,category,count\n1,a,2,1\n",
		"unknown category": "tag_id,name,category,count\n1,a,general,1\n",
		"empty name":       "tag_id,name,category,count\n1, ,0,1\n",
		"duplicate name":   "tag_id,name,category,count\n1,a,0,1\n2,a,4,1\n",
		"ragged row":       "tag_id,name,category,count\n1,a,0\n",
	}
	for name, table := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(table))
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrTagParse)
		})
	}
}

func TestParseCategory(t *testing.T) {
	for code, want := range map[string]Category{"0": General, "1": Artist, "3": Copyright, "4": Character, "5": Meta, "9": Rating} {
		got, err := ParseCategory(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, code := range []string{"2", "6", "7", "8", "10", ""} {
		_, err := ParseCategory(code)
		assert.ErrorIs(t, err, errs.ErrTagParse, "code %q", code)
	}
	assert.Equal(t, "character", Character.String())
}

func TestMapProbabilities(t *testing.T) {
	reg, err := Parse(strings.NewReader(sampleTable))
	require.NoError(t, err)

	batch := make([][]float32, 4)
	for i := range batch {
		batch[i] = randomVector(reg.Len())
	}
	pairs, err := reg.MapProbabilities(batch)
	require.NoError(t, err)
	require.Len(t, pairs, 4)
	for i, m := range pairs {
		assert.Len(t, m, reg.Len())
		for _, tag := range reg.All() {
			assert.Equal(t, batch[i][tag.ID], m[tag.Name])
		}
	}
}

func TestMapProbabilitiesLengthMismatch(t *testing.T) {
	reg, err := Parse(strings.NewReader(sampleTable))
	require.NoError(t, err)

	for _, n := range []int{0, reg.Len() - 1, reg.Len() + 1, reg.Len() + 100} {
		_, err := reg.MapProbabilities([][]float32{randomVector(reg.Len()), randomVector(n)})
		assert.ErrorIs(t, err, errs.ErrTagParse, "length %d", n)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selected_tags.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleTable), 0o644))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 11, reg.Len())

	_, err = Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, errs.ErrTagParse)
}

func TestTagJSON(t *testing.T) {
	data, err := json.Marshal(Tag{ID: 3, TagID: 470575, Name: "1girl", Category: General, Count: 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 3, "tag_id": 470575, "name": "1girl", "category": "general", "count": 10}`, string(data))
}

func randomVector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rand.Float32()
	}
	return v
}
