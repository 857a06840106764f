package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/krau/wdtagger/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var sample = &pipeline.Result{
	Rating:    []pipeline.TagScore{{Tag: "general", Score: 0.75}},
	Character: []pipeline.TagScore{{Tag: "hatsune_miku", Score: 0.5}},
	General:   []pipeline.TagScore{{Tag: "1girl", Score: 0.96875}, {Tag: "solo", Score: 0.875}},
}

func TestSaveGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const model = "SmilingWolf/wd-swinv2-tagger-v3"

	require.NoError(t, s.Save(ctx, Record{Image: "a.png", Model: model, Threshold: 0.35, Result: sample}))
	rec, err := s.Get(ctx, "a.png", model)
	require.NoError(t, err)
	assert.Equal(t, "a.png", rec.Image)
	assert.Equal(t, model, rec.Model)
	assert.Equal(t, float32(0.35), rec.Threshold)
	assert.False(t, rec.MCut)
	assert.Equal(t, sample, rec.Result)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = s.Get(ctx, "a.png", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Record{Image: "a.png", Model: "m", Threshold: 0.35, Result: sample}))
	updated := &pipeline.Result{Rating: []pipeline.TagScore{}, Character: []pipeline.TagScore{}, General: []pipeline.TagScore{{Tag: "solo", Score: 0.5}}}
	require.NoError(t, s.Save(ctx, Record{Image: "a.png", Model: "m", Threshold: 0.5, Result: updated}))

	rec, err := s.Get(ctx, "a.png", "m")
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), rec.Threshold)
	assert.Equal(t, updated, rec.Result)
}

func TestListDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, img := range []string{"c.png", "a.png", "b.png"} {
		require.NoError(t, s.Save(ctx, Record{Image: img, Model: "m", Threshold: 0.35, Result: sample}))
	}
	require.NoError(t, s.Save(ctx, Record{Image: "a.png", Model: "other", Threshold: 0.35, Result: sample}))

	recs, err := s.List(ctx, "m")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, []string{recs[0].Image, recs[1].Image, recs[2].Image})

	require.NoError(t, s.Delete(ctx, "b.png", "m"))
	assert.ErrorIs(t, s.Delete(ctx, "b.png", "m"), ErrNotFound)
	recs, err = s.List(ctx, "m")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestOpenReusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), Record{Image: "a.png", Model: "m", Threshold: 0.35, Result: sample}))
	require.NoError(t, s.Close())

	s, err = Open(path + "?_foreign_keys=on")
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(context.Background(), "a.png", "m")
	require.NoError(t, err)
	assert.Equal(t, sample, rec.Result)
}

func TestSaveMCutStoresNoThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Record{Image: "a.png", Model: "m", Threshold: 0.35, MCut: true, Result: sample}))
	rec, err := s.Get(ctx, "a.png", "m")
	require.NoError(t, err)
	assert.True(t, rec.MCut)
	assert.Zero(t, rec.Threshold)

	var null bool
	require.NoError(t, s.db.QueryRow(`SELECT threshold IS NULL FROM results WHERE image = ?`, "a.png").Scan(&null))
	assert.True(t, null)

	// switching back to a fixed threshold replaces both columns
	require.NoError(t, s.Save(ctx, Record{Image: "a.png", Model: "m", Threshold: 0.5, Result: sample}))
	rec, err = s.Get(ctx, "a.png", "m")
	require.NoError(t, err)
	assert.False(t, rec.MCut)
	assert.Equal(t, float32(0.5), rec.Threshold)
}
