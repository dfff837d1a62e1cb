package querylog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Writer {
	t.Helper()
	w, err := Open(filepath.Join(t.TempDir(), "logs", "query_log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAndRecent(t *testing.T) {
	w := openTemp(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

	id, err := w.Append(ctx, Entry{
		UserID:              "u1",
		Verbatim:            "Hey, what's the weather in Paris?",
		Normalized:          "what is the weather in paris",
		Gist:                "weather paris",
		NormalizedEmbedding: []float32{0.5, -0.25},
		MatchedTier:         "synonym",
		Confidence:          99.2,
		SnapshotID:          "abc",
		HitNormalized:       true,
		CreatedDate:         created,
	})
	require.NoError(t, err)
	assert.Len(t, id, 26)

	entries, err := w.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, id, e.ID)
	assert.Equal(t, "weather paris", e.Gist)
	assert.Nil(t, e.VerbatimEmbedding)
	assert.Equal(t, []float32{0.5, -0.25}, e.NormalizedEmbedding)
	assert.Equal(t, 99.2, e.Confidence)
	assert.True(t, e.HitNormalized)
	assert.False(t, e.HitGist)
	assert.True(t, created.Equal(e.CreatedDate))
}

func TestAppend_IDsAreOrdered(t *testing.T) {
	w := openTemp(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Append(ctx, Entry{UserID: "u", Verbatim: "q", Normalized: "q", Gist: "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := w.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i-1].ID, entries[i].ID)
	}
}
