package services

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genie/internal/logging"
)

type fakeEmbeddings struct {
	mu     sync.Mutex
	calls  []string
	models []string
	err    error
}

func (f *fakeEmbeddings) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	req := conv.Convert()
	input := req.Input.([]string)

	f.mu.Lock()
	f.calls = append(f.calls, input...)
	f.models = append(f.models, string(req.Model))
	f.mu.Unlock()

	if f.err != nil {
		return openai.EmbeddingResponse{}, f.err
	}
	var resp openai.EmbeddingResponse
	for i, text := range input {
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: []float32{float32(len(text)), 1}})
	}
	return resp, nil
}

func (f *fakeEmbeddings) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestEmbed_Validation(t *testing.T) {
	svc := newEmbeddingService(&fakeEmbeddings{}, "", nil, logging.Discard())

	for _, input := range []string{"", "   \t\n  "} {
		_, err := svc.Embed(context.Background(), input)
		assert.ErrorContains(t, err, "input text cannot be empty")
	}
}

func TestEmbed_CachesByText(t *testing.T) {
	client := &fakeEmbeddings{}
	svc := newEmbeddingService(client, "text-embedding-3-small", NewMemoryCache(0), logging.Discard())

	first, err := svc.Embed(context.Background(), "what time is it")
	require.NoError(t, err)
	second, err := svc.Embed(context.Background(), "  what time is it ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.count())
	assert.Equal(t, []string{"text-embedding-3-small"}, client.models)
}

func TestEmbed_ErrorsAreNotCached(t *testing.T) {
	client := &fakeEmbeddings{err: errors.New("rate limited")}
	svc := newEmbeddingService(client, "", nil, logging.Discard())

	_, err := svc.Embed(context.Background(), "hello there")
	assert.ErrorContains(t, err, "rate limited")

	client.err = nil
	v, err := svc.Embed(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 1}, v)
	assert.Equal(t, 2, client.count())
}

func TestEmbedAll(t *testing.T) {
	client := &fakeEmbeddings{}
	svc := newEmbeddingService(client, "", nil, logging.Discard())

	out, err := svc.EmbedAll(context.Background(), []string{"weather in paris", "", "weather in paris", "paris weather today"})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, []float32{16, 1}, out[0])
	assert.Nil(t, out[1])
	assert.Equal(t, out[0], out[2])
	assert.Equal(t, []float32{19, 1}, out[3])
	assert.Equal(t, 2, client.count())
}

func TestEmbedAll_Error(t *testing.T) {
	svc := newEmbeddingService(&fakeEmbeddings{err: errors.New("boom")}, "", nil, logging.Discard())

	_, err := svc.EmbedAll(context.Background(), []string{"a question", "another question"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	maxChars := maxEmbeddingTokens * avgCharsPerToken

	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"short text", "short", 5},
		{"exactly at limit", strings.Repeat("a", maxChars), maxChars},
		{"over limit", strings.Repeat("a", maxChars+1000), maxChars},
		{"over limit with spaces", strings.Repeat("word ", (maxChars+1000)/5), maxChars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input)
			assert.LessOrEqual(t, len(got), tt.want)
			assert.NotEmpty(t, got)
		})
	}

	words := truncate(strings.Repeat("word ", maxChars))
	assert.False(t, strings.HasSuffix(words, " "))
	assert.True(t, strings.HasSuffix(words, "word"))
}

func TestMemoryCache_ClearsWhenFull(t *testing.T) {
	c := NewMemoryCache(2)
	ctx := context.Background()

	c.Set(ctx, "a", []float32{1})
	c.Set(ctx, "b", []float32{2})
	c.Set(ctx, "c", []float32{3})

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, []float32{3}, v)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	c := NewRedisCache(rdb, time.Minute, logging.Discard())
	key := "test-" + time.Now().Format("150405.000000")

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Set(ctx, key, []float32{0.25, -1.5})
	v, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -1.5}, v)
}
