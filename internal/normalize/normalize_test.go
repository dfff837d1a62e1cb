package normalize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"What's today's date?", "what is todays date"},
		{"  What   TIME is it  ", "what time is it"},
		{"What is 2+2?", "what is 2+2"},
		{"What is -3.5 times 2.", "what is -3.5 times 2"},
		{"weather in Paris, France!", "weather in paris france"},
		{"Don’t forget: buy milk", "do not forget buy milk"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestStripSalutations(t *testing.T) {
	salutations := []string{"hey", "hi", "genie", "ok", "good morning"}
	tests := []struct {
		input string
		want  string
	}{
		{"Hey Genie, what time is it?", "what time is it?"},
		{"OK, hey, what's the weather", "what's the weather"},
		{"Good morning genie what day is it", "what day is it"},
		{"Hiking trails near me", "Hiking trails near me"},
		{"what time is it", "what time is it"},
		{"hey genie", "hey genie"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, StripSalutations(tt.input, salutations))
		})
	}
}

type fakeGist struct {
	gist  string
	err   error
	calls int
}

func (f *fakeGist) Gist(ctx context.Context, question string) (string, error) {
	f.calls++
	return f.gist, f.err
}

func TestNormalizer_Forms(t *testing.T) {
	gist := &fakeGist{gist: "Current date"}
	n := NewNormalizer([]string{"Hey"}, gist, true)

	f := n.Forms(context.Background(), "Hey, what's today's date?")

	assert.Equal(t, "Hey, what's today's date?", f.Verbatim)
	assert.Equal(t, "what's today's date?", f.Stripped)
	assert.Equal(t, "what is todays date", f.Normalized)
	assert.Equal(t, "current date", f.Gist)
	assert.Equal(t, 1, gist.calls)
}

func TestNormalizer_GistDegrades(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		gist := &fakeGist{gist: "ignored"}
		f := NewNormalizer(nil, gist, false).Forms(context.Background(), "Weather in Paris")
		assert.Equal(t, "weather in paris", f.Gist)
		assert.Zero(t, gist.calls)
	})

	t.Run("extractor error", func(t *testing.T) {
		gist := &fakeGist{err: errors.New("rate limited")}
		f := NewNormalizer(nil, gist, true).Forms(context.Background(), "Weather in Paris")
		assert.Equal(t, "weather in paris", f.Gist)
	})

	t.Run("empty gist", func(t *testing.T) {
		gist := &fakeGist{gist: "?!"}
		f := NewNormalizer(nil, gist, true).Forms(context.Background(), "Weather in Paris")
		assert.Equal(t, "weather in paris", f.Gist)
	})

	t.Run("nil extractor", func(t *testing.T) {
		f := NewNormalizer(nil, nil, true).Forms(context.Background(), "Weather in Paris")
		assert.Equal(t, "weather in paris", f.Gist)
	})
}
