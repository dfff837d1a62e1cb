package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"genie/internal/metrics"
)

const (
	maxEmbeddingTokens = 8000
	avgCharsPerToken   = 4
	embedConcurrency   = 4
)

type embeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbeddingService embeds text with OpenAI, consulting the cache first.
type EmbeddingService struct {
	client embeddingsClient
	model  string
	cache  EmbeddingCache
	logger *slog.Logger
}

func NewEmbeddingService(apiKey, model string, cache EmbeddingCache, logger *slog.Logger) *EmbeddingService {
	return newEmbeddingService(openai.NewClient(apiKey), model, cache, logger)
}

func newEmbeddingService(client embeddingsClient, model string, cache EmbeddingCache, logger *slog.Logger) *EmbeddingService {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = string(openai.AdaEmbeddingV2)
	}
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &EmbeddingService{client: client, model: model, cache: cache, logger: logger}
}

// truncate keeps text within the embedding model's input limit, cutting at a
// word boundary when one is close.
func truncate(text string) string {
	maxChars := maxEmbeddingTokens * avgCharsPerToken
	if len(text) <= maxChars {
		return text
	}
	text = text[:maxChars]
	if lastSpace := strings.LastIndex(text, " "); lastSpace > maxChars-100 {
		text = text[:lastSpace]
	}
	return text
}

func (e *EmbeddingService) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding of a single text.
func (e *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	text = truncate(strings.TrimSpace(text))
	if text == "" {
		return nil, fmt.Errorf("input text cannot be empty")
	}

	key := e.cacheKey(text)
	if v, ok := e.cache.Get(ctx, key); ok {
		metrics.EmbeddingCacheLookups.WithLabelValues(e.cache.Name(), "hit").Inc()
		return v, nil
	}
	metrics.EmbeddingCacheLookups.WithLabelValues(e.cache.Name(), "miss").Inc()

	v, err := e.generate(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(ctx, key, v)
	return v, nil
}

func (e *EmbeddingService) generate(ctx context.Context, text string) (embedding []float32, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.OpenAIAPICalls.WithLabelValues("embed", metrics.Status(err)).Inc()
		metrics.OpenAIAPICallDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	}()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data returned")
	}
	return resp.Data[0].Embedding, nil
}

// EmbedAll embeds several texts concurrently. Results are positional; an
// empty text yields a nil embedding. The first failure cancels the rest.
func (e *EmbeddingService) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	seen := make(map[string]int, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = i
		g.Go(func() error {
			v, err := e.Embed(gctx, text)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, text := range texts {
		if j, ok := seen[strings.TrimSpace(text)]; ok && j != i {
			out[i] = out[j]
		}
	}
	return out, nil
}
