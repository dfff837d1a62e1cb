package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"genie/internal/metrics"
	"genie/internal/worker"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ChatService sends single-turn prompts to an OpenAI chat model.
type ChatService struct {
	client chatClient
	model  string
	logger *slog.Logger
}

func NewChatService(apiKey, model string, logger *slog.Logger) *ChatService {
	return newChatService(openai.NewClient(apiKey), model, logger)
}

func newChatService(client chatClient, model string, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &ChatService{client: client, model: model, logger: logger}
}

var _ worker.Completer = (*ChatService)(nil)

type chatRequest struct {
	call        string
	system      string
	user        string
	maxTokens   int
	temperature float32
	jsonMode    bool
}

// Complete answers a worker prompt.
func (c *ChatService) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.call(ctx, chatRequest{
		call:        "complete",
		system:      systemPrompt,
		user:        userPrompt,
		maxTokens:   1000,
		temperature: 0.7,
	})
}

func (c *ChatService) call(ctx context.Context, req chatRequest) (answer string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.OpenAIAPICalls.WithLabelValues(req.call, metrics.Status(err)).Inc()
		metrics.OpenAIAPICallDuration.WithLabelValues(req.call).Observe(time.Since(start).Seconds())
	}()

	request := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: req.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.system,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.user,
			},
		},
		Temperature: req.temperature,
	}
	if req.jsonMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		c.logger.Error("Failed to call OpenAI API", "call", req.call, "error", err)
		return "", fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
