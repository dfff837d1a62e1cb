package services

import (
	"context"
	"fmt"

	"genie/internal/normalize"
)

const gistPrompt = `Rewrite the user's request as its gist: the shortest plain phrase that keeps its meaning.
Drop greetings, filler and politeness. Keep names, places, numbers and dates.
Reply with the phrase only, lowercase, no punctuation at the end.`

// GistService extracts gists with the chat model.
type GistService struct {
	chat *ChatService
}

func NewGistService(chat *ChatService) *GistService {
	return &GistService{chat: chat}
}

var _ normalize.GistExtractor = (*GistService)(nil)

func (g *GistService) Gist(ctx context.Context, question string) (string, error) {
	gist, err := g.chat.call(ctx, chatRequest{
		call:      "gist",
		system:    gistPrompt,
		user:      question,
		maxTokens: 64,
	})
	if err != nil {
		return "", err
	}
	if gist == "" {
		return "", fmt.Errorf("empty gist for %q", question)
	}
	return gist, nil
}
