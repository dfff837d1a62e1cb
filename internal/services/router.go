package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"genie/internal/worker"
)

// CommandRouter classifies a question into a worker command with the chat
// model in JSON mode.
type CommandRouter struct {
	chat   *ChatService
	prompt string
}

func NewCommandRouter(chat *ChatService) *CommandRouter {
	return &CommandRouter{chat: chat, prompt: routerPrompt()}
}

func routerPrompt() string {
	var b strings.Builder
	b.WriteString("You route requests for a personal assistant. Pick the one command that should handle the request.\n")
	b.WriteString("Commands:\n")
	for _, k := range worker.Kinds {
		fmt.Fprintf(&b, "- %s: %s\n", k, k.Label())
	}
	b.WriteString(`Reply with a JSON object {"command": "<command>", "args": "<the part of the request the command needs>"}.`)
	b.WriteString("\nPrefix the command with \"agent router go to \" when you are unsure.")
	return b.String()
}

// Classify returns the raw command and its arguments.
func (r *CommandRouter) Classify(ctx context.Context, question string) (string, string, error) {
	content, err := r.chat.call(ctx, chatRequest{
		call:      "route",
		system:    r.prompt,
		user:      question,
		maxTokens: 128,
		jsonMode:  true,
	})
	if err != nil {
		return "", "", err
	}
	return parseRoute(content)
}

type route struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

func parseRoute(content string) (string, string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var r route
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &r); err != nil {
		return "", "", fmt.Errorf("failed to parse router response: %w", err)
	}
	command := strings.TrimSpace(r.Command)
	if command == "" {
		return "", "", fmt.Errorf("router response has no command")
	}

	var args string
	if len(r.Args) > 0 && string(r.Args) != "null" {
		if err := json.Unmarshal(r.Args, &args); err != nil {
			args = string(r.Args)
		}
	}
	return command, strings.TrimSpace(args), nil
}
