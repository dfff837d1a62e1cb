package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"genie/internal/notify"
)

// api is the part of the Slack client the channel uses.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserByEmailContext(ctx context.Context, email string) (*slack.User, error)
}

// Channel asks users questions as Slack direct messages with one button per
// option and resolves them from interaction callbacks.
type Channel struct {
	client api
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan string
	users   map[string]string // email -> Slack user id
}

func NewChannel(botToken string, logger *slog.Logger) *Channel {
	return newChannel(slack.New(botToken), logger)
}

func newChannel(client api, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		client:  client,
		logger:  logger.With("channel", "slack"),
		pending: map[string]chan string{},
		users:   map[string]string{},
	}
}

var _ notify.Channel = (*Channel)(nil)

// resolve maps an email or Slack user id to the id messages are posted to.
func (c *Channel) resolve(ctx context.Context, userID, email string) (string, error) {
	if email == "" {
		if strings.Contains(userID, "@") {
			email = userID
		} else if userID != "" {
			return userID, nil
		}
	}
	if email == "" {
		return "", fmt.Errorf("no slack recipient")
	}

	c.mu.Lock()
	id, ok := c.users[email]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	user, err := c.client.GetUserByEmailContext(ctx, email)
	if err != nil {
		return "", fmt.Errorf("failed to look up slack user: %w", err)
	}
	c.mu.Lock()
	c.users[email] = user.ID
	c.mu.Unlock()
	return user.ID, nil
}

func askOptions(req notify.AskRequest) []string {
	if req.Kind == notify.YesNo {
		return []string{notify.Yes, notify.No}
	}
	return req.Options
}

func askBlocks(callbackID, prompt string, options []string) []slack.Block {
	buttons := make([]slack.BlockElement, 0, len(options))
	for i, opt := range options {
		buttons = append(buttons, slack.NewButtonBlockElement(
			fmt.Sprintf("%s%d", answerActionPrefix, i),
			opt,
			slack.NewTextBlockObject(slack.PlainTextType, buttonLabel(opt), false, false),
		))
	}
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, prompt, false, false), nil, nil),
		slack.NewActionBlock(askBlockPrefix+callbackID, buttons...),
	}
}

func buttonLabel(opt string) string {
	switch opt {
	case notify.Yes:
		return "Yes"
	case notify.No:
		return "No"
	}
	return opt
}

// Ask posts the question and waits for a button press.
func (c *Channel) Ask(ctx context.Context, req notify.AskRequest) notify.AskResult {
	recipient, err := c.resolve(ctx, req.UserID, req.UserEmail)
	if err != nil {
		return notify.AskResult{Status: notify.Error, Err: err}
	}
	options := askOptions(req)
	if len(options) == 0 {
		return notify.AskResult{Status: notify.Error, Err: fmt.Errorf("question has no options")}
	}

	callbackID := uuid.NewString()
	answers := make(chan string, 1)
	c.mu.Lock()
	c.pending[callbackID] = answers
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, callbackID)
		c.mu.Unlock()
	}()

	_, _, err = c.client.PostMessageContext(ctx, recipient,
		slack.MsgOptionText(req.Prompt, false),
		slack.MsgOptionBlocks(askBlocks(callbackID, req.Prompt, options)...),
	)
	if err != nil {
		c.logger.Warn("failed to post question", "error", err, "recipient", recipient)
		return notify.AskResult{Status: notify.Error, Err: fmt.Errorf("failed to post question: %w", err)}
	}

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case v := <-answers:
		c.logger.Debug("question answered", "callback_id", callbackID, "value", v)
		return notify.AskResult{Value: v, Status: notify.Responded}
	case <-timeout:
		return notify.AskResult{Status: notify.Timeout}
	case <-ctx.Done():
		return notify.AskResult{Status: notify.Error, Err: ctx.Err()}
	}
}

// answer delivers a button press to a waiting Ask. Late or duplicate presses
// are dropped.
func (c *Channel) answer(callbackID, value string) bool {
	c.mu.Lock()
	ch, ok := c.pending[callbackID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// Notify sends a direct message.
func (c *Channel) Notify(ctx context.Context, message, targetUser string) error {
	recipient, err := c.resolve(ctx, targetUser, "")
	if err != nil {
		return err
	}
	if _, _, err := c.client.PostMessageContext(ctx, recipient, slack.MsgOptionText(message, false)); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}
