package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SubmitFunc hands a question to the dispatch queue and returns the status
// message for the user.
type SubmitFunc func(ctx context.Context, question, userID, userEmail, sessionID string) (string, error)

type messenger interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// Listener takes questions from app mentions and direct messages over Socket
// Mode and answers each with the dispatch status. Button presses arrive on
// the same socket and are handed to the channel's waiting Asks.
type Listener struct {
	client    messenger
	socket    *socketmode.Client
	answers   *Channel
	submit    SubmitFunc
	logger    *slog.Logger
	botUserID string
	timeout   time.Duration
}

func NewListener(botToken, appToken string, answers *Channel, submit SubmitFunc, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(botToken, slack.OptionAppLevelToken(appToken))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var botUserID string
	if auth, err := client.AuthTestContext(ctx); err != nil {
		logger.Warn("Could not get bot user ID", "error", err)
	} else {
		botUserID = auth.UserID
	}

	return &Listener{
		client:    client,
		socket:    socketmode.New(client),
		answers:   answers,
		submit:    submit,
		logger:    logger.With("component", "slack_listener"),
		botUserID: botUserID,
		timeout:   5 * time.Minute,
	}
}

// Run blocks until ctx is done or the socket fails.
func (l *Listener) Run(ctx context.Context) error {
	go l.handleEvents(ctx)
	return l.socket.RunContext(ctx)
}

func (l *Listener) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-l.socket.Events:
			if !ok {
				return
			}
			if evt.Type == socketmode.EventTypeInteractive {
				l.handleInteractive(evt)
				continue
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				l.logger.Debug("Ignored event", "type", evt.Type)
				continue
			}
			if evt.Request != nil {
				l.socket.Ack(*evt.Request)
			}
			if eventsAPIEvent.Type != slackevents.CallbackEvent {
				continue
			}

			switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
			case *slackevents.AppMentionEvent:
				if isBotMessage(ev.BotID, "", ev.User, l.botUserID) {
					continue
				}
				go l.handleMessage(ctx, ev.User, ev.Text, ev.Channel, threadOf(ev.ThreadTimeStamp, ev.TimeStamp))
			case *slackevents.MessageEvent:
				if ev.ChannelType != "im" || isBotMessage(ev.BotID, ev.SubType, ev.User, l.botUserID) {
					continue
				}
				go l.handleMessage(ctx, ev.User, ev.Text, ev.Channel, threadOf(ev.ThreadTimeStamp, ev.TimeStamp))
			}
		}
	}
}

func (l *Listener) handleInteractive(evt socketmode.Event) {
	if evt.Request != nil {
		l.socket.Ack(*evt.Request)
	}
	interaction, ok := evt.Data.(slack.InteractionCallback)
	if !ok {
		l.logger.Debug("Ignored interactive event", "data", fmt.Sprintf("%T", evt.Data))
		return
	}
	if l.answers == nil {
		return
	}
	if handled, _ := l.answers.deliver(interaction); !handled {
		l.logger.Warn("Unknown action received", "callback_id", interaction.CallbackID, "type", interaction.Type)
	}
}

func threadOf(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}

func (l *Listener) handleMessage(ctx context.Context, userID, text, channelID, threadTS string) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	question := cleanMessageText(text)
	if question == "" {
		return
	}

	var email string
	if user, err := l.client.GetUserInfoContext(ctx, userID); err != nil {
		l.logger.Warn("Failed to get user info", "error", err, "user_id", userID)
	} else {
		email = user.Profile.Email
	}

	status, err := l.submit(ctx, question, userID, email, fmt.Sprintf("%s:%s", channelID, threadTS))
	if err != nil {
		l.logger.Error("Failed to submit question", "error", err, "user_id", userID)
	}
	if status == "" {
		status = "Sorry, I could not take that request. Please try again."
	}

	if _, _, err := l.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(status, false),
		slack.MsgOptionTS(threadTS),
	); err != nil {
		l.logger.Error("Failed to send status message", "error", err, "channel", channelID)
	}
}
