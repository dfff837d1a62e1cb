// Package notify is the contract for asking users questions and telling
// them about finished work.
package notify

import (
	"context"
	"log/slog"
	"time"
)

type AskKind int

const (
	YesNo AskKind = iota
	MultipleChoice
)

func (k AskKind) String() string {
	if k == MultipleChoice {
		return "multiple_choice"
	}
	return "yes_no"
}

type Status int

const (
	Responded Status = iota
	Timeout
	Error
)

func (s Status) String() string {
	switch s {
	case Responded:
		return "responded"
	case Timeout:
		return "timeout"
	}
	return "error"
}

const (
	Yes = "yes"
	No  = "no"
)

// AskRequest is one blocking question to a user.
type AskRequest struct {
	UserID    string
	UserEmail string
	Prompt    string
	Kind      AskKind
	// Options are offered for MultipleChoice; YesNo always offers Yes and No.
	Options []string
	Timeout time.Duration
}

// AskResult carries the user's answer when Status is Responded.
type AskResult struct {
	Value  string
	Status Status
	Err    error
}

// Channel reaches users. Ask blocks until an answer, the timeout or ctx ends.
type Channel interface {
	Ask(ctx context.Context, req AskRequest) AskResult
	Notify(ctx context.Context, message, targetUser string) error
}

// Offline is a Channel with nobody on the other end: every question times
// out immediately and notifications are only logged.
type Offline struct {
	Logger *slog.Logger
}

func (o Offline) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Offline) Ask(ctx context.Context, req AskRequest) AskResult {
	o.logger().Debug("notification channel offline, question skipped", "user_id", req.UserID, "kind", req.Kind.String())
	return AskResult{Status: Timeout}
}

func (o Offline) Notify(ctx context.Context, message, targetUser string) error {
	o.logger().Info("notification", "user", targetUser, "message", message)
	return nil
}
