package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Completer is a chat model used by the LLM-backed workers.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// DateTimeExecutor answers date and time questions from the local clock.
type DateTimeExecutor struct {
	Now      func() time.Time
	Location *time.Location
}

func (d DateTimeExecutor) Execute(ctx context.Context, job *Job) (Result, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	t := now()
	if d.Location != nil {
		t = t.In(d.Location)
	}

	q := strings.ToLower(job.Question + " " + job.Args)
	wantsDate := strings.Contains(q, "date") || strings.Contains(q, "day") || strings.Contains(q, "today")
	wantsTime := strings.Contains(q, "time") || strings.Contains(q, "clock") || strings.Contains(q, "hour")

	var answer, conversational string
	switch {
	case wantsDate && !wantsTime:
		answer = t.Format("2006-01-02")
		conversational = "Today is " + t.Format("Monday, January 2, 2006") + "."
	case wantsTime && !wantsDate:
		answer = t.Format("15:04")
		conversational = "It is " + t.Format("3:04 PM") + "."
	default:
		answer = t.Format(time.RFC3339)
		conversational = "It is " + t.Format("3:04 PM") + " on " + t.Format("Monday, January 2, 2006") + "."
	}
	return Result{Answer: answer, AnswerConversational: conversational}, nil
}

var systemPrompts = map[Kind]string{
	KindWeather:      "You are a weather assistant. Answer the user's weather question briefly. If you lack live data, say so and give general guidance.",
	KindCalendar:     "You are a calendar assistant. Help the user reason about dates, schedules and events. Be brief.",
	KindMath:         "You are a calculator. Solve the user's math problem and reply with the result first, then one short sentence of explanation.",
	KindTodoList:     "You are a todo list assistant. Restate the user's todo items as a short bulleted list.",
	KindReceptionist: "You are a friendly receptionist for a personal assistant. Answer general questions briefly and suggest a more specific request when helpful.",
}

// LLMExecutor answers with a chat model primed for one worker kind.
type LLMExecutor struct {
	Kind      Kind
	Completer Completer
}

func (l LLMExecutor) Execute(ctx context.Context, job *Job) (Result, error) {
	prompt, ok := systemPrompts[l.Kind]
	if !ok {
		prompt = systemPrompts[KindReceptionist]
	}
	user := job.Question
	if job.Args != "" {
		user = fmt.Sprintf("%s\n\nDetails: %s", job.Question, job.Args)
	}
	answer, err := l.Completer.Complete(ctx, prompt, user)
	if err != nil {
		return Result{}, fmt.Errorf("%s worker failed: %w", l.Kind, err)
	}
	answer = strings.TrimSpace(answer)
	return Result{Answer: answer, AnswerConversational: answer}, nil
}

// DefaultRegistry wires every kind: date and time from the local clock,
// everything else through the chat model.
func DefaultRegistry(completer Completer) (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(KindDateTime, nil, DateTimeExecutor{}); err != nil {
		return nil, err
	}
	for _, k := range Kinds {
		if k == KindDateTime {
			continue
		}
		if err := r.Register(k, nil, LLMExecutor{Kind: k, Completer: completer}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
