package queue

import (
	"context"
	"strings"

	"genie/internal/errs"
	"genie/internal/metrics"
	"genie/internal/notify"
	"genie/internal/worker"
)

// route picks the worker kind for a submission. A pinned user mode wins;
// otherwise the router decides and unclear decisions go back to the user.
func (q *Queue) route(ctx context.Context, s *submission) (worker.Kind, string, bool) {
	if kind, ok := q.GetUserMode(s.req.UserID); ok {
		metrics.RoutingDecisions.WithLabelValues(string(kind), "mode").Inc()
		return kind, "", false
	}

	raw, args, err := q.router.Classify(ctx, s.forms.Verbatim)
	if err != nil {
		q.logger.Warn("routing failed, using fallback worker",
			"user_id", s.req.UserID,
			"fallback", q.cfg.FallbackKind,
			"error", errs.NewRouting(err))
		metrics.RoutingDecisions.WithLabelValues(string(q.cfg.FallbackKind), "fallback").Inc()
		return q.cfg.FallbackKind, "", false
	}

	cmd := worker.ParseCommand(raw)
	if cmd.Known && !cmd.Agentic {
		metrics.RoutingDecisions.WithLabelValues(string(cmd.Kind), "router").Inc()
		return cmd.Kind, args, false
	}

	kind, cancelled := q.disambiguate(ctx, s, cmd)
	return kind, args, cancelled
}

// disambiguationOptions lists the detected kind first, then kinds confused
// with it, then Cancel.
func disambiguationOptions(cmd worker.Command) []string {
	var options []string
	if cmd.Known {
		options = append(options, cmd.Kind.Label())
	}
	for _, k := range worker.Confusable(cmd.Kind) {
		options = append(options, k.Label())
	}
	return append(options, CancelOption)
}

func (q *Queue) disambiguate(ctx context.Context, s *submission, cmd worker.Command) (worker.Kind, bool) {
	fallback := q.cfg.FallbackKind
	if cmd.Known {
		fallback = cmd.Kind
	}

	prompt := "What kind of request is this?"
	if cmd.Known {
		prompt = "Should I handle this as a " + strings.ToLower(cmd.Kind.Label()) + " request?"
	}
	res := q.askWithRetry(ctx, "disambiguation", notify.AskRequest{
		UserID:    s.req.UserID,
		UserEmail: s.req.UserEmail,
		Prompt:    prompt,
		Kind:      notify.MultipleChoice,
		Options:   disambiguationOptions(cmd),
	})
	if res.Status != notify.Responded {
		metrics.RoutingDecisions.WithLabelValues(string(fallback), "default").Inc()
		return fallback, false
	}
	if strings.EqualFold(res.Value, CancelOption) {
		return "", true
	}

	kind, err := worker.ParseKind(res.Value)
	if err != nil {
		q.logger.Warn("unrecognized disambiguation answer", "value", res.Value, "user_id", s.req.UserID)
		kind = fallback
	}
	metrics.RoutingDecisions.WithLabelValues(string(kind), "user").Inc()
	return kind, false
}
