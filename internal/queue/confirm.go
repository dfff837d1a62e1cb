package queue

import (
	"context"
	"strings"
	"time"

	"genie/internal/errs"
	"genie/internal/metrics"
	"genie/internal/notify"
)

// attemptTimeouts returns the wait for each confirmation attempt, growing by
// the backoff factor.
func (c Config) attemptTimeouts() []time.Duration {
	out := make([]time.Duration, c.ConfirmationAttempts)
	timeout := c.ConfirmationTimeout
	for i := range out {
		out[i] = timeout
		timeout = time.Duration(float64(timeout) * c.ConfirmationBackoff)
	}
	return out
}

// askWithRetry asks until the user responds, the attempts run out or ctx is
// done. Channel errors count as unanswered attempts.
func (q *Queue) askWithRetry(ctx context.Context, kind string, req notify.AskRequest) notify.AskResult {
	var res notify.AskResult
	for attempt, timeout := range q.cfg.attemptTimeouts() {
		req.Timeout = timeout
		res = q.channel.Ask(ctx, req)
		if res.Status == notify.Responded {
			metrics.Confirmations.WithLabelValues(kind, strings.ToLower(res.Value)).Inc()
			return res
		}
		q.logger.Debug("confirmation attempt unanswered",
			"kind", kind,
			"attempt", attempt+1,
			"status", res.Status.String(),
			"timeout", timeout,
			"error", res.Err)
		if ctx.Err() != nil {
			break
		}
	}

	outcome := "timeout"
	if res.Status == notify.Error {
		outcome = "error"
	}
	metrics.Confirmations.WithLabelValues(kind, outcome).Inc()
	q.logger.Info("confirmation gave up", "kind", kind, "user_id", req.UserID, "error", errs.NewConfirmationTimeout(q.cfg.ConfirmationAttempts))
	return res
}
