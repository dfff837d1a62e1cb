package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"genie/internal/errs"
	"genie/internal/events"
	"genie/internal/metrics"
	"genie/internal/normalize"
	"genie/internal/notify"
	"genie/internal/querylog"
	"genie/internal/snapshot"
	"genie/internal/tracker"
	"genie/internal/worker"
)

// State is a step of one submission.
type State string

const (
	StateValidating State = "VALIDATING"
	StateMatching   State = "MATCHING"
	StateCacheHit   State = "CACHE_HIT"
	StateConfirming State = "CONFIRMING"
	StateRouting    State = "ROUTING"
	StateDispatched State = "DISPATCHED"
	StateRejected   State = "REJECTED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Request is one submitted question.
type Request struct {
	Question  string `json:"question"`
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Result acknowledges a submission. Message is always safe to show the user.
type Result struct {
	State     State       `json:"state"`
	Message   string      `json:"message"`
	JobID     string      `json:"job_id,omitempty"`
	Kind      worker.Kind `json:"job_type,omitempty"`
	CacheHit  bool        `json:"cache_hit"`
	Score     float64     `json:"score,omitempty"`
	Tier      string      `json:"tier,omitempty"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Position  int64       `json:"push_counter,omitempty"`
}

// CancelOption is offered in every disambiguation question.
const CancelOption = "Cancel"

// submission carries one Submit call through its states.
type submission struct {
	req     Request
	forms   normalize.Forms
	vectors [3][]float32 // verbatim, normalized, gist
	matches []snapshot.Match
	state   State
}

func (q *Queue) enter(s *submission, state State) {
	q.logger.Debug("submission state", "user_id", s.req.UserID, "from", s.state, "to", state)
	s.state = state
}

// Submit runs one question through validation, matching, confirmation or
// routing and queues the resulting job. A Validation error means nothing was
// queued because of the input; a Dispatch error means no job could be built.
func (q *Queue) Submit(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
		metrics.SubmissionsTotal.WithLabelValues(strings.ToLower(string(res.State))).Inc()
	}()

	s := &submission{req: req, state: StateValidating}
	if msg := q.validate(req); msg != "" {
		q.enter(s, StateRejected)
		q.logger.Info("submission rejected", "user_id", req.UserID, "reason", msg)
		return Result{State: StateRejected, Message: msg}, errs.NewValidation(msg)
	}

	q.enter(s, StateMatching)
	q.match(ctx, s)

	if len(s.matches) > 0 {
		top := s.matches[0]
		if top.Score >= q.cfg.ConfirmationThreshold {
			q.enter(s, StateCacheHit)
			return q.dispatchCached(ctx, s, top)
		}
		// any match below the confirmation threshold already cleared its
		// tier's threshold
		q.enter(s, StateConfirming)
		if q.confirmMatch(ctx, s, top) {
			q.enter(s, StateCacheHit)
			return q.dispatchCached(ctx, s, top)
		}
	}

	q.enter(s, StateRouting)
	kind, args, cancelled := q.route(ctx, s)
	if cancelled {
		q.enter(s, StateCancelled)
		return Result{State: StateCancelled, Message: "Okay, I cancelled that request."}, nil
	}
	return q.dispatch(ctx, s, kind, worker.Spec{
		BaseHash: snapshot.HashQuestion(s.forms.Normalized),
		Args:     args,
	})
}

// match computes the question forms and their embeddings and searches the
// store. Failures degrade to no match.
func (q *Queue) match(ctx context.Context, s *submission) {
	s.forms = q.normalizer.Forms(ctx, s.req.Question)

	if q.embedder != nil {
		vectors, err := q.embedder.EmbedAll(ctx, []string{s.forms.Verbatim, s.forms.Normalized, s.forms.Gist})
		if err != nil {
			q.logger.Warn("embedding failed, matching on text only", "user_id", s.req.UserID, "error", err)
		} else if len(vectors) == 3 {
			copy(s.vectors[:], vectors)
		}
	}

	query := snapshot.Query{
		Question:          s.forms.Stripped,
		Normalized:        s.forms.Normalized,
		Gist:              s.forms.Gist,
		QuestionEmbedding: s.vectors[1],
		GistEmbedding:     s.vectors[2],
		ThresholdQuestion: q.cfg.ThresholdQuestion,
		ThresholdGist:     q.cfg.ThresholdGist,
		Limit:             q.cfg.Limit,
	}
	matches, err := q.store.Search(ctx, query)
	if err != nil {
		q.logger.Warn("snapshot search failed, treating as no match",
			"user_id", s.req.UserID,
			"match_engine", errs.Is(err, errs.CodeMatchEngine),
			"error", err)
		matches = nil
	}
	s.matches = matches
	q.logQuery(ctx, s)
}

func (q *Queue) logQuery(ctx context.Context, s *submission) {
	if q.queryLog == nil {
		return
	}
	e := querylog.Entry{
		UserID:              s.req.UserID,
		SessionID:           s.req.SessionID,
		Verbatim:            s.forms.Verbatim,
		Normalized:          s.forms.Normalized,
		Gist:                s.forms.Gist,
		VerbatimEmbedding:   s.vectors[0],
		NormalizedEmbedding: s.vectors[1],
		GistEmbedding:       s.vectors[2],
		CreatedDate:         q.now().UTC(),
	}
	if len(s.matches) > 0 {
		top := s.matches[0]
		e.MatchedTier = top.Tier.String()
		e.Confidence = top.Score
		e.SnapshotID = top.Snapshot.IDHash
		e.HitVerbatim = top.Tier == snapshot.TierExact && strings.EqualFold(top.Snapshot.Question, s.forms.Stripped)
		e.HitNormalized = top.Tier == snapshot.TierExact || top.Tier == snapshot.TierSynonym
		e.HitGist = top.Tier == snapshot.TierGist
	}
	if _, err := q.queryLog.Append(ctx, e); err != nil {
		q.logger.Warn("failed to write query log", "user_id", s.req.UserID, "error", err)
	}
}

// confirmMatch asks the user whether the candidate answers their question.
// An explicit no is remembered on the snapshot.
func (q *Queue) confirmMatch(ctx context.Context, s *submission, m snapshot.Match) bool {
	res := q.askWithRetry(ctx, "snapshot", notify.AskRequest{
		UserID:    s.req.UserID,
		UserEmail: s.req.UserEmail,
		Prompt:    fmt.Sprintf("Did you mean \"%s\"?", m.Snapshot.Question),
		Kind:      notify.YesNo,
	})
	if res.Status != notify.Responded {
		q.logger.Info("confirmation unanswered, routing", "user_id", s.req.UserID, "snapshot", m.Snapshot.IDHash)
		return false
	}
	if strings.EqualFold(res.Value, notify.Yes) {
		return true
	}

	rejected := m.Snapshot.Copy()
	rejected.AddNonSynonym(s.forms.Normalized)
	if _, err := q.store.Add(ctx, rejected); err != nil {
		q.logger.Warn("failed to record rejected match", "snapshot", rejected.IDHash, "error", err)
	}
	q.logger.Info("match rejected by user", "user_id", s.req.UserID, "snapshot", rejected.IDHash, "score", m.Score)
	return false
}

// dispatchCached queues a job that reuses the matched snapshot. The asked
// phrasing is kept as a synonym.
func (q *Queue) dispatchCached(ctx context.Context, s *submission, m snapshot.Match) (Result, error) {
	snap := m.Snapshot.Copy()
	snap.LastQuestionAsked = s.forms.Verbatim
	if m.Tier != snapshot.TierExact && s.forms.Normalized != snap.QuestionNormalized {
		snap.AddSynonym(s.forms.Normalized, m.Score)
		if _, err := q.store.Add(ctx, snap); err != nil {
			q.logger.Warn("failed to save synonym", "snapshot", snap.IDHash, "error", err)
		}
	}

	kind := worker.Kind(snap.JobType)
	if !kind.Valid() {
		kind = q.cfg.FallbackKind
	}
	return q.dispatch(ctx, s, kind, worker.Spec{
		BaseHash:   snap.IDHash,
		Snapshot:   snap,
		MatchScore: m.Score,
		MatchTier:  m.Tier.String(),
	})
}

// dispatch builds the job and pushes it.
func (q *Queue) dispatch(ctx context.Context, s *submission, kind worker.Kind, spec worker.Spec) (Result, error) {
	spec.UserID = s.req.UserID
	spec.UserEmail = s.req.UserEmail
	spec.SessionID = s.req.SessionID
	spec.Question = s.forms.Stripped
	spec.QuestionGist = s.forms.Gist
	spec.LastQuestionAsked = s.forms.Verbatim

	job, err := q.builder.Build(kind, spec)
	if err != nil {
		q.enter(s, StateFailed)
		q.logger.Error("failed to build job", "user_id", s.req.UserID, "kind", kind, "error", err)
		return Result{State: StateFailed, Message: "Sorry, I couldn't start on that request."}, errs.NewDispatch(err)
	}
	job.BaseHash = spec.BaseHash
	job.IDHash = tracker.CompoundHash(spec.BaseHash, s.req.UserID)

	queued, duplicate, err := q.push(job)
	if err != nil {
		q.enter(s, StateFailed)
		q.logger.Error("failed to queue job", "job_id", job.IDHash, "user_id", s.req.UserID, "error", err)
		return Result{State: StateFailed, Message: "Sorry, I couldn't queue that request."}, errs.NewDispatch(err)
	}
	q.enter(s, StateDispatched)

	res := Result{
		State:     StateDispatched,
		JobID:     queued.IDHash,
		Kind:      queued.Kind,
		CacheHit:  queued.CacheHit,
		Score:     queued.MatchScore,
		Tier:      queued.MatchTier,
		Duplicate: duplicate,
		Position:  queued.PushCounter,
	}
	switch {
	case duplicate:
		res.Message = "You already asked that. I'm still working on it."
	case queued.CacheHit:
		res.Message = fmt.Sprintf("I've answered \"%s\" before. Sending it over.", queued.Snapshot.Question)
	default:
		res.Message = fmt.Sprintf("Got it. Your %s request is on its way.", strings.ToLower(queued.Kind.Label()))
	}

	if !duplicate {
		if err := q.publisher.Publish(ctx, events.Transition{
			JobID:       queued.IDHash,
			UserID:      queued.UserID,
			Question:    queued.Question,
			JobType:     string(queued.Kind),
			From:        events.StatePending,
			To:          events.StateQueued,
			CreatedDate: queued.CreatedDate,
		}); err != nil {
			q.logger.Warn("failed to publish transition", "job_id", queued.IDHash, "error", err)
		}
	}
	q.logger.Info("job queued",
		"job_id", queued.IDHash,
		"user_id", queued.UserID,
		"kind", queued.Kind,
		"cache_hit", queued.CacheHit,
		"duplicate", duplicate)
	return res, nil
}
