// Package queue turns submitted questions into jobs: it validates them,
// looks for a reusable snapshot, confirms or routes, and hands the result to
// consumers through a FIFO.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"genie/internal/config"
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

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Embedder embeds several texts at once. Results are positional.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// Router classifies a question into a raw worker command.
type Router interface {
	Classify(ctx context.Context, question string) (command, args string, err error)
}

// Store is the part of the snapshot store the queue reads and writes.
type Store interface {
	Search(ctx context.Context, q snapshot.Query) ([]snapshot.Match, error)
	Add(ctx context.Context, s *snapshot.Snapshot) (*snapshot.Snapshot, error)
}

// Builder constructs jobs per worker kind.
type Builder interface {
	Build(kind worker.Kind, spec worker.Spec) (*worker.Job, error)
}

// QueryLog records submissions.
type QueryLog interface {
	Append(ctx context.Context, e querylog.Entry) (string, error)
}

type Config struct {
	ThresholdQuestion     float64
	ThresholdGist         float64
	ConfirmationThreshold float64
	Limit                 int
	ConfirmationTimeout   time.Duration
	ConfirmationAttempts  int
	ConfirmationBackoff   float64
	MaxQuestionLength     int
	BlacklistedPrefixes   []string
	FallbackKind          worker.Kind
}

// ConfigFrom takes the dispatch settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	fallback, err := worker.ParseKind(cfg.Dispatch.FallbackWorker)
	if err != nil {
		fallback = worker.KindReceptionist
	}
	return Config{
		ThresholdQuestion:     cfg.Snapshot.ThresholdQuestion,
		ThresholdGist:         cfg.Snapshot.ThresholdGist,
		ConfirmationThreshold: cfg.Dispatch.ConfirmationThreshold,
		Limit:                 cfg.Snapshot.Limit,
		ConfirmationTimeout:   cfg.Dispatch.ConfirmationTimeout,
		ConfirmationAttempts:  cfg.Dispatch.ConfirmationAttempts,
		ConfirmationBackoff:   cfg.Dispatch.ConfirmationBackoff,
		MaxQuestionLength:     cfg.Dispatch.MaxQuestionLength,
		BlacklistedPrefixes:   cfg.Dispatch.BlacklistedPrefixes,
		FallbackKind:          fallback,
	}
}

func (c Config) withDefaults() Config {
	if c.ThresholdQuestion == 0 {
		c.ThresholdQuestion = snapshot.DefaultThresholdQuestion
	}
	if c.ThresholdGist == 0 {
		c.ThresholdGist = snapshot.DefaultThresholdGist
	}
	if c.ConfirmationThreshold == 0 {
		c.ConfirmationThreshold = 98.0
	}
	if c.Limit <= 0 {
		c.Limit = snapshot.DefaultLimit
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 30 * time.Second
	}
	if c.ConfirmationAttempts <= 0 {
		c.ConfirmationAttempts = 3
	}
	if c.ConfirmationBackoff < 1 {
		c.ConfirmationBackoff = 2
	}
	if c.MaxQuestionLength <= 0 {
		c.MaxQuestionLength = 512
	}
	if !c.FallbackKind.Valid() {
		c.FallbackKind = worker.KindReceptionist
	}
	return c
}

// Deps are the collaborators of a Queue. Embedder, Channel, Publisher and
// QueryLog are optional.
type Deps struct {
	Normalizer *normalize.Normalizer
	Embedder   Embedder
	Store      Store
	Router     Router
	Builder    Builder
	Tracker    *tracker.Tracker
	Channel    notify.Channel
	Publisher  events.Publisher
	QueryLog   QueryLog
	Logger     *slog.Logger
}

// Queue is the job dispatch queue. A single mutex and condition variable
// guard the FIFO, the in-flight set and the push counter.
type Queue struct {
	cfg        Config
	normalizer *normalize.Normalizer
	embedder   Embedder
	store      Store
	router     Router
	builder    Builder
	tracker    *tracker.Tracker
	channel    notify.Channel
	publisher  events.Publisher
	queryLog   QueryLog
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	cond        *sync.Cond
	items       []*worker.Job
	queued      map[string]*worker.Job
	inFlight    map[string]*worker.Job
	pushCounter int64
	closed      bool

	modesMu sync.RWMutex
	modes   map[string]worker.Kind
}

func New(cfg Config, deps Deps) (*Queue, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("queue needs a snapshot store")
	case deps.Router == nil:
		return nil, fmt.Errorf("queue needs a command router")
	case deps.Builder == nil:
		return nil, fmt.Errorf("queue needs a worker builder")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("queue needs a job tracker")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.NewNormalizer(nil, nil, false)
	}
	if deps.Channel == nil {
		deps.Channel = notify.Offline{Logger: deps.Logger}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{Logger: deps.Logger}
	}

	q := &Queue{
		cfg:        cfg.withDefaults(),
		normalizer: deps.Normalizer,
		embedder:   deps.Embedder,
		store:      deps.Store,
		router:     deps.Router,
		builder:    deps.Builder,
		tracker:    deps.Tracker,
		channel:    deps.Channel,
		publisher:  deps.Publisher,
		queryLog:   deps.QueryLog,
		logger:     deps.Logger.With("component", "queue"),
		now:        time.Now,
		queued:     map[string]*worker.Job{},
		inFlight:   map[string]*worker.Job{},
		modes:      map[string]worker.Kind{},
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// push makes a job visible to consumers. The owner is associated before the
// job is appended. A job already queued or in flight under the same id is
// returned instead of a new entry.
func (q *Queue) push(job *worker.Job) (*worker.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, ErrClosed
	}
	if existing, ok := q.queued[job.IDHash]; ok {
		return existing, true, nil
	}
	if existing, ok := q.inFlight[job.IDHash]; ok {
		return existing, true, nil
	}
	if err := q.tracker.Associate(job.IDHash, job.UserID, job.UserEmail); err != nil {
		return nil, false, err
	}

	q.pushCounter++
	job.PushCounter = q.pushCounter
	q.items = append(q.items, job)
	q.queued[job.IDHash] = job
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.cond.Signal()
	return job, false, nil
}

// Pop blocks until a job is available, ctx is done or the queue is closed.
// Jobs left in a closed queue are still handed out.
func (q *Queue) Pop(ctx context.Context) (*worker.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}

	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	delete(q.queued, job.IDHash)
	q.inFlight[job.IDHash] = job
	metrics.QueueDepth.Set(float64(len(q.items)))
	metrics.JobsInFlight.Set(float64(len(q.inFlight)))
	return job, nil
}

// Done marks a popped job finished and forgets its owner, both under the
// queue lock.
func (q *Queue) Done(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, jobID)
	q.tracker.Release(jobID)
	metrics.JobsInFlight.Set(float64(len(q.inFlight)))
}

// Close stops accepting jobs and wakes every waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// PendingJob describes a queued job for diagnostics.
type PendingJob struct {
	JobID       string      `json:"job_id"`
	UserID      string      `json:"user_id"`
	Kind        worker.Kind `json:"job_type"`
	Question    string      `json:"question"`
	CacheHit    bool        `json:"cache_hit"`
	PushCounter int64       `json:"push_counter"`
	Position    int         `json:"position"`
	CreatedDate time.Time   `json:"created_date"`
}

// Pending lists queued jobs in FIFO order.
func (q *Queue) Pending() []PendingJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingJob, 0, len(q.items))
	for i, job := range q.items {
		out = append(out, PendingJob{
			JobID:       job.IDHash,
			UserID:      job.UserID,
			Kind:        job.Kind,
			Question:    job.Question,
			CacheHit:    job.CacheHit,
			PushCounter: job.PushCounter,
			Position:    i + 1,
			CreatedDate: job.CreatedDate,
		})
	}
	return out
}

// Depth returns the number of queued and in-flight jobs.
func (q *Queue) Depth() (queued, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), len(q.inFlight)
}

// GetUserMode returns the kind a user is pinned to, if any.
func (q *Queue) GetUserMode(userID string) (worker.Kind, bool) {
	q.modesMu.RLock()
	defer q.modesMu.RUnlock()
	k, ok := q.modes[userID]
	return k, ok
}

// SetUserMode pins a user's questions to one worker kind.
func (q *Queue) SetUserMode(userID string, kind worker.Kind) error {
	if strings.TrimSpace(userID) == "" {
		return errs.NewValidation("user id is required")
	}
	if !kind.Valid() {
		return errs.NewValidation(fmt.Sprintf("unknown worker kind %q", kind))
	}
	q.modesMu.Lock()
	defer q.modesMu.Unlock()
	q.modes[userID] = kind
	return nil
}

func (q *Queue) ClearUserMode(userID string) {
	q.modesMu.Lock()
	defer q.modesMu.Unlock()
	delete(q.modes, userID)
}

// validate returns the rejection message for a question that must not be
// queued.
func (q *Queue) validate(req Request) string {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return "I didn't catch a question. Please try again."
	}
	if strings.TrimSpace(req.UserID) == "" {
		return "I don't know who is asking. Please sign in and try again."
	}
	if n := utf8.RuneCountInString(question); n > q.cfg.MaxQuestionLength {
		return fmt.Sprintf("That question is too long (%d characters, the limit is %d).", n, q.cfg.MaxQuestionLength)
	}
	lower := strings.ToLower(question)
	for _, prefix := range q.cfg.BlacklistedPrefixes {
		if prefix != "" && strings.HasPrefix(lower, prefix) {
			return "That didn't sound like a question. Please try again."
		}
	}
	return ""
}
