// Package jobs drains the dispatch queue: it runs each job, saves new
// answers as snapshots and tells the owner.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"genie/internal/errs"
	"genie/internal/events"
	"genie/internal/metrics"
	"genie/internal/normalize"
	"genie/internal/notify"
	"genie/internal/queue"
	"genie/internal/snapshot"
	"genie/internal/tracker"
	"genie/internal/worker"
)

// Source hands out jobs and takes them back when finished.
type Source interface {
	Pop(ctx context.Context) (*worker.Job, error)
	Done(jobID string)
}

// Executor runs a job for its kind.
type Executor interface {
	Execute(ctx context.Context, job *worker.Job) (worker.Result, error)
}

// Store saves snapshots.
type Store interface {
	Get(ctx context.Context, question string) (*snapshot.Snapshot, error)
	Add(ctx context.Context, s *snapshot.Snapshot) (*snapshot.Snapshot, error)
}

// Embedder embeds several texts at once.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// Consumer processes jobs one at a time. Run several for parallelism.
type Consumer struct {
	source    Source
	tracker   *tracker.Tracker
	executor  Executor
	store     Store
	embedder  Embedder
	channel   notify.Channel
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration
}

type Deps struct {
	Source    Source
	Tracker   *tracker.Tracker
	Executor  Executor
	Store     Store
	Embedder  Embedder // optional
	Channel   notify.Channel
	Publisher events.Publisher
	Logger    *slog.Logger
}

func NewConsumer(deps Deps) *Consumer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Channel == nil {
		deps.Channel = notify.Offline{Logger: deps.Logger}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{Logger: deps.Logger}
	}
	return &Consumer{
		source:    deps.Source,
		tracker:   deps.Tracker,
		executor:  deps.Executor,
		store:     deps.Store,
		embedder:  deps.Embedder,
		channel:   deps.Channel,
		publisher: deps.Publisher,
		logger:    deps.Logger.With("component", "consumer"),
		now:       time.Now,
		timeout:   2 * time.Minute,
	}
}

// Start processes jobs until ctx is done or the queue is closed.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("Starting job consumer")
	for {
		job, err := c.source.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				c.logger.Info("Job consumer stopped")
				return
			}
			c.logger.Error("Failed to pop job", "error", err)
			continue
		}
		c.Process(ctx, job)
	}
}

// Process runs one popped job to completion and releases it.
func (c *Consumer) Process(ctx context.Context, job *worker.Job) {
	defer c.source.Done(job.IDHash)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	owner, ok := c.tracker.UserForJob(job.IDHash)
	if !ok {
		c.logger.Error("Job has no owner", "job_id", job.IDHash, "user_id", job.UserID)
		owner = tracker.Owner{UserID: job.UserID, UserEmail: job.UserEmail}
	}
	c.publish(ctx, job, events.StateQueued, events.StateRunning)

	start := c.now()
	result, err := c.run(ctx, job)
	elapsed := c.now().Sub(start)
	metrics.JobProcessingDuration.WithLabelValues(string(job.Kind)).Observe(elapsed.Seconds())

	if err != nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
		c.logger.Error("Job failed", "job_id", job.IDHash, "kind", job.Kind, "error", err)
		c.notify(ctx, owner, "Sorry, I couldn't finish that request. Please try again.")
		c.publish(ctx, job, events.StateRunning, events.StateFailed)
		return
	}

	c.save(ctx, job, result, elapsed)
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "success").Inc()
	c.notify(ctx, owner, result.Message())
	c.publish(ctx, job, events.StateRunning, events.StateDone)

	c.logger.Info("Job done",
		"job_id", job.IDHash,
		"kind", job.Kind,
		"cache_hit", job.CacheHit,
		"duration", elapsed)
}

func (c *Consumer) run(ctx context.Context, job *worker.Job) (worker.Result, error) {
	if job.CacheHit && job.Snapshot != nil {
		return worker.FromSnapshot(job.Snapshot), nil
	}
	return c.executor.Execute(ctx, job)
}

// save refreshes the run stats of a reused snapshot or stores a new one.
func (c *Consumer) save(ctx context.Context, job *worker.Job, result worker.Result, elapsed time.Duration) {
	var snap *snapshot.Snapshot
	if job.CacheHit && job.Snapshot != nil {
		// a snapshot deleted while the job was queued stays deleted
		current, err := c.store.Get(ctx, job.Snapshot.Question)
		if errs.Is(err, errs.CodeNotFound) {
			c.logger.Info("Snapshot deleted before run, not recording", "job_id", job.IDHash, "id_hash", job.Snapshot.IDHash)
			return
		}
		if err != nil {
			c.logger.Warn("Failed to load snapshot", "job_id", job.IDHash, "error", err)
			return
		}
		snap = current
	} else {
		if strings.TrimSpace(result.Message()) == "" {
			return
		}
		snap = c.newSnapshot(ctx, job, result)
	}
	snap.RecordRun(elapsed, c.now().UTC())

	if _, err := c.store.Add(ctx, snap); err != nil {
		c.logger.Warn("Failed to save snapshot", "job_id", job.IDHash, "error", err)
	}
}

func (c *Consumer) newSnapshot(ctx context.Context, job *worker.Job, result worker.Result) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		Question:             job.Question,
		QuestionNormalized:   normalize.Normalize(job.Question),
		QuestionGist:         job.QuestionGist,
		LastQuestionAsked:    job.LastQuestionAsked,
		Answer:               result.Answer,
		AnswerConversational: result.AnswerConversational,
		Code:                 result.Code,
		CodeType:             result.CodeType,
		ProgrammingLanguage:  result.ProgrammingLanguage,
		JobType:              string(job.Kind),
	}
	if c.embedder == nil {
		return snap
	}

	gist := snap.QuestionGist
	if gist == "" {
		gist = snap.QuestionNormalized
	}
	vectors, err := c.embedder.EmbedAll(ctx, []string{snap.QuestionNormalized, gist, strings.Join(result.Code, "\n")})
	if err != nil {
		c.logger.Warn("Failed to embed new snapshot, saving without embeddings", "job_id", job.IDHash, "error", err)
		return snap
	}
	if len(vectors) == 3 {
		snap.QuestionEmbedding = vectors[0]
		snap.GistEmbedding = vectors[1]
		snap.CodeEmbedding = vectors[2]
	}
	return snap
}

func (c *Consumer) notify(ctx context.Context, owner tracker.Owner, message string) {
	target := owner.UserEmail
	if target == "" {
		target = owner.UserID
	}
	if err := c.channel.Notify(ctx, message, target); err != nil {
		c.logger.Warn("Failed to notify user", "user_id", owner.UserID, "error", err)
	}
}

func (c *Consumer) publish(ctx context.Context, job *worker.Job, from, to string) {
	err := c.publisher.Publish(ctx, events.Transition{
		JobID:       job.IDHash,
		UserID:      job.UserID,
		Question:    job.Question,
		JobType:     string(job.Kind),
		From:        from,
		To:          to,
		CreatedDate: job.CreatedDate,
	})
	if err != nil {
		c.logger.Warn("Failed to publish transition", "job_id", job.IDHash, "to", to, "error", err)
	}
}
