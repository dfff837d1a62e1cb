package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genie/internal/errs"
	"genie/internal/events"
	"genie/internal/logging"
	"genie/internal/notify"
	"genie/internal/queue"
	"genie/internal/snapshot"
	"genie/internal/tracker"
	"genie/internal/worker"
)

type fakeSource struct {
	mu   sync.Mutex
	jobs []*worker.Job
	done []string
}

func (f *fakeSource) Pop(ctx context.Context) (*worker.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, queue.ErrClosed
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeSource) Done(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, jobID)
}

type notification struct{ message, target string }

type fakeChannel struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeChannel) Ask(ctx context.Context, req notify.AskRequest) notify.AskResult {
	return notify.AskResult{Status: notify.Timeout}
}

func (f *fakeChannel) Notify(ctx context.Context, message, targetUser string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{message, targetUser})
	return nil
}

type fakePublisher struct {
	mu  sync.Mutex
	tos []string
}

func (f *fakePublisher) Publish(ctx context.Context, t events.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tos = append(f.tos, t.From+"->"+t.To)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t != "" {
			out[i] = []float32{float32(len(t)), 1}
		}
	}
	return out, nil
}

type harness struct {
	consumer  *Consumer
	source    *fakeSource
	tracker   *tracker.Tracker
	store     *snapshot.FileStore
	channel   *fakeChannel
	publisher *fakePublisher
	executed  []string
}

func newHarness(t *testing.T, exec func(job *worker.Job) (worker.Result, error)) *harness {
	t.Helper()
	store := snapshot.NewFileStore(t.TempDir(), logging.Discard())
	require.NoError(t, store.Initialize(context.Background()))

	h := &harness{
		source:    &fakeSource{},
		tracker:   tracker.New(),
		store:     store,
		channel:   &fakeChannel{},
		publisher: &fakePublisher{},
	}
	h.consumer = NewConsumer(Deps{
		Source:  h.source,
		Tracker: h.tracker,
		Executor: worker.ExecutorFunc(func(ctx context.Context, job *worker.Job) (worker.Result, error) {
			h.executed = append(h.executed, job.IDHash)
			return exec(job)
		}),
		Store:     store,
		Embedder:  fakeEmbedder{},
		Channel:   h.channel,
		Publisher: h.publisher,
		Logger:    logging.Discard(),
	})
	return h
}

func (h *harness) enqueue(t *testing.T, job *worker.Job) {
	t.Helper()
	require.NoError(t, h.tracker.Associate(job.IDHash, job.UserID, job.UserEmail))
	h.source.jobs = append(h.source.jobs, job)
}

func TestConsumer_ExecutesAndSavesSnapshot(t *testing.T) {
	h := newHarness(t, func(job *worker.Job) (worker.Result, error) {
		return worker.Result{Answer: "2024-03-09", AnswerConversational: "Today is Saturday."}, nil
	})
	h.enqueue(t, &worker.Job{
		IDHash:       "job-1",
		UserID:       "u1",
		UserEmail:    "u1@example.com",
		Question:     "What's today's date?",
		QuestionGist: "today date",
		Kind:         worker.KindDateTime,
	})

	h.consumer.Start(context.Background())

	assert.Equal(t, []string{"job-1"}, h.executed)
	assert.Equal(t, []string{"job-1"}, h.source.done)
	assert.Equal(t, []notification{{"Today is Saturday.", "u1@example.com"}}, h.channel.sent)
	assert.Equal(t, []string{"queued->running", "running->done"}, h.publisher.tos)

	saved, err := h.store.Get(context.Background(), "What's today's date?")
	require.NoError(t, err)
	assert.Equal(t, "datetime", saved.JobType)
	assert.Equal(t, "today date", saved.QuestionGist)
	assert.Equal(t, 1, saved.Stats.RunCount)
	assert.NotEmpty(t, saved.QuestionEmbedding)
	assert.Equal(t, []float32{10, 1}, saved.GistEmbedding)
	assert.Empty(t, saved.CodeEmbedding)
}

func TestConsumer_CacheHitReusesAnswer(t *testing.T) {
	h := newHarness(t, func(job *worker.Job) (worker.Result, error) {
		return worker.Result{}, errors.New("should not run")
	})
	ctx := context.Background()
	stored, err := h.store.Add(ctx, &snapshot.Snapshot{Question: "Paris weather", Answer: "18C", JobType: "weather"})
	require.NoError(t, err)

	h.enqueue(t, &worker.Job{
		IDHash:   "job-2",
		UserID:   "U42",
		Question: "weather in Paris",
		Kind:     worker.KindWeather,
		CacheHit: true,
		Snapshot: stored.Copy(),
	})
	h.consumer.Start(ctx)

	assert.Empty(t, h.executed)
	assert.Equal(t, []notification{{"18C", "U42"}}, h.channel.sent)

	saved, err := h.store.Get(ctx, "Paris weather")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Stats.RunCount)
	assert.Equal(t, stored.Stats.Revision+1, saved.Stats.Revision)
}

func TestConsumer_Failure(t *testing.T) {
	h := newHarness(t, func(job *worker.Job) (worker.Result, error) {
		return worker.Result{}, errors.New("model timeout")
	})
	h.enqueue(t, &worker.Job{IDHash: "job-3", UserID: "u1", Question: "2+2", Kind: worker.KindMath})

	h.consumer.Start(context.Background())

	assert.Equal(t, []string{"queued->running", "running->failed"}, h.publisher.tos)
	assert.Equal(t, []string{"job-3"}, h.source.done)
	require.Len(t, h.channel.sent, 1)
	assert.Contains(t, h.channel.sent[0].message, "Sorry")

	_, err := h.store.Get(context.Background(), "2+2")
	assert.Error(t, err)
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	q, err := queue.New(queue.Config{}, queue.Deps{
		Store:   snapshot.NewFileStore(t.TempDir(), logging.Discard()),
		Router:  nopRouter{},
		Builder: worker.NewRegistry(),
		Tracker: tracker.New(),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)

	c := NewConsumer(Deps{Source: q, Tracker: tracker.New(), Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

type nopRouter struct{}

func (nopRouter) Classify(ctx context.Context, question string) (string, string, error) {
	return "", "", errors.New("unused")
}

func TestConsumer_CacheHitDoesNotRestoreDeletedSnapshot(t *testing.T) {
	h := newHarness(t, func(job *worker.Job) (worker.Result, error) {
		return worker.Result{}, errors.New("should not run")
	})
	ctx := context.Background()
	stored, err := h.store.Add(ctx, &snapshot.Snapshot{Question: "Paris weather", Answer: "18C", JobType: "weather"})
	require.NoError(t, err)

	h.enqueue(t, &worker.Job{
		IDHash:   "job-3",
		UserID:   "U42",
		Question: "weather in Paris",
		Kind:     worker.KindWeather,
		CacheHit: true,
		Snapshot: stored.Copy(),
	})
	require.NoError(t, h.store.Delete(ctx, "Paris weather", false))
	h.consumer.Start(ctx)

	assert.Equal(t, []notification{{"18C", "U42"}}, h.channel.sent)
	_, err = h.store.Get(ctx, "Paris weather")
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Snapshots)
}
