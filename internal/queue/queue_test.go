package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genie/internal/errs"
	"genie/internal/events"
	"genie/internal/logging"
	"genie/internal/normalize"
	"genie/internal/notify"
	"genie/internal/querylog"
	"genie/internal/snapshot"
	"genie/internal/tracker"
	"genie/internal/worker"
)

type fakeRouter struct {
	mu      sync.Mutex
	command string
	args    string
	err     error
	calls   []string
}

func (f *fakeRouter) Classify(ctx context.Context, question string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, question)
	return f.command, f.args, f.err
}

func (f *fakeRouter) called() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeChannel answers asks from a script; once the script runs out every
// ask times out.
type fakeChannel struct {
	mu      sync.Mutex
	answers []notify.AskResult
	asks    []notify.AskRequest
}

func (f *fakeChannel) Ask(ctx context.Context, req notify.AskRequest) notify.AskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asks = append(f.asks, req)
	if len(f.answers) == 0 {
		return notify.AskResult{Status: notify.Timeout}
	}
	res := f.answers[0]
	f.answers = f.answers[1:]
	return res
}

func (f *fakeChannel) Notify(ctx context.Context, message, targetUser string) error { return nil }

func (f *fakeChannel) asked() []notify.AskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.AskRequest(nil), f.asks...)
}

type fakePublisher struct {
	mu          sync.Mutex
	transitions []events.Transition
}

func (f *fakePublisher) Publish(ctx context.Context, t events.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
	return nil
}

type fakeQueryLog struct {
	mu      sync.Mutex
	entries []querylog.Entry
}

func (f *fakeQueryLog) Append(ctx context.Context, e querylog.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return fmt.Sprint(len(f.entries)), nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type nopCompleter struct{}

func (nopCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return "ok", nil
}

type harness struct {
	queue     *Queue
	store     *snapshot.FileStore
	router    *fakeRouter
	channel   *fakeChannel
	publisher *fakePublisher
	queryLog  *fakeQueryLog
	tracker   *tracker.Tracker
}

func newHarness(t *testing.T, cfg Config, seed ...*snapshot.Snapshot) *harness {
	t.Helper()
	ctx := context.Background()

	store := snapshot.NewFileStore(t.TempDir(), logging.Discard())
	require.NoError(t, store.Initialize(ctx))
	for _, s := range seed {
		_, err := store.Add(ctx, s)
		require.NoError(t, err)
	}

	registry, err := worker.DefaultRegistry(nopCompleter{})
	require.NoError(t, err)

	h := &harness{
		store:     store,
		router:    &fakeRouter{command: "receptionist"},
		channel:   &fakeChannel{},
		publisher: &fakePublisher{},
		queryLog:  &fakeQueryLog{},
		tracker:   tracker.New(),
	}
	cfg.ConfirmationTimeout = time.Millisecond
	h.queue, err = New(cfg, Deps{
		Normalizer: normalize.NewNormalizer([]string{"hey", "genie"}, nil, false),
		Embedder:   fakeEmbedder{},
		Store:      store,
		Router:     h.router,
		Builder:    registry,
		Tracker:    h.tracker,
		Channel:    h.channel,
		Publisher:  h.publisher,
		QueryLog:   h.queryLog,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) pop(t *testing.T) *worker.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := h.queue.Pop(ctx)
	require.NoError(t, err)
	return job
}

func parisWeather(synonymScore float64) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Question:            "Paris weather",
		Answer:              "18C and sunny",
		JobType:             string(worker.KindWeather),
		SynonymousQuestions: map[string]float64{"weather in paris": synonymScore},
	}
}

func TestSubmit_RoutesWhenNothingMatches(t *testing.T) {
	h := newHarness(t, Config{})
	h.router.command = "datetime"

	res, err := h.queue.Submit(context.Background(), Request{Question: "What's today's date?", UserID: "u1", UserEmail: "u1@example.com"})
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, res.State)
	assert.Equal(t, worker.KindDateTime, res.Kind)
	assert.False(t, res.CacheHit)
	assert.NotEmpty(t, res.Message)

	job := h.pop(t)
	assert.Equal(t, worker.KindDateTime, job.Kind)
	assert.Equal(t, "What's today's date?", job.Question)
	assert.Equal(t, tracker.CompoundHash(snapshot.HashQuestion(normalize.Normalize("What's today's date?")), "u1"), job.IDHash)
	assert.Equal(t, int64(1), job.PushCounter)

	owner, ok := h.tracker.UserForJob(job.IDHash)
	require.True(t, ok)
	assert.Equal(t, "u1", owner.UserID)

	require.Len(t, h.publisher.transitions, 1)
	tr := h.publisher.transitions[0]
	assert.Equal(t, events.StatePending, tr.From)
	assert.Equal(t, events.StateQueued, tr.To)
	assert.Equal(t, job.IDHash, tr.JobID)
	assert.Equal(t, "datetime", tr.JobType)

	require.Len(t, h.queryLog.entries, 1)
	assert.Empty(t, h.queryLog.entries[0].MatchedTier)
	assert.Equal(t, []float32{1, 0, 0}, h.queryLog.entries[0].GistEmbedding)
	assert.Empty(t, h.channel.asked())
}

func TestSubmit_CacheHitSkipsConfirmation(t *testing.T) {
	h := newHarness(t, Config{}, parisWeather(99.2))

	res, err := h.queue.Submit(context.Background(), Request{Question: "Hey, weather in Paris", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 99.2, res.Score)
	assert.Equal(t, "synonym", res.Tier)

	job := h.pop(t)
	assert.True(t, job.CacheHit)
	assert.Equal(t, worker.KindWeather, job.Kind)
	require.NotNil(t, job.Snapshot)
	assert.Equal(t, "18C and sunny", job.Snapshot.Answer)
	assert.Equal(t, "Hey, weather in Paris", job.Snapshot.LastQuestionAsked)

	assert.Empty(t, h.channel.asked())
	assert.Zero(t, h.router.called())
	assert.Equal(t, "synonym", h.queryLog.entries[0].MatchedTier)
	assert.True(t, h.queryLog.entries[0].HitNormalized)
}

func TestSubmit_ConfirmationNoFallsThroughToRouting(t *testing.T) {
	h := newHarness(t, Config{ThresholdQuestion: 95}, parisWeather(96.5))
	h.channel.answers = []notify.AskResult{{Status: notify.Responded, Value: notify.No}}
	h.router.command = "weather"

	res, err := h.queue.Submit(context.Background(), Request{Question: "weather in Paris", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, worker.KindWeather, res.Kind)

	asks := h.channel.asked()
	require.Len(t, asks, 1)
	assert.Equal(t, notify.YesNo, asks[0].Kind)
	assert.Contains(t, asks[0].Prompt, "Paris weather")
	assert.Equal(t, 1, h.router.called())

	stored, err := h.store.Get(context.Background(), "Paris weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"weather in paris"}, stored.NonSynonymousQuestions)
	assert.NotContains(t, stored.SynonymousQuestions, "weather in paris")

	// the rejection is remembered for every user
	_, err = h.queue.Submit(context.Background(), Request{Question: "weather in Paris", UserID: "u2"})
	require.NoError(t, err)
	assert.Len(t, h.channel.asked(), 1)
}

func TestSubmit_ConfirmationYesReusesSnapshot(t *testing.T) {
	h := newHarness(t, Config{ThresholdQuestion: 95}, parisWeather(96.5))
	h.channel.answers = []notify.AskResult{{Status: notify.Responded, Value: notify.Yes}}

	res, err := h.queue.Submit(context.Background(), Request{Question: "weather in Paris", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 96.5, res.Score)
	assert.Zero(t, h.router.called())
}

func TestSubmit_ConfirmationRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, Config{ThresholdQuestion: 95}, parisWeather(96.5))
	h.channel.answers = []notify.AskResult{
		{Status: notify.Error, Err: errors.New("slack down")},
		{Status: notify.Timeout},
		{Status: notify.Timeout},
	}

	res, err := h.queue.Submit(context.Background(), Request{Question: "weather in Paris", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, worker.KindReceptionist, res.Kind)

	asks := h.channel.asked()
	require.Len(t, asks, 3)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		[]time.Duration{asks[0].Timeout, asks[1].Timeout, asks[2].Timeout})

	stored, err := h.store.Get(context.Background(), "Paris weather")
	require.NoError(t, err)
	assert.Empty(t, stored.NonSynonymousQuestions)
}

func TestAttemptTimeouts_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, cfg.attemptTimeouts())
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, Config{MaxQuestionLength: 20, BlacklistedPrefixes: []string{"[blank_audio]"}})

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{Question: "   ", UserID: "u1"}},
		{"no user", Request{Question: "what time is it"}},
		{"too long", Request{Question: "what is the weather going to be like tomorrow", UserID: "u1"}},
		{"blacklisted", Request{Question: "[BLANK_AUDIO]", UserID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.queue.Submit(context.Background(), tt.req)
			assert.True(t, errs.Is(err, errs.CodeValidation))
			assert.Equal(t, StateRejected, res.State)
			assert.NotEmpty(t, res.Message)
		})
	}
	assert.Empty(t, h.queue.Pending())
	assert.Empty(t, h.queryLog.entries)
}

func TestSubmit_RouterFailureUsesFallback(t *testing.T) {
	h := newHarness(t, Config{FallbackKind: worker.KindMath})
	h.router.err = errors.New("openai unavailable")

	res, err := h.queue.Submit(context.Background(), Request{Question: "2 + 2", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, worker.KindMath, res.Kind)
}

func TestSubmit_EmbeddingFailureStillMatchesText(t *testing.T) {
	h := newHarness(t, Config{}, parisWeather(99.2))
	h.queue.embedder = fakeEmbedder{err: errors.New("timeout")}

	res, err := h.queue.Submit(context.Background(), Request{Question: "weather in paris", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Nil(t, h.queryLog.entries[0].NormalizedEmbedding)
}

func TestSubmit_Disambiguation(t *testing.T) {
	t.Run("agentic command asks with detected option first", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.router.command = "agent router go to weather"
		h.channel.answers = []notify.AskResult{{Status: notify.Responded, Value: "General question"}}

		res, err := h.queue.Submit(context.Background(), Request{Question: "is it nice out", UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, worker.KindReceptionist, res.Kind)

		ask := h.channel.asked()[0]
		assert.Equal(t, notify.MultipleChoice, ask.Kind)
		assert.Equal(t, []string{"Weather", "General question", CancelOption}, ask.Options)
	})

	t.Run("cancel enqueues nothing", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.router.command = "dance"
		h.channel.answers = []notify.AskResult{{Status: notify.Responded, Value: CancelOption}}

		res, err := h.queue.Submit(context.Background(), Request{Question: "do a dance", UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, res.State)
		assert.Empty(t, h.queue.Pending())
		assert.Zero(t, h.tracker.Len())
		assert.Empty(t, h.publisher.transitions)

		ask := h.channel.asked()[0]
		assert.Len(t, ask.Options, len(worker.Kinds)+1)
	})

	t.Run("timeout keeps the detected kind", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.router.command = "agent: calendar"

		res, err := h.queue.Submit(context.Background(), Request{Question: "am I free friday", UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, worker.KindCalendar, res.Kind)
		assert.Len(t, h.channel.asked(), 3)
	})
}

func TestUserMode(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.queue.SetUserMode("u1", worker.KindMath))
	assert.True(t, errs.Is(h.queue.SetUserMode("u1", "juggling"), errs.CodeValidation))
	kind, ok := h.queue.GetUserMode("u1")
	require.True(t, ok)
	assert.Equal(t, worker.KindMath, kind)

	res, err := h.queue.Submit(context.Background(), Request{Question: "what is the weather", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, worker.KindMath, res.Kind)
	assert.Zero(t, h.router.called())

	h.queue.ClearUserMode("u1")
	_, ok = h.queue.GetUserMode("u1")
	assert.False(t, ok)
}

func TestSubmit_ResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, parisWeather(99.2))
	ctx := context.Background()

	first, err := h.queue.Submit(ctx, Request{Question: "weather in Paris", UserID: "u1"})
	require.NoError(t, err)
	second, err := h.queue.Submit(ctx, Request{Question: "Weather in Paris?", UserID: "u1"})
	require.NoError(t, err)
	other, err := h.queue.Submit(ctx, Request{Question: "weather in Paris", UserID: "u2"})
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Duplicate)
	assert.NotEqual(t, first.JobID, other.JobID)
	assert.Len(t, h.queue.Pending(), 2)
	assert.Len(t, h.publisher.transitions, 2)

	// still deduplicated while in flight
	job := h.pop(t)
	again, err := h.queue.Submit(ctx, Request{Question: "weather in paris", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	h.queue.Done(job.IDHash)
	_, ok := h.tracker.UserForJob(job.IDHash)
	assert.False(t, ok)
}

func TestPop_FIFO(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.queue.Submit(ctx, Request{Question: fmt.Sprintf("question %d", i), UserID: "u1"})
		require.NoError(t, err)
	}

	pending := h.queue.Pending()
	require.Len(t, pending, 5)
	for i, p := range pending {
		assert.Equal(t, i+1, p.Position)
		assert.Equal(t, int64(i+1), p.PushCounter)
	}

	for i := 0; i < 5; i++ {
		job := h.pop(t)
		assert.Equal(t, fmt.Sprintf("question %d", i), job.Question)
	}
	queued, inFlight := h.queue.Depth()
	assert.Equal(t, 0, queued)
	assert.Equal(t, 5, inFlight)
}

func TestPop_Blocking(t *testing.T) {
	t.Run("wakes on push", func(t *testing.T) {
		h := newHarness(t, Config{})
		got := make(chan *worker.Job, 1)
		go func() {
			job, err := h.queue.Pop(context.Background())
			assert.NoError(t, err)
			got <- job
		}()

		time.Sleep(10 * time.Millisecond)
		_, err := h.queue.Submit(context.Background(), Request{Question: "what time is it", UserID: "u1"})
		require.NoError(t, err)

		select {
		case job := <-got:
			assert.Equal(t, "what time is it", job.Question)
		case <-time.After(time.Second):
			t.Fatal("consumer was not woken")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		h := newHarness(t, Config{})
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := h.queue.Pop(ctx)
			errCh <- err
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Pop did not return after cancel")
		}
	})

	t.Run("close drains then stops", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.queue.Submit(context.Background(), Request{Question: "what time is it", UserID: "u1"})
		require.NoError(t, err)

		h.queue.Close()
		_, err = h.queue.Pop(context.Background())
		assert.NoError(t, err)
		_, err = h.queue.Pop(context.Background())
		assert.ErrorIs(t, err, ErrClosed)

		res, err := h.queue.Submit(context.Background(), Request{Question: "another one", UserID: "u1"})
		assert.True(t, errs.Is(err, errs.CodeDispatch))
		assert.Equal(t, StateFailed, res.State)
	})
}

func TestSubmit_ConcurrentUsersAreAlwaysAssociated(t *testing.T) {
	h := newHarness(t, Config{})
	const users = 1000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumers, seen sync.WaitGroup
	var mu sync.Mutex
	missing := 0
	seen.Add(users)
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				job, err := h.queue.Pop(ctx)
				if err != nil {
					return
				}
				if _, ok := h.tracker.UserForJob(job.IDHash); !ok {
					mu.Lock()
					missing++
					mu.Unlock()
				}
				h.queue.Done(job.IDHash)
				seen.Done()
			}
		}()
	}

	var producers sync.WaitGroup
	for i := 0; i < users; i++ {
		producers.Add(1)
		go func(i int) {
			defer producers.Done()
			_, err := h.queue.Submit(ctx, Request{Question: "what time is it", UserID: fmt.Sprintf("user-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	producers.Wait()
	seen.Wait()
	cancel()
	consumers.Wait()

	assert.Zero(t, missing)
	assert.Zero(t, h.tracker.Len())
}

func TestDone_ConcurrentResubmissionKeepsOwner(t *testing.T) {
	h := newHarness(t, Config{})
	newJob := func() *worker.Job { return &worker.Job{IDHash: "job-1", UserID: "u1", Question: "what time is it"} }

	for i := 0; i < 2000; i++ {
		_, dup, err := h.queue.push(newJob())
		require.NoError(t, err)
		require.False(t, dup)
		job := h.pop(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.queue.Done(job.IDHash)
		}()
		go func() {
			defer wg.Done()
			for {
				_, dup, err := h.queue.push(newJob())
				if err != nil || !dup {
					return
				}
			}
		}()
		wg.Wait()

		_, ok := h.tracker.UserForJob("job-1")
		require.True(t, ok, "queued job has no owner after iteration %d", i)

		h.queue.Done(h.pop(t).IDHash)
	}
	assert.Zero(t, h.tracker.Len())
}
