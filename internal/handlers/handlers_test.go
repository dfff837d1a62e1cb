package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genie/internal/errs"
	"genie/internal/logging"
	"genie/internal/querylog"
	"genie/internal/queue"
	"genie/internal/snapshot"
	"genie/internal/worker"
)

type fakeQueue struct {
	result queue.Result
	err    error
	got    []queue.Request
	modes  map[string]worker.Kind
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{modes: map[string]worker.Kind{}}
}

func (f *fakeQueue) Submit(ctx context.Context, req queue.Request) (queue.Result, error) {
	f.got = append(f.got, req)
	return f.result, f.err
}

func (f *fakeQueue) Pending() []queue.PendingJob {
	return []queue.PendingJob{{JobID: "abc", UserID: "alice", Kind: worker.KindWeather, PushCounter: 7, Position: 1}}
}

func (f *fakeQueue) Depth() (int, int) { return 1, 2 }

func (f *fakeQueue) GetUserMode(userID string) (worker.Kind, bool) {
	k, ok := f.modes[userID]
	return k, ok
}

func (f *fakeQueue) SetUserMode(userID string, kind worker.Kind) error {
	f.modes[userID] = kind
	return nil
}

func (f *fakeQueue) ClearUserMode(userID string) { delete(f.modes, userID) }

type fakeQueryLog struct {
	entries []querylog.Entry
	limit   int
}

func (f *fakeQueryLog) Recent(ctx context.Context, limit int) ([]querylog.Entry, error) {
	f.limit = limit
	return f.entries, nil
}

type server struct {
	router *mux.Router
	queue  *fakeQueue
	store  *snapshot.FileStore
	log    *fakeQueryLog
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := snapshot.NewFileStore(t.TempDir(), logging.Discard())
	require.NoError(t, store.Initialize(context.Background()))

	s := &server{router: mux.NewRouter(), queue: newFakeQueue(), store: store, log: &fakeQueryLog{}}
	APIRoutes(s.router.PathPrefix("/api").Subrouter(), NewSubmitHandler(s.queue), NewAdminHandler(s.queue, store, s.log))
	s.router.HandleFunc("/health", HandleHealth)
	s.router.HandleFunc("/ready", ReadyHandler(store))
	return s
}

func (s *server) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandleSubmit(t *testing.T) {
	tests := []struct {
		name   string
		result queue.Result
		err    error
		status int
	}{
		{
			name:   "dispatched",
			result: queue.Result{State: queue.StateDispatched, Message: "On it!", JobID: "j1", Kind: worker.KindDateTime},
			status: http.StatusAccepted,
		},
		{
			name:   "cancelled",
			result: queue.Result{State: queue.StateCancelled, Message: "Okay, I cancelled that request."},
			status: http.StatusOK,
		},
		{
			name:   "rejected",
			result: queue.Result{State: queue.StateRejected, Message: "I didn't catch a question. Please try again."},
			err:    errs.NewValidation("I didn't catch a question. Please try again."),
			status: http.StatusBadRequest,
		},
		{
			name:   "dispatch failure",
			result: queue.Result{State: queue.StateFailed},
			err:    errs.NewDispatch(errors.New("no builder")),
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			s.queue.result, s.queue.err = tt.result, tt.err

			rec := s.do(http.MethodPost, "/api/submit", `{"question":"what's the date?","user_id":"alice","session_id":"s1"}`)
			assert.Equal(t, tt.status, rec.Code)

			var got queue.Result
			decode(t, rec, &got)
			assert.Equal(t, tt.result.State, got.State)
			assert.NotEmpty(t, got.Message)
			require.Len(t, s.queue.got, 1)
			assert.Equal(t, queue.Request{Question: "what's the date?", UserID: "alice", SessionID: "s1"}, s.queue.got[0])
		})
	}

	t.Run("bad json", func(t *testing.T) {
		s := newServer(t)
		rec := s.do(http.MethodPost, "/api/submit", `{"question":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, s.queue.got)
	})
}

func TestUserModeEndpoints(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/users/alice/mode", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var mode modeResponse
	decode(t, rec, &mode)
	assert.False(t, mode.Pinned)

	rec = s.do(http.MethodPut, "/api/users/alice/mode", `{"mode":"Weather"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, worker.KindWeather, s.queue.modes["alice"])

	rec = s.do(http.MethodPut, "/api/users/alice/mode", `{"mode":"astrology"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var e errorResponse
	decode(t, rec, &e)
	assert.Equal(t, string(errs.CodeValidation), e.Error)
	assert.Contains(t, e.Message, "astrology")

	rec = s.do(http.MethodDelete, "/api/users/alice/mode", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, s.queue.modes)
}

func TestHandleQueue(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/queue", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var got queueResponse
	decode(t, rec, &got)
	assert.Equal(t, 1, got.Queued)
	assert.Equal(t, 2, got.InFlight)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, int64(7), got.Jobs[0].PushCounter)
}

func TestSnapshotEndpoints(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	_, err := s.store.Add(ctx, &snapshot.Snapshot{
		Question:          "What is the weather in Paris?",
		Answer:            "Sunny",
		QuestionEmbedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)

	rec := s.do(http.MethodGet, "/api/snapshots/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats snapshot.Stats
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Equal(t, "file", stats.Backend)

	rec = s.do(http.MethodGet, "/api/snapshots/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var health snapshot.Health
	decode(t, rec, &health)
	assert.Equal(t, snapshot.Healthy, health.Status)

	rec = s.do(http.MethodGet, "/api/snapshots?question=what+is+the+weather+in+paris", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var got snapshot.Snapshot
	decode(t, rec, &got)
	assert.Equal(t, "Sunny", got.Answer)
	assert.Empty(t, got.QuestionEmbedding)

	rec = s.do(http.MethodDelete, "/api/snapshots", `{"question":"What is the weather in Paris?"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodDelete, "/api/snapshots", `{"question":"What is the weather in Paris?"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodDelete, "/api/snapshots", `{"question":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueryLog(t *testing.T) {
	s := newServer(t)
	s.log.entries = []querylog.Entry{{
		ID:                "01J0000000000000000000000A",
		UserID:            "alice",
		Verbatim:          "Hey, weather in Paris?",
		Normalized:        "weather in paris",
		VerbatimEmbedding: []float32{1, 2, 3},
		MatchedTier:       "synonym",
		Confidence:        99.2,
		HitNormalized:     true,
	}}

	rec := s.do(http.MethodGet, "/api/querylog?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, s.log.limit)
	assert.NotContains(t, rec.Body.String(), "embedding")

	var got []queryLogEntry
	decode(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "synonym", got[0].MatchedTier)
	assert.True(t, got[0].HitNormalized)

	rec = s.do(http.MethodGet, "/api/querylog?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", "").Code)

	cold := snapshot.NewFileStore(t.TempDir(), logging.Discard())
	rec := httptest.NewRecorder()
	ReadyHandler(cold)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func sign(secret, ts, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlackSignature(t *testing.T) {
	const secret = "test-secret"
	body := "payload=%7B%7D"
	var seen string
	handler := VerifySlackSignature(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ts, signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader(body))
		req.Header.Set("X-Slack-Request-Timestamp", ts)
		req.Header.Set("X-Slack-Signature", signature)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	assert.Equal(t, http.StatusOK, send(now, sign(secret, now, body)))
	assert.Equal(t, body, seen)

	assert.Equal(t, http.StatusUnauthorized, send(now, sign("other-secret", now, body)))
	assert.Equal(t, http.StatusUnauthorized, send(now, ""))

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	assert.Equal(t, http.StatusUnauthorized, send(stale, sign(secret, stale, body)))
}

func TestVerifySlackSignature_Disabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	VerifySlackSignature("")(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/slack/actions", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
