// Package scheduler runs the periodic housekeeping job that refreshes the
// store and queue gauges and forgets idle rate-limited clients.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"genie/internal/metrics"
	"genie/internal/snapshot"
)

// Store is the part of a snapshot store the refresh reads.
type Store interface {
	Stats(ctx context.Context) (snapshot.Stats, error)
	HealthCheck(ctx context.Context) snapshot.Health
	Backend() string
}

type DepthSource interface {
	Depth() (queued, inFlight int)
}

type Cleaner interface {
	Cleanup(idle time.Duration) int
}

// Scheduler wraps robfig/cron and owns the refresh loop.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	store   Store
	queue   DepthSource
	limiter Cleaner
	idle    time.Duration
	logger  *slog.Logger
}

// New creates a Scheduler firing on spec, e.g. "@every 1m". limiter may be nil.
func New(spec string, store Store, queue DepthSource, limiter Cleaner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{logger})),
		spec:    spec,
		store:   store,
		queue:   queue,
		limiter: limiter,
		idle:    10 * time.Minute,
		logger:  logger,
	}
}

// Start registers the refresh job, starts the cron and refreshes once
// right away.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.Refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Cron started", "spec", s.spec)

	go s.Refresh(ctx)
	return nil
}

// Stop waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Cron stopped")
}

// Refresh runs one housekeeping cycle.
func (s *Scheduler) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.store != nil {
		backend := s.store.Backend()
		if st, err := s.store.Stats(ctx); err != nil {
			s.logger.Warn("Failed to read store stats", "error", err, "backend", backend)
		} else {
			metrics.StoreSnapshots.WithLabelValues(backend).Set(float64(st.Snapshots))
		}

		health := s.store.HealthCheck(ctx)
		metrics.StoreHealth.WithLabelValues(backend).Set(health.Status.Value())
		if health.Status != snapshot.Healthy {
			s.logger.Warn("Snapshot store not healthy", "backend", backend, "status", health.Status, "message", health.Message)
		}
	}

	if s.queue != nil {
		queued, inFlight := s.queue.Depth()
		metrics.QueueDepth.Set(float64(queued))
		metrics.JobsInFlight.Set(float64(inFlight))
	}

	if s.limiter != nil {
		if n := s.limiter.Cleanup(s.idle); n > 0 {
			s.logger.Debug("Removed idle rate limiters", "count", n)
		}
	}
}

// cronLogger routes cron's own messages into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
