// Package events publishes job state transitions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"genie/internal/metrics"
)

// DefaultChannel is the Redis channel transitions are published on.
const DefaultChannel = "genie:job_transitions"

// Job states.
const (
	StatePending = "pending"
	StateQueued  = "queued"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Transition is one job state change.
type Transition struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	Question    string    `json:"question"`
	JobType     string    `json:"job_type"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	CreatedDate time.Time `json:"created_date"`
	At          time.Time `json:"at"`
}

// Publisher delivers transitions. Failures are reported but never stop the
// job they describe.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
}

// RedisPublisher publishes transitions as JSON on a pub/sub channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, logger: logger}
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, t Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	err = p.rdb.Publish(ctx, p.channel, payload).Err()
	metrics.EventsPublished.WithLabelValues("redis", metrics.Status(err)).Inc()
	if err != nil {
		p.logger.Error("Failed to publish transition", "job_id", t.JobID, "to", t.To, "error", err)
		return fmt.Errorf("failed to publish transition: %w", err)
	}
	return nil
}

// LogPublisher writes transitions to the log. It is used when Redis is not
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, t Transition) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("job transition",
		"job_id", t.JobID,
		"user_id", t.UserID,
		"job_type", t.JobType,
		"from", t.From,
		"to", t.To)
	metrics.EventsPublished.WithLabelValues("log", "success").Inc()
	return nil
}
