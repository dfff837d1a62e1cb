package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Builder constructs a Job for one kind.
type Builder func(spec Spec) (*Job, error)

// Executor computes the answer for a job.
type Executor interface {
	Execute(ctx context.Context, job *Job) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *Job) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (Result, error) {
	return f(ctx, job)
}

type entry struct {
	build   Builder
	execute Executor
}

// Registry maps every Kind to its builder and executor.
type Registry struct {
	entries map[Kind]entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: map[Kind]entry{}, now: time.Now}
}

// Register installs the builder and executor for a kind. A nil builder uses
// DefaultBuilder.
func (r *Registry) Register(kind Kind, build Builder, execute Executor) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown worker kind %q", kind)
	}
	if execute == nil {
		return fmt.Errorf("worker %s needs an executor", kind)
	}
	if build == nil {
		build = DefaultBuilder
	}
	r.entries[kind] = entry{build: build, execute: execute}
	return nil
}

// Missing lists kinds with nothing registered.
func (r *Registry) Missing() []Kind {
	var missing []Kind
	for _, k := range Kinds {
		if _, ok := r.entries[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Build constructs the Job for a kind and tags it with that kind.
func (r *Registry) Build(kind Kind, spec Spec) (*Job, error) {
	e, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("no worker registered for %q", kind)
	}
	job, err := e.build(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s job: %w", kind, err)
	}
	job.Kind = kind
	if job.CreatedDate.IsZero() {
		job.CreatedDate = r.now()
	}
	return job, nil
}

// Execute runs the executor registered for the job's kind.
func (r *Registry) Execute(ctx context.Context, job *Job) (Result, error) {
	e, ok := r.entries[job.Kind]
	if !ok {
		return Result{}, fmt.Errorf("no worker registered for %q", job.Kind)
	}
	return e.execute.Execute(ctx, job)
}

// DefaultBuilder copies the spec into a Job.
func DefaultBuilder(spec Spec) (*Job, error) {
	if strings.TrimSpace(spec.Question) == "" {
		return nil, fmt.Errorf("question is required")
	}
	if spec.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	job := &Job{
		BaseHash:          spec.BaseHash,
		UserID:            spec.UserID,
		UserEmail:         spec.UserEmail,
		SessionID:         spec.SessionID,
		Question:          spec.Question,
		QuestionGist:      spec.QuestionGist,
		LastQuestionAsked: spec.LastQuestionAsked,
		Args:              spec.Args,
		MatchScore:        spec.MatchScore,
		MatchTier:         spec.MatchTier,
	}
	if spec.Snapshot != nil {
		job.Snapshot = spec.Snapshot.Copy()
		job.CacheHit = true
	}
	return job, nil
}
