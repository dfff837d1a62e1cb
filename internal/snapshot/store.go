package snapshot

import (
	"context"
	"time"

	"genie/internal/errs"
	"genie/internal/metrics"
	"genie/internal/normalize"
)

// Store is the contract every snapshot backend satisfies.
type Store interface {
	// Initialize loads persisted snapshots into the indices. It is idempotent.
	Initialize(ctx context.Context) error
	// Add upserts a snapshot keyed by its normalized question and returns
	// the stored copy.
	Add(ctx context.Context, s *Snapshot) (*Snapshot, error)
	// Delete removes a snapshot from the indices, and from persistence when
	// deletePhysical is set.
	Delete(ctx context.Context, question string, deletePhysical bool) error
	Get(ctx context.Context, question string) (*Snapshot, error)
	Search(ctx context.Context, q Query) ([]Match, error)
	SearchCode(ctx context.Context, exemplar *Snapshot, threshold float64, limit int) ([]Match, error)
	Stats(ctx context.Context) (Stats, error)
	HealthCheck(ctx context.Context) Health
	Backend() string
	Close() error
}

type Stats struct {
	Backend         string `json:"backend"`
	Initialized     bool   `json:"initialized"`
	Snapshots       int    `json:"snapshots"`
	Synonyms        int    `json:"synonyms"`
	GistSynonyms    int    `json:"gist_synonyms"`
	NonSynonyms     int    `json:"non_synonyms"`
	WithEmbeddings  int    `json:"with_embeddings"`
	StorageBytes    int64  `json:"storage_bytes"`
	StorageLocation string `json:"storage_location"`
}

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Value is the gauge value reported for a status.
func (h HealthStatus) Value() float64 {
	switch h {
	case Healthy:
		return 1
	case Degraded:
		return 0.5
	}
	return 0
}

type Health struct {
	Status    HealthStatus `json:"status"`
	Backend   string       `json:"backend"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// indexStats fills the counts derived from the in-memory index.
func indexStats(st *Stats, x *Index) {
	for _, s := range x.All() {
		st.Snapshots++
		st.Synonyms += len(s.SynonymousQuestions)
		st.GistSynonyms += len(s.SynonymousQuestionGists)
		st.NonSynonyms += len(s.NonSynonymousQuestions)
		if len(s.QuestionEmbedding) > 0 {
			st.WithEmbeddings++
		}
	}
}

// upsert prepares a private copy of s for persistence, folding in what the
// currently stored version already accumulated.
func upsert(s *Snapshot, prev *Snapshot, now time.Time) (*Snapshot, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	next := s.Copy()
	next.QuestionNormalized = normalize.Normalize(next.Question)
	next.IDHash = ""
	if next.QuestionNormalized == "" {
		return nil, errs.NewValidation("snapshot question has no matchable content")
	}
	// timestamps are kept at the precision every backend can store
	next.prepare(now.UTC().Truncate(time.Microsecond))
	next.CreatedDate = next.CreatedDate.UTC().Truncate(time.Microsecond)

	if prev != nil {
		next.CreatedDate = prev.CreatedDate
		next.Stats.Revision = prev.Stats.Revision + 1
		for q, score := range prev.SynonymousQuestions {
			next.AddSynonym(q, score)
		}
		for g, score := range prev.SynonymousQuestionGists {
			next.AddGistSynonym(g, score)
		}
		for _, q := range prev.NonSynonymousQuestions {
			next.AddNonSynonym(q)
		}
	}
	for _, q := range next.NonSynonymousQuestions {
		delete(next.SynonymousQuestions, q)
	}
	return next, nil
}

// track records an operation's outcome once the returned func runs.
func track(backend, op string) func(*error) {
	start := time.Now()
	return func(err *error) {
		metrics.StoreOperations.WithLabelValues(backend, op, metrics.Status(*err)).Inc()
		metrics.StoreOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}
