package snapshot

import (
	"context"
	"errors"
	"sort"

	"genie/internal/errs"
	"genie/internal/metrics"
	"genie/internal/normalize"
	"genie/internal/vecmath"
)

const (
	DefaultThresholdQuestion = 98.0
	DefaultThresholdGist     = 95.0
	DefaultLimit             = 7
)

// Tier identifies which matching strategy produced a result.
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierSynonym
	TierGist
	TierEmbedding
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierSynonym:
		return "synonym"
	case TierGist:
		return "gist"
	case TierEmbedding:
		return "embedding"
	default:
		return "none"
	}
}

// Query is one lookup against the store.
type Query struct {
	Question          string
	Normalized        string
	Gist              string
	QuestionEmbedding []float32
	GistEmbedding     []float32

	ThresholdQuestion float64
	ThresholdGist     float64
	Limit             int
}

func (q Query) withDefaults() Query {
	if q.Normalized == "" {
		q.Normalized = normalize.Normalize(q.Question)
	}
	if q.ThresholdQuestion == 0 {
		q.ThresholdQuestion = DefaultThresholdQuestion
	}
	if q.ThresholdGist == 0 {
		q.ThresholdGist = DefaultThresholdGist
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	return q
}

// exclusions are the phrasings checked against each snapshot's negative cache.
func (q Query) exclusions() []string {
	out := []string{q.Normalized}
	if n := normalize.Normalize(q.Question); n != "" && n != q.Normalized {
		out = append(out, n)
	}
	return out
}

// Match is a candidate snapshot with its similarity score in [0, 100].
type Match struct {
	Snapshot *Snapshot
	Score    float64
	Tier     Tier
}

// Field names an embedding column.
type Field string

const (
	FieldQuestion Field = "question_embedding"
	FieldGist     Field = "gist_embedding"
	FieldCode     Field = "code_embedding"
)

func (s *Snapshot) vector(f Field) []float32 {
	switch f {
	case FieldQuestion:
		return s.QuestionEmbedding
	case FieldGist:
		return s.GistEmbedding
	case FieldCode:
		return s.CodeEmbedding
	}
	return nil
}

// ScanQuery parameterizes one embedding scan.
type ScanQuery struct {
	Vector    []float32
	Exclude   []string // normalized phrasings; snapshots blacklisting any are skipped
	SkipID    string
	Threshold float64
	Limit     int
}

// Hit is one scan result.
type Hit struct {
	ID    string
	Score float64
}

// Scanner runs the embedding tier. Results must be filtered by threshold,
// ordered by score desc, created date asc, id asc and cut to the limit.
type Scanner interface {
	Scan(ctx context.Context, field Field, q ScanQuery) ([]Hit, error)
}

// Engine implements the tiered lookup on top of an Index and a Scanner.
type Engine struct {
	index   *Index
	scanner Scanner
}

func NewEngine(index *Index, scanner Scanner) *Engine {
	if scanner == nil {
		scanner = &IndexScanner{index: index}
	}
	return &Engine{index: index, scanner: scanner}
}

// Search returns the candidates of the cheapest tier that yields any.
// An empty result means no match.
func (e *Engine) Search(ctx context.Context, q Query) ([]Match, error) {
	q = q.withDefaults()
	exclude := q.exclusions()

	if s, ok := e.index.Get(q.Normalized); ok {
		return e.found(TierExact, []Match{{Snapshot: s, Score: 100, Tier: TierExact}}), nil
	}

	if entry, ok := e.index.synonym(q.Normalized); ok &&
		entry.score >= q.ThresholdQuestion && !entry.snapshot.IsBlacklisted(exclude...) {
		return e.found(TierSynonym, []Match{{Snapshot: entry.snapshot, Score: entry.score, Tier: TierSynonym}}), nil
	}

	if q.Gist != "" {
		if entry, ok := e.index.gist(q.Gist); ok &&
			entry.score >= q.ThresholdGist && !entry.snapshot.IsBlacklisted(exclude...) {
			return e.found(TierGist, []Match{{Snapshot: entry.snapshot, Score: entry.score, Tier: TierGist}}), nil
		}
	}

	best := map[string]float64{}
	scan := func(field Field, vector []float32, threshold float64) error {
		if len(vector) == 0 {
			return nil
		}
		hits, err := e.scanner.Scan(ctx, field, ScanQuery{
			Vector:    vector,
			Exclude:   exclude,
			Threshold: threshold,
			Limit:     q.Limit,
		})
		if err != nil {
			return err
		}
		for _, h := range hits {
			if prev, ok := best[h.ID]; !ok || h.Score > prev {
				best[h.ID] = h.Score
			}
		}
		return nil
	}
	if err := scan(FieldQuestion, q.QuestionEmbedding, q.ThresholdQuestion); err != nil {
		return nil, err
	}
	if err := scan(FieldGist, q.GistEmbedding, q.ThresholdGist); err != nil {
		return nil, err
	}

	matches := e.resolve(best, TierEmbedding)
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	if len(matches) == 0 {
		return matches, nil
	}
	return e.found(TierEmbedding, matches), nil
}

// SearchCode finds snapshots whose code embedding is similar to the
// exemplar's, never returning the exemplar itself.
func (e *Engine) SearchCode(ctx context.Context, exemplar *Snapshot, threshold float64, limit int) ([]Match, error) {
	if exemplar == nil || len(exemplar.CodeEmbedding) == 0 {
		return []Match{}, nil
	}
	if threshold == 0 {
		threshold = DefaultThresholdQuestion
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	id := exemplar.IDHash
	if id == "" {
		id = HashQuestion(normalize.Normalize(exemplar.Question))
	}
	hits, err := e.scanner.Scan(ctx, FieldCode, ScanQuery{
		Vector:    exemplar.CodeEmbedding,
		SkipID:    id,
		Threshold: threshold,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	best := make(map[string]float64, len(hits))
	for _, h := range hits {
		best[h.ID] = h.Score
	}
	return e.resolve(best, TierEmbedding), nil
}

func (e *Engine) resolve(best map[string]float64, tier Tier) []Match {
	matches := make([]Match, 0, len(best))
	for id, score := range best {
		s, ok := e.index.ByID(id)
		if !ok {
			continue
		}
		matches = append(matches, Match{Snapshot: s, Score: score, Tier: tier})
	}
	sortMatches(matches)
	return matches
}

func (e *Engine) found(tier Tier, m []Match) []Match {
	metrics.MatchTierHits.WithLabelValues(tier.String()).Inc()
	return m
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		return ranksBefore(m[i].Score, m[i].Snapshot, m[j].Score, m[j].Snapshot)
	})
}

// ranksBefore is the ordering shared by every backend.
func ranksBefore(scoreA float64, a *Snapshot, scoreB float64, b *Snapshot) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if !a.CreatedDate.Equal(b.CreatedDate) {
		return a.CreatedDate.Before(b.CreatedDate)
	}
	return a.IDHash < b.IDHash
}

// IndexScanner is the brute-force Scanner over an in-memory Index.
type IndexScanner struct {
	index *Index
}

func (x *IndexScanner) Scan(ctx context.Context, field Field, q ScanQuery) ([]Hit, error) {
	scorer := vecmath.NewScorer(q.Vector)

	type scored struct {
		snapshot *Snapshot
		score    float64
	}
	var found []scored
	for i, s := range x.index.All() {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if s.IDHash == q.SkipID || s.IsBlacklisted(q.Exclude...) {
			continue
		}
		v := s.vector(field)
		if len(v) == 0 {
			continue
		}
		score, err := scorer.Percent(v)
		if err != nil {
			var mismatch vecmath.ErrDimensionMismatch
			if errors.As(err, &mismatch) {
				return nil, errs.NewMatchEngine(err.Error())
			}
			return nil, err
		}
		if score < q.Threshold {
			continue
		}
		found = append(found, scored{snapshot: s, score: score})
	}

	sort.SliceStable(found, func(i, j int) bool {
		return ranksBefore(found[i].score, found[i].snapshot, found[j].score, found[j].snapshot)
	})
	if q.Limit > 0 && len(found) > q.Limit {
		found = found[:q.Limit]
	}
	hits := make([]Hit, len(found))
	for i, f := range found {
		hits[i] = Hit{ID: f.snapshot.IDHash, Score: f.score}
	}
	return hits, nil
}
