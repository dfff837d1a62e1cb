package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"genie/internal/errs"
	"genie/internal/normalize"
	"genie/internal/vecmath"
)

const pgBackend = "pgvector"

// PgVectorStore persists snapshots in PostgreSQL and delegates the embedding
// tier to pgvector's cosine distance operator.
type PgVectorStore struct {
	db     *sql.DB
	dims   int
	logger *slog.Logger
	now    func() time.Time

	index  *Index
	engine *Engine

	mu          sync.Mutex
	initialized atomic.Bool
}

func NewPgVectorStore(databaseURL string, dims int, logger *slog.Logger) (*PgVectorStore, error) {
	db, err := sql.Open("postgres", adjustDatabaseURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newPgVectorStore(db, dims, logger), nil
}

func newPgVectorStore(db *sql.DB, dims int, logger *slog.Logger) *PgVectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PgVectorStore{
		db:     db,
		dims:   dims,
		logger: logger.With("backend", pgBackend),
		now:    time.Now,
		index:  NewIndex(),
	}
	p.engine = NewEngine(p.index, p)
	return p
}

// adjustDatabaseURL disables TLS for local databases that did not ask for it.
func adjustDatabaseURL(databaseURL string) string {
	parsed, err := url.Parse(databaseURL)
	if err != nil || parsed.Scheme == "" {
		return databaseURL
	}
	values := parsed.Query()
	if values.Get("sslmode") != "" {
		return databaseURL
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		values.Set("sslmode", "disable")
		parsed.RawQuery = values.Encode()
		return parsed.String()
	}
	return databaseURL
}

func (p *PgVectorStore) Backend() string { return pgBackend }

func (p *PgVectorStore) initSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTableSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id_hash VARCHAR(64) PRIMARY KEY,
			question TEXT NOT NULL,
			question_normalized TEXT NOT NULL UNIQUE,
			question_gist TEXT NOT NULL DEFAULT '',
			last_question_asked TEXT NOT NULL DEFAULT '',
			answer TEXT NOT NULL DEFAULT '',
			answer_conversational TEXT NOT NULL DEFAULT '',
			code JSONB NOT NULL DEFAULT '[]',
			code_type VARCHAR(64) NOT NULL DEFAULT '',
			programming_language VARCHAR(64) NOT NULL DEFAULT '',
			job_type VARCHAR(64) NOT NULL DEFAULT '',
			question_embedding vector(%[1]d),
			gist_embedding vector(%[1]d),
			code_embedding vector(%[1]d),
			synonymous_questions JSONB NOT NULL DEFAULT '{}',
			synonymous_question_gists JSONB NOT NULL DEFAULT '{}',
			non_synonymous_questions TEXT[] NOT NULL DEFAULT '{}',
			runtime_stats JSONB NOT NULL DEFAULT '{}',
			created_date TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_date TIMESTAMP WITH TIME ZONE NOT NULL,
			run_date TIMESTAMP WITH TIME ZONE,
			deleted_at TIMESTAMP WITH TIME ZONE
		);
	`, p.dims)
	if _, err := p.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_snapshots_created_date ON snapshots(created_date, id_hash);",
		"CREATE INDEX IF NOT EXISTS idx_snapshots_non_synonymous ON snapshots USING GIN (non_synonymous_questions);",
	}
	for _, indexSQL := range indexes {
		if _, err := p.db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

const snapshotColumns = `id_hash, question, question_normalized, question_gist, last_question_asked,
	answer, answer_conversational, code, code_type, programming_language, job_type,
	question_embedding, gist_embedding, code_embedding,
	synonymous_questions, synonymous_question_gists, non_synonymous_questions, runtime_stats,
	created_date, updated_date, run_date`

// Initialize creates the schema if needed and loads live snapshots.
func (p *PgVectorStore) Initialize(ctx context.Context) (err error) {
	defer track(pgBackend, "initialize")(&err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized.Load() {
		return nil
	}

	if err := p.initSchema(ctx); err != nil {
		return err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE deleted_at IS NULL
		ORDER BY created_date ASC, id_hash ASC`)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	p.index.Reset()
	count := 0
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return err
		}
		p.index.Put(s)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	p.initialized.Store(true)
	p.logger.Info("snapshot store initialized", "snapshots", count, "dimensions", p.dims)
	return nil
}

// nullVector scans a nullable vector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src interface{}) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

func (n nullVector) slice() []float32 {
	if !n.valid {
		return nil
	}
	return n.vec.Slice()
}

func vectorArg(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	s := &Snapshot{}
	var (
		code, synonyms, gists, stats []byte
		questionVec, gistVec, codeVec nullVector
		runDate                       sql.NullTime
	)
	err := row.Scan(
		&s.IDHash,
		&s.Question,
		&s.QuestionNormalized,
		&s.QuestionGist,
		&s.LastQuestionAsked,
		&s.Answer,
		&s.AnswerConversational,
		&code,
		&s.CodeType,
		&s.ProgrammingLanguage,
		&s.JobType,
		&questionVec,
		&gistVec,
		&codeVec,
		&synonyms,
		&gists,
		pq.Array(&s.NonSynonymousQuestions),
		&stats,
		&s.CreatedDate,
		&s.UpdatedDate,
		&runDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	for _, field := range []struct {
		raw  []byte
		dest interface{}
	}{
		{code, &s.Code},
		{synonyms, &s.SynonymousQuestions},
		{gists, &s.SynonymousQuestionGists},
		{stats, &s.Stats},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.IDHash, err)
		}
	}
	s.QuestionEmbedding = questionVec.slice()
	s.GistEmbedding = gistVec.slice()
	s.CodeEmbedding = codeVec.slice()
	if runDate.Valid {
		s.RunDate = runDate.Time
	}
	s.canonicalize()
	return s, nil
}

func (p *PgVectorStore) checkDimensions(s *Snapshot) error {
	for _, v := range [][]float32{s.QuestionEmbedding, s.GistEmbedding, s.CodeEmbedding} {
		if len(v) != 0 && len(v) != p.dims {
			return errs.NewValidation(vecmath.ErrDimensionMismatch{Want: p.dims, Got: len(v)}.Error())
		}
	}
	return nil
}

func (p *PgVectorStore) Add(ctx context.Context, s *Snapshot) (stored *Snapshot, err error) {
	defer track(pgBackend, "add")(&err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized.Load() {
		return nil, errs.NewNotInitialized(pgBackend)
	}

	var prev *Snapshot
	if s != nil {
		prev, _ = p.index.Get(normalize.Normalize(s.Question))
	}
	next, err := upsert(s, prev, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.checkDimensions(next); err != nil {
		return nil, err
	}

	code, err := json.Marshal(next.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to encode code: %w", err)
	}
	synonyms, err := json.Marshal(next.SynonymousQuestions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode synonyms: %w", err)
	}
	gists, err := json.Marshal(next.SynonymousQuestionGists)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gist synonyms: %w", err)
	}
	stats, err := json.Marshal(next.Stats)
	if err != nil {
		return nil, fmt.Errorf("failed to encode runtime stats: %w", err)
	}
	var runDate interface{}
	if !next.RunDate.IsZero() {
		runDate = next.RunDate
	}

	query := `
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14,
			$15::jsonb, $16::jsonb, $17, $18::jsonb, $19, $20, $21)
		ON CONFLICT (question_normalized)
		DO UPDATE SET
			question = EXCLUDED.question,
			question_gist = EXCLUDED.question_gist,
			last_question_asked = EXCLUDED.last_question_asked,
			answer = EXCLUDED.answer,
			answer_conversational = EXCLUDED.answer_conversational,
			code = EXCLUDED.code,
			code_type = EXCLUDED.code_type,
			programming_language = EXCLUDED.programming_language,
			job_type = EXCLUDED.job_type,
			question_embedding = EXCLUDED.question_embedding,
			gist_embedding = EXCLUDED.gist_embedding,
			code_embedding = EXCLUDED.code_embedding,
			synonymous_questions = EXCLUDED.synonymous_questions,
			synonymous_question_gists = EXCLUDED.synonymous_question_gists,
			non_synonymous_questions = EXCLUDED.non_synonymous_questions,
			runtime_stats = EXCLUDED.runtime_stats,
			created_date = EXCLUDED.created_date,
			updated_date = EXCLUDED.updated_date,
			run_date = EXCLUDED.run_date,
			deleted_at = NULL
	`
	_, err = p.db.ExecContext(ctx, query,
		next.IDHash,
		next.Question,
		next.QuestionNormalized,
		next.QuestionGist,
		next.LastQuestionAsked,
		next.Answer,
		next.AnswerConversational,
		string(code),
		next.CodeType,
		next.ProgrammingLanguage,
		next.JobType,
		vectorArg(next.QuestionEmbedding),
		vectorArg(next.GistEmbedding),
		vectorArg(next.CodeEmbedding),
		string(synonyms),
		string(gists),
		pq.Array(next.NonSynonymousQuestions),
		string(stats),
		next.CreatedDate,
		next.UpdatedDate,
		runDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	p.index.Put(next)
	return next.Copy(), nil
}

// Delete tombstones the row; deletePhysical removes it.
func (p *PgVectorStore) Delete(ctx context.Context, question string, deletePhysical bool) (err error) {
	defer track(pgBackend, "delete")(&err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized.Load() {
		return errs.NewNotInitialized(pgBackend)
	}

	normalized := normalize.Normalize(question)
	existing, ok := p.index.Get(normalized)
	if !ok {
		return errs.NewNotFound(question)
	}

	if deletePhysical {
		_, err = p.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id_hash = $1`, existing.IDHash)
	} else {
		_, err = p.db.ExecContext(ctx, `UPDATE snapshots SET deleted_at = NOW() WHERE id_hash = $1`, existing.IDHash)
	}
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	p.index.Remove(normalized)
	p.logger.Info("snapshot deleted", "id_hash", existing.IDHash, "physical", deletePhysical)
	return nil
}

func (p *PgVectorStore) ready() error {
	if !p.initialized.Load() {
		return errs.NewNotInitialized(pgBackend)
	}
	return nil
}

func (p *PgVectorStore) Get(ctx context.Context, question string) (*Snapshot, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	s, ok := p.index.Get(normalize.Normalize(question))
	if !ok {
		return nil, errs.NewNotFound(question)
	}
	return s.Copy(), nil
}

func (p *PgVectorStore) Search(ctx context.Context, q Query) (matches []Match, err error) {
	defer track(pgBackend, "search")(&err)
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.engine.Search(ctx, q)
}

func (p *PgVectorStore) SearchCode(ctx context.Context, exemplar *Snapshot, threshold float64, limit int) (matches []Match, err error) {
	defer track(pgBackend, "search_code")(&err)
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.engine.SearchCode(ctx, exemplar, threshold, limit)
}

var scanColumns = map[Field]string{
	FieldQuestion: "question_embedding",
	FieldGist:     "gist_embedding",
	FieldCode:     "code_embedding",
}

// Scan runs the embedding tier in the database.
func (p *PgVectorStore) Scan(ctx context.Context, field Field, q ScanQuery) ([]Hit, error) {
	column, ok := scanColumns[field]
	if !ok {
		return nil, errs.NewMatchEngine(fmt.Sprintf("unknown embedding field %q", field))
	}
	if len(q.Vector) != p.dims {
		return nil, errs.NewMatchEngine(vecmath.ErrDimensionMismatch{Want: p.dims, Got: len(q.Vector)}.Error())
	}
	exclude := q.Exclude
	if exclude == nil {
		exclude = []string{}
	}

	query := fmt.Sprintf(`
		SELECT id_hash, score FROM (
			SELECT id_hash, created_date, (1 - (%[1]s <=> $1)) * 100 AS score
			FROM snapshots
			WHERE deleted_at IS NULL
			  AND %[1]s IS NOT NULL
			  AND NOT (non_synonymous_questions && $2::text[])
			  AND id_hash <> $3
		) scored
		WHERE score <> 'NaN'::float8
		ORDER BY score DESC, created_date ASC, id_hash ASC
		LIMIT $4
	`, column)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, query, pgvector.NewVector(q.Vector), pq.Array(exclude), q.SkipID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar snapshots: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if math.IsNaN(h.Score) || h.Score < q.Threshold {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search similar snapshots: %w", err)
	}
	return hits, nil
}

func (p *PgVectorStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: pgBackend, Initialized: p.initialized.Load(), StorageLocation: "snapshots"}

	if st.Initialized {
		indexStats(&st, p.index)
	} else {
		err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE deleted_at IS NULL`).Scan(&st.Snapshots)
		if err != nil && !isUndefinedTable(err) {
			return st, fmt.Errorf("failed to count snapshots: %w", err)
		}
	}

	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(pg_total_relation_size(to_regclass('snapshots')), 0)`).Scan(&st.StorageBytes)
	if err != nil {
		return st, fmt.Errorf("failed to read storage size: %w", err)
	}
	return st, nil
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}

func (p *PgVectorStore) HealthCheck(ctx context.Context) Health {
	h := Health{Backend: pgBackend, CheckedAt: p.now()}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.db.PingContext(pingCtx); err != nil {
		h.Status = Unhealthy
		h.Message = fmt.Sprintf("database is not reachable: %v", err)
		return h
	}
	if !p.initialized.Load() {
		h.Status = Degraded
		h.Message = "store is not initialized"
		return h
	}
	h.Status = Healthy
	return h
}

func (p *PgVectorStore) Close() error {
	return p.db.Close()
}
