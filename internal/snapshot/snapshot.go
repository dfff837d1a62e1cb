// Package snapshot persists previously answered questions and finds the ones
// that can answer a new question.
package snapshot

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"genie/internal/errs"
	"genie/internal/normalize"
)

// Snapshot is a durable record of one previously answered question.
// Stored snapshots are shared between readers; call Copy before mutating.
type Snapshot struct {
	IDHash               string `json:"id_hash"`
	Question             string `json:"question"`
	QuestionNormalized   string `json:"question_normalized"`
	QuestionGist         string `json:"question_gist"`
	LastQuestionAsked    string `json:"last_question_asked,omitempty"`
	Answer               string `json:"answer"`
	AnswerConversational string `json:"answer_conversational"`

	Code                []string `json:"code,omitempty"`
	CodeType            string   `json:"code_type,omitempty"`
	ProgrammingLanguage string   `json:"programming_language,omitempty"`
	JobType             string   `json:"job_type,omitempty"`

	QuestionEmbedding []float32 `json:"question_embedding,omitempty"`
	GistEmbedding     []float32 `json:"gist_embedding,omitempty"`
	CodeEmbedding     []float32 `json:"code_embedding,omitempty"`

	SynonymousQuestions     map[string]float64 `json:"synonymous_questions"`
	SynonymousQuestionGists map[string]float64 `json:"synonymous_question_gists"`
	NonSynonymousQuestions  []string           `json:"non_synonymous_questions"`

	CreatedDate time.Time    `json:"created_date"`
	UpdatedDate time.Time    `json:"updated_date"`
	RunDate     time.Time    `json:"run_date"`
	Stats       RuntimeStats `json:"runtime_stats"`
}

// RuntimeStats tracks how often and how expensively a snapshot was produced.
type RuntimeStats struct {
	Revision   int   `json:"revision"`
	RunCount   int   `json:"run_count"`
	LastRunMs  int64 `json:"last_run_ms"`
	TotalRunMs int64 `json:"total_run_ms"`
}

// HashQuestion returns the content-derived identifier for a normalized question.
func HashQuestion(normalized string) string {
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// Validate checks the invariants a snapshot must hold before it is persisted.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errs.NewValidation("snapshot is nil")
	}
	if strings.TrimSpace(s.Question) == "" {
		return errs.NewValidation("snapshot question cannot be empty")
	}
	return nil
}

// prepare fills derived fields. It must only be called on a private copy.
func (s *Snapshot) prepare(now time.Time) {
	if s.QuestionNormalized == "" {
		s.QuestionNormalized = normalize.Normalize(s.Question)
	}
	if s.IDHash == "" {
		s.IDHash = HashQuestion(s.QuestionNormalized)
	}
	if s.QuestionGist == "" {
		s.QuestionGist = s.QuestionNormalized
	}
	s.canonicalize()
	if s.CreatedDate.IsZero() {
		s.CreatedDate = now
	}
	s.UpdatedDate = now
}

// canonicalize restores the in-memory invariants of a decoded snapshot.
func (s *Snapshot) canonicalize() {
	s.QuestionGist = normalize.Normalize(s.QuestionGist)
	if s.SynonymousQuestions == nil {
		s.SynonymousQuestions = map[string]float64{}
	}
	if s.SynonymousQuestionGists == nil {
		s.SynonymousQuestionGists = map[string]float64{}
	}
	if s.NonSynonymousQuestions == nil {
		s.NonSynonymousQuestions = []string{}
	}
	sort.Strings(s.NonSynonymousQuestions)
}

// Copy returns a deep copy safe to mutate.
func (s *Snapshot) Copy() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Code = append([]string(nil), s.Code...)
	c.QuestionEmbedding = append([]float32(nil), s.QuestionEmbedding...)
	c.GistEmbedding = append([]float32(nil), s.GistEmbedding...)
	c.CodeEmbedding = append([]float32(nil), s.CodeEmbedding...)
	c.SynonymousQuestions = copyScores(s.SynonymousQuestions)
	c.SynonymousQuestionGists = copyScores(s.SynonymousQuestionGists)
	c.NonSynonymousQuestions = append([]string{}, s.NonSynonymousQuestions...)
	return &c
}

func copyScores(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AddSynonym records an alternate phrasing accepted at the given score.
// An existing entry keeps the higher score.
func (s *Snapshot) AddSynonym(question string, score float64) {
	if s.SynonymousQuestions == nil {
		s.SynonymousQuestions = map[string]float64{}
	}
	addScore(s.SynonymousQuestions, question, score)
}

// AddGistSynonym records an alternate gist accepted at the given score.
func (s *Snapshot) AddGistSynonym(gist string, score float64) {
	if s.SynonymousQuestionGists == nil {
		s.SynonymousQuestionGists = map[string]float64{}
	}
	addScore(s.SynonymousQuestionGists, gist, score)
}

func addScore(m map[string]float64, key string, score float64) {
	key = normalize.Normalize(key)
	if key == "" {
		return
	}
	if prev, ok := m[key]; !ok || score > prev {
		m[key] = score
	}
}

// AddNonSynonym blacklists a question for this snapshot.
func (s *Snapshot) AddNonSynonym(question string) {
	key := normalize.Normalize(question)
	if key == "" || s.IsBlacklisted(key) {
		return
	}
	s.NonSynonymousQuestions = append(s.NonSynonymousQuestions, key)
	sort.Strings(s.NonSynonymousQuestions)
	delete(s.SynonymousQuestions, key)
}

// IsBlacklisted reports whether any of the given phrasings was rejected for
// this snapshot.
func (s *Snapshot) IsBlacklisted(questions ...string) bool {
	for _, q := range questions {
		if q == "" {
			continue
		}
		i := sort.SearchStrings(s.NonSynonymousQuestions, q)
		if i < len(s.NonSynonymousQuestions) && s.NonSynonymousQuestions[i] == q {
			return true
		}
	}
	return false
}

// RecordRun folds one execution into the runtime stats.
func (s *Snapshot) RecordRun(elapsed time.Duration, at time.Time) {
	ms := elapsed.Milliseconds()
	s.Stats.RunCount++
	s.Stats.LastRunMs = ms
	s.Stats.TotalRunMs += ms
	s.RunDate = at
}
