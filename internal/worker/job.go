package worker

import (
	"time"

	"genie/internal/snapshot"
)

// Job is one unit of dispatchable work. It is owned by exactly one user.
type Job struct {
	IDHash            string    `json:"id_hash"`
	BaseHash          string    `json:"base_hash"`
	UserID            string    `json:"user_id"`
	UserEmail         string    `json:"user_email,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	Question          string    `json:"question"`
	QuestionGist      string    `json:"question_gist,omitempty"`
	LastQuestionAsked string    `json:"last_question_asked"`
	Kind              Kind      `json:"job_type"`
	Args              string    `json:"args,omitempty"`
	CreatedDate       time.Time `json:"created_date"`
	PushCounter       int64     `json:"push_counter"`

	// Set when the job reuses a cached answer.
	Snapshot   *snapshot.Snapshot `json:"snapshot,omitempty"`
	CacheHit   bool               `json:"cache_hit"`
	MatchScore float64            `json:"match_score,omitempty"`
	MatchTier  string             `json:"match_tier,omitempty"`
}

// Spec carries what a Builder needs to construct a Job.
type Spec struct {
	BaseHash          string
	UserID            string
	UserEmail         string
	SessionID         string
	Question          string
	QuestionGist      string
	LastQuestionAsked string
	Args              string
	Snapshot          *snapshot.Snapshot
	MatchScore        float64
	MatchTier         string
}

// Result is what an Executor produced for a job.
type Result struct {
	Answer               string
	AnswerConversational string
	Code                 []string
	CodeType             string
	ProgrammingLanguage  string
}

// FromSnapshot returns the cached answer carried by a cache-hit job.
func FromSnapshot(s *snapshot.Snapshot) Result {
	return Result{
		Answer:               s.Answer,
		AnswerConversational: s.AnswerConversational,
		Code:                 append([]string(nil), s.Code...),
		CodeType:             s.CodeType,
		ProgrammingLanguage:  s.ProgrammingLanguage,
	}
}

// Message is the text sent back to the user.
func (r Result) Message() string {
	if r.AnswerConversational != "" {
		return r.AnswerConversational
	}
	return r.Answer
}
