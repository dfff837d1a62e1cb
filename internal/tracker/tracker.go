// Package tracker derives job identities and records which user owns each job.
package tracker

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CompoundHash is the identity of a job: stable for one (question, user)
// pair and distinct across users.
func CompoundHash(baseHash, userID string) string {
	hash := sha256.Sum256([]byte(baseHash + ":" + userID))
	return fmt.Sprintf("%x", hash)
}

type Owner struct {
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email,omitempty"`
	AssociatedAt time.Time `json:"associated_at"`
}

// Tracker is the job to owning-user table. Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	owners map[string]Owner
	now    func() time.Time
}

func New() *Tracker {
	return &Tracker{owners: map[string]Owner{}, now: time.Now}
}

// Associate records the owner of a job. Re-associating the same job with the
// same user is a no-op; a job never changes owner.
func (t *Tracker) Associate(jobID, userID, userEmail string) error {
	if jobID == "" || userID == "" {
		return fmt.Errorf("job id and user id are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.owners[jobID]; ok {
		if existing.UserID != userID {
			return fmt.Errorf("job %s is already owned by another user", jobID)
		}
		return nil
	}
	t.owners[jobID] = Owner{UserID: userID, UserEmail: userEmail, AssociatedAt: t.now()}
	return nil
}

// UserForJob returns the owner of a job.
func (t *Tracker) UserForJob(jobID string) (Owner, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.owners[jobID]
	return o, ok
}

// Release forgets a finished job.
func (t *Tracker) Release(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.owners, jobID)
}

// JobsForUser lists a user's live jobs, sorted.
func (t *Tracker) JobsForUser(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var jobs []string
	for id, o := range t.owners {
		if o.UserID == userID {
			jobs = append(jobs, id)
		}
	}
	sort.Strings(jobs)
	return jobs
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners)
}
