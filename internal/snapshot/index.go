package snapshot

import (
	"sync"
)

type indexEntry struct {
	score    float64
	snapshot *Snapshot
}

// Index holds the in-memory lookup tables shared by every backend: the
// normalized question key, the accepted synonyms and the accepted gists.
// It is single-writer, many-reader; readers see a consistent view.
type Index struct {
	mu         sync.RWMutex
	byQuestion map[string]*Snapshot
	byID       map[string]*Snapshot
	synonyms   map[string]indexEntry
	gists      map[string]indexEntry
	order      []*Snapshot
}

func NewIndex() *Index {
	return &Index{
		byQuestion: map[string]*Snapshot{},
		byID:       map[string]*Snapshot{},
		synonyms:   map[string]indexEntry{},
		gists:      map[string]indexEntry{},
	}
}

// Put inserts or replaces a snapshot. A replaced snapshot keeps its position
// in iteration order.
func (x *Index) Put(s *Snapshot) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.byQuestion[s.QuestionNormalized]; ok {
		x.unlink(prev)
		for i, o := range x.order {
			if o == prev {
				x.order[i] = s
				break
			}
		}
	} else {
		x.order = append(x.order, s)
	}
	x.link(s)
}

// Remove drops the snapshot stored under the normalized question.
func (x *Index) Remove(normalized string) (*Snapshot, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.byQuestion[normalized]
	if !ok {
		return nil, false
	}
	x.unlink(prev)
	delete(x.byQuestion, normalized)
	for i, o := range x.order {
		if o == prev {
			x.order = append(x.order[:i], x.order[i+1:]...)
			break
		}
	}
	return prev, true
}

func (x *Index) link(s *Snapshot) {
	x.byQuestion[s.QuestionNormalized] = s
	x.byID[s.IDHash] = s
	for q, score := range s.SynonymousQuestions {
		putBest(x.synonyms, q, indexEntry{score: score, snapshot: s})
	}
	if s.QuestionGist != "" {
		putBest(x.gists, s.QuestionGist, indexEntry{score: 100, snapshot: s})
	}
	for g, score := range s.SynonymousQuestionGists {
		putBest(x.gists, g, indexEntry{score: score, snapshot: s})
	}
}

// unlink removes the entries that point at s. Keys it shadowed fall back to
// the best remaining snapshot.
func (x *Index) unlink(s *Snapshot) {
	if x.byID[s.IDHash] == s {
		delete(x.byID, s.IDHash)
	}
	var lostSynonyms, lostGists []string
	for q, e := range x.synonyms {
		if e.snapshot == s {
			delete(x.synonyms, q)
			lostSynonyms = append(lostSynonyms, q)
		}
	}
	for g, e := range x.gists {
		if e.snapshot == s {
			delete(x.gists, g)
			lostGists = append(lostGists, g)
		}
	}
	if len(lostSynonyms) == 0 && len(lostGists) == 0 {
		return
	}
	for _, o := range x.order {
		if o == s {
			continue
		}
		for _, q := range lostSynonyms {
			if score, ok := o.SynonymousQuestions[q]; ok {
				putBest(x.synonyms, q, indexEntry{score: score, snapshot: o})
			}
		}
		for _, g := range lostGists {
			if o.QuestionGist == g {
				putBest(x.gists, g, indexEntry{score: 100, snapshot: o})
			}
			if score, ok := o.SynonymousQuestionGists[g]; ok {
				putBest(x.gists, g, indexEntry{score: score, snapshot: o})
			}
		}
	}
}

func putBest(m map[string]indexEntry, key string, e indexEntry) {
	if prev, ok := m[key]; ok && prev.score >= e.score {
		return
	}
	m[key] = e
}

func (x *Index) Get(normalized string) (*Snapshot, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.byQuestion[normalized]
	return s, ok
}

func (x *Index) ByID(id string) (*Snapshot, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.byID[id]
	return s, ok
}

func (x *Index) synonym(normalized string) (indexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.synonyms[normalized]
	return e, ok
}

func (x *Index) gist(gist string) (indexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.gists[gist]
	return e, ok
}

// All returns the snapshots in insertion order.
func (x *Index) All() []*Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]*Snapshot(nil), x.order...)
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.order)
}

// Reset empties the index.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byQuestion = map[string]*Snapshot{}
	x.byID = map[string]*Snapshot{}
	x.synonyms = map[string]indexEntry{}
	x.gists = map[string]indexEntry{}
	x.order = nil
}
