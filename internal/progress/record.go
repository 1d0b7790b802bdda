// Package progress implements the per-learner progression state machine:
// lesson unlock gating, completion tracking and progress percentage.
package progress

import (
	"math"
	"sort"
	"sync"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// CompletionRecord is the grow-only set of lessons a learner has completed in
// one course, plus the recorded score of each attempted quiz lesson.
type CompletionRecord struct {
	lessons map[string]struct{}
	scores  map[string]quiz.Result
	mu      sync.RWMutex
}

// NewCompletionRecord creates a record holding the given lesson ids.
func NewCompletionRecord(lessonIDs ...string) *CompletionRecord {
	r := &CompletionRecord{
		lessons: make(map[string]struct{}, len(lessonIDs)),
		scores:  make(map[string]quiz.Result),
	}
	for _, id := range lessonIDs {
		r.lessons[id] = struct{}{}
	}
	return r
}

// Add inserts a lesson id and reports whether it was new.
func (r *CompletionRecord) Add(lessonID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lessons[lessonID]; ok {
		return false
	}
	r.lessons[lessonID] = struct{}{}
	return true
}

// Has reports whether the lesson is in the record.
func (r *CompletionRecord) Has(lessonID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lessons[lessonID]
	return ok
}

// Len returns the number of completed lessons.
func (r *CompletionRecord) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lessons)
}

// IDs returns the completed lesson ids in sorted order.
func (r *CompletionRecord) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.lessons))
	for id := range r.lessons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Union adds every lesson and missing score of other to r and returns the ids
// that were new to r.
func (r *CompletionRecord) Union(other *CompletionRecord) []string {
	if other == nil || other == r {
		return nil
	}
	ids := other.IDs()
	other.mu.RLock()
	scores := make(map[string]quiz.Result, len(other.scores))
	for id, s := range other.scores {
		scores[id] = s
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	var added []string
	for _, id := range ids {
		if _, ok := r.lessons[id]; !ok {
			r.lessons[id] = struct{}{}
			added = append(added, id)
		}
	}
	for id, s := range scores {
		if _, ok := r.scores[id]; !ok {
			r.scores[id] = s
		}
	}
	return added
}

// SetScore records a quiz result. An existing score is replaced only when
// overwrite is true. It returns the score now stored.
func (r *CompletionRecord) SetScore(lessonID string, res quiz.Result, overwrite bool) quiz.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.scores[lessonID]; ok && !overwrite {
		return existing
	}
	r.scores[lessonID] = res
	return res
}

// Score returns the recorded quiz result for a lesson.
func (r *CompletionRecord) Score(lessonID string) (quiz.Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scores[lessonID]
	return s, ok
}

// Percentages returns the recorded score of each quiz lesson as a
// percentage, or nil when no quiz has been scored.
func (r *CompletionRecord) Percentages() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.scores) == 0 {
		return nil
	}
	out := make(map[string]int, len(r.scores))
	for id, s := range r.scores {
		out[id] = s.Percent()
	}
	return out
}

// Clone returns an independent copy of the record.
func (r *CompletionRecord) Clone() *CompletionRecord {
	c := NewCompletionRecord(r.IDs()...)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.scores {
		c.scores[id] = s
	}
	return c
}

// remove drops a lesson that was never confirmed remotely.
func (r *CompletionRecord) remove(lessonID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lessons, lessonID)
}

// Percentage returns round(100 * |record ∩ lessons| / |lessons|), clamped to
// [0,100]. A course without lessons is at 0.
func Percentage(record *CompletionRecord, lessons []curriculum.Lesson) int {
	if len(lessons) == 0 || record == nil {
		return 0
	}
	done := 0
	for _, l := range lessons {
		if record.Has(l.ID) {
			done++
		}
	}
	p := int(math.Round(100 * float64(done) / float64(len(lessons))))
	return min(max(p, 0), 100)
}
