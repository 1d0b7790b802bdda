package syncer

import (
	"context"
	"sort"
	"sync"
)

// MemoryGateway is an in-process completion store for tests and local runs.
type MemoryGateway struct {
	mu       sync.Mutex
	sets     map[string]map[string]struct{}
	scores   map[string]int
	writes   int
	failures []error
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		sets:   make(map[string]map[string]struct{}),
		scores: make(map[string]int),
	}
}

// FailNext makes the next n calls fail with err.
func (g *MemoryGateway) FailNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for range n {
		g.failures = append(g.failures, err)
	}
}

// Writes returns the number of write calls that reached the store.
func (g *MemoryGateway) Writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}

// Score returns the stored quiz score of a lesson.
func (g *MemoryGateway) Score(learnerID, courseID, lessonID string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.scores[completionKey(learnerID, courseID)+"/"+lessonID]
	return s, ok
}

func (g *MemoryGateway) RecordCompletion(ctx context.Context, cred Credential, req WriteRequest) error {
	if err := cred.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}
	if err := req.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}
	if err := ctx.Err(); err != nil {
		return classify("record", req.CourseID, req.LessonID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popFailure(); err != nil {
		return transient("record", req.CourseID, req.LessonID, err)
	}

	g.writes++
	key := completionKey(cred.LearnerID, req.CourseID)
	set, ok := g.sets[key]
	if !ok {
		set = make(map[string]struct{})
		g.sets[key] = set
	}
	set[req.LessonID] = struct{}{}
	if req.Score != nil {
		g.scores[key+"/"+req.LessonID] = *req.Score
	}
	return nil
}

func (g *MemoryGateway) FetchCompletion(ctx context.Context, cred Credential, courseID string) (CompletionResponse, error) {
	if err := cred.Validate(); err != nil {
		return CompletionResponse{}, terminal("fetch", courseID, "", err)
	}
	if err := ctx.Err(); err != nil {
		return CompletionResponse{}, classify("fetch", courseID, "", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.popFailure(); err != nil {
		return CompletionResponse{}, transient("fetch", courseID, "", err)
	}

	key := completionKey(cred.LearnerID, courseID)
	set := g.sets[key]
	resp := CompletionResponse{CompletedLessons: make([]string, 0, len(set))}
	for id := range set {
		resp.CompletedLessons = append(resp.CompletedLessons, id)
		if score, ok := g.scores[key+"/"+id]; ok {
			if resp.Scores == nil {
				resp.Scores = make(map[string]int)
			}
			resp.Scores[id] = score
		}
	}
	sort.Strings(resp.CompletedLessons)
	return resp, nil
}

func (g *MemoryGateway) popFailure() error {
	if len(g.failures) == 0 {
		return nil
	}
	err := g.failures[0]
	g.failures = g.failures[1:]
	return err
}

func completionKey(learnerID, courseID string) string {
	return learnerID + "/" + courseID
}
