package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
	"github.com/p-n-ai/pai-learn/internal/syncer"
)

type stateResponse struct {
	CourseID string                      `json:"courseId"`
	Progress progress.EnrollmentProgress `json:"progress"`
	Lessons  []progress.LessonView       `json:"lessons"`
}

type completionResponse struct {
	Transition progress.Transition         `json:"transition"`
	Progress   progress.EnrollmentProgress `json:"progress"`
	Synced     bool                        `json:"synced"`
	Stale      bool                        `json:"stale,omitempty"`
}

type quizRequest struct {
	Answers []*int `json:"answers"`
}

type quizResponse struct {
	Score      int                         `json:"score"`
	Total      int                         `json:"total"`
	Percent    int                         `json:"percent"`
	Passed     bool                        `json:"passed"`
	Completed  bool                        `json:"completed"`
	Recorded   quiz.Result                 `json:"recorded"`
	Transition *progress.Transition        `json:"transition,omitempty"`
	Progress   progress.EnrollmentProgress `json:"progress"`
	Stale      bool                        `json:"stale,omitempty"`
}

// session loads the caller's session for a course. Write handlers pass
// allowStale so a completion can be queued while the store is down.
func (s *Server) session(r *http.Request, courseID string, allowStale bool) (*syncer.Session, error) {
	cred, err := credential(r)
	if err != nil {
		return nil, err
	}
	tree, err := s.catalog.Get(courseID)
	if err != nil {
		return nil, err
	}
	return syncer.Load(r.Context(), s.sync, syncer.SessionConfig{
		Tree:       tree,
		Credential: cred,
		Policy:     s.policy,
		Events:     s.events,
		AllowStale: allowStale,
	})
}

// handleGetProgress returns the confirmed completion record in the
// completion query wire shape.
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	cred, err := credential(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	record, err := s.sync.FetchCompletion(r.Context(), cred, r.PathValue("courseID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncer.CompletionResponse{
		CompletedLessons: record.IDs(),
		Scores:           record.Percentages(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseID")
	sess, err := s.session(r, courseID, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		CourseID: courseID,
		Progress: sess.Progress(),
		Lessons:  sess.Engine().States(),
	})
}

func (s *Server) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	var req syncer.WriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Status == "" {
		req.Status = syncer.StatusCompleted
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.session(r, req.CourseID, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tr, err := sess.CompleteWithScore(r.Context(), req.LessonID, req.Score)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{
		Transition: tr,
		Progress:   sess.Progress(),
		Synced:     tr.To != progress.StatePendingSync,
		Stale:      sess.Stale(),
	})
}

func (s *Server) handleSubmitQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	sess, err := s.session(r, r.PathValue("courseID"), true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := sess.SubmitQuiz(r.Context(), r.PathValue("lessonID"), req.Answers)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quizResponse{
		Score:      out.Attempt.Score,
		Total:      out.Attempt.Total,
		Percent:    out.Attempt.Percent(),
		Passed:     out.Passed,
		Completed:  out.Completed,
		Recorded:   out.Recorded,
		Transition: out.Transition,
		Progress:   sess.Progress(),
		Stale:      sess.Stale(),
	})
}

// handleWebSocket streams the learner's progress events. Browsers cannot set
// headers on the upgrade request, so the learner may also come from ?learner=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, errors.New("event stream is disabled"))
		return
	}
	learnerID := r.Header.Get(learnerHeader)
	if learnerID == "" {
		learnerID = r.URL.Query().Get("learner")
	}
	if learnerID == "" {
		writeDomainError(w, errNoLearner)
		return
	}
	s.hub.ServeWebSocket(w, r, learnerID, s.wsOpts)
}
