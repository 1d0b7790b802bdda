package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

// SessionConfig holds what a session needs besides the synchronizer.
type SessionConfig struct {
	Tree       *curriculum.Tree
	Credential Credential
	Policy     quiz.Policy
	Events     progress.EventLogger
	// AllowStale lets Load start from the last known record when the
	// remote store cannot be reached, so writes can still be queued.
	AllowStale bool
}

// Session is one learner working through one course. Local transitions are
// applied first and then written to the remote store.
type Session struct {
	sync   *Synchronizer
	cred   Credential
	engine *progress.Engine
	stale  bool
}

// Load fetches the learner's remote record, folds in writes still queued
// locally and returns a session ready for transitions.
func Load(ctx context.Context, s *Synchronizer, cfg SessionConfig) (*Session, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("session tree is nil")
	}
	courseID := cfg.Tree.ID()

	stale := false
	record, err := s.FetchCompletion(ctx, cfg.Credential, courseID)
	if err != nil {
		if !cfg.AllowStale || !IsRetryable(err) {
			return nil, err
		}
		var ok bool
		if record, ok = s.LastKnown(cfg.Credential.LearnerID, courseID); !ok {
			record = progress.NewCompletionRecord()
		}
		stale = true
		slog.Warn("remote completion record unavailable, using last known state",
			"learner_id", cfg.Credential.LearnerID,
			"course_id", courseID,
			"lessons", record.Len(),
			"error", err,
		)
	}

	var pending []string
	for _, w := range s.Pending(cfg.Credential.LearnerID, courseID) {
		pending = append(pending, w.Request.LessonID)
		if w.Request.Score != nil {
			record.SetScore(w.Request.LessonID, percentResult(*w.Request.Score), true)
		}
	}

	engine, err := progress.NewEngine(progress.EngineConfig{
		Tree:      cfg.Tree,
		LearnerID: cfg.Credential.LearnerID,
		Record:    record,
		Policy:    cfg.Policy,
		Events:    cfg.Events,
		TrackSync: true,
		Pending:   pending,
	})
	if err != nil {
		return nil, err
	}
	return &Session{sync: s, cred: cfg.Credential, engine: engine, stale: stale}, nil
}

// Stale reports whether the session started without a fresh remote record.
func (s *Session) Stale() bool {
	return s.stale
}

// Engine exposes the session's state machine for reads.
func (s *Session) Engine() *progress.Engine {
	return s.engine
}

// Progress returns the enrollment progress.
func (s *Session) Progress() progress.EnrollmentProgress {
	return s.engine.Progress()
}

// Complete marks a lesson complete and persists it. A write that is queued
// for retry leaves the lesson in StatePendingSync without an error. A write
// that fails for good rolls the lesson back and returns the error.
func (s *Session) Complete(ctx context.Context, lessonID string) (progress.Transition, error) {
	return s.CompleteWithScore(ctx, lessonID, nil)
}

// CompleteWithScore is Complete for a write that carries a score reported
// by the caller. The score is only sent with a new completion.
func (s *Session) CompleteWithScore(ctx context.Context, lessonID string, score *int) (progress.Transition, error) {
	tr, err := s.engine.MarkComplete(lessonID)
	if err != nil {
		return tr, err
	}
	if tr.AlreadyCompleted {
		return tr, nil
	}
	return s.persist(ctx, tr, score)
}

// SubmitQuiz evaluates a quiz attempt and persists the completion it causes.
// A reattempt of a finished quiz that changes the recorded score writes the
// new score without touching the lesson state.
func (s *Session) SubmitQuiz(ctx context.Context, lessonID string, answers []*int) (progress.QuizOutcome, error) {
	out, err := s.engine.SubmitQuiz(lessonID, answers)
	if err != nil {
		return out, err
	}

	score := out.Recorded.Percent()
	if out.Transition == nil || out.Transition.AlreadyCompleted {
		if !out.ScoreChanged {
			return out, nil
		}
		lesson, err := s.engine.Tree().Lesson(lessonID)
		if err != nil {
			return out, err
		}
		state, err := s.engine.State(lesson.ID)
		if err != nil || !state.Done() {
			return out, err
		}
		return out, s.persistScore(ctx, lesson.ID, score)
	}

	var sent *int
	if out.ScoreChanged {
		sent = &score
	}
	tr, err := s.persist(ctx, *out.Transition, sent)
	out.Transition = &tr
	if err != nil {
		out.Completed = false
	}
	return out, err
}

// Refresh merges the latest remote record into the session.
func (s *Session) Refresh(ctx context.Context) error {
	record, err := s.sync.FetchCompletion(ctx, s.cred, s.engine.Tree().ID())
	if err != nil {
		return err
	}
	s.engine.Merge(record)
	return nil
}

func (s *Session) persist(ctx context.Context, tr progress.Transition, score *int) (progress.Transition, error) {
	req := NewWriteRequest(s.engine.Tree().ID(), tr.LessonID)
	req.Score = score

	err := s.sync.RecordCompletion(ctx, s.cred, req)
	if err == nil {
		// A concurrent Refresh may have confirmed the lesson already.
		if cerr := s.engine.Confirm(tr.LessonID); cerr != nil && !errors.Is(cerr, progress.ErrNotPending) {
			return tr, cerr
		}
		tr.To = progress.StateCompleted
		return tr, nil
	}

	if IsRetryable(err) && !s.sync.RollbackOnFailure() {
		slog.Warn("completion pending sync",
			"learner_id", s.cred.LearnerID,
			"course_id", req.CourseID,
			"lesson_id", req.LessonID,
		)
		return tr, nil
	}

	if rerr := s.engine.Rollback(tr.LessonID); rerr != nil {
		return tr, fmt.Errorf("rollback after %v: %w", err, rerr)
	}
	tr.To = progress.StateAvailable
	tr.Unlocked = ""
	tr.CourseCompleted = false
	return tr, err
}

// persistScore writes the new score of a lesson that is already done. The
// lesson stays done whatever the outcome.
func (s *Session) persistScore(ctx context.Context, lessonID string, score int) error {
	req := NewWriteRequest(s.engine.Tree().ID(), lessonID)
	req.Score = &score

	err := s.sync.RecordCompletion(ctx, s.cred, req)
	if err == nil {
		// The write also confirms a completion still pending sync.
		if cerr := s.engine.Confirm(lessonID); cerr != nil && !errors.Is(cerr, progress.ErrNotPending) {
			return cerr
		}
		return nil
	}
	if IsRetryable(err) && !s.sync.RollbackOnFailure() {
		slog.Warn("quiz score pending sync",
			"learner_id", s.cred.LearnerID,
			"course_id", req.CourseID,
			"lesson_id", req.LessonID,
			"score", score,
		)
		return nil
	}
	return err
}
