package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/platform/metrics"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

var (
	// ErrLockedLesson is returned when a locked lesson is marked complete.
	ErrLockedLesson = errors.New("lesson is locked")
	// ErrNotQuiz is returned when answers are submitted for a non-quiz lesson.
	ErrNotQuiz = errors.New("lesson is not a quiz")
	// ErrNotPending is returned when rolling back or confirming a lesson that
	// has no unconfirmed completion.
	ErrNotPending = errors.New("lesson has no pending completion")
)

// EngineConfig holds dependencies for the progression engine.
type EngineConfig struct {
	Tree      *curriculum.Tree
	LearnerID string
	Record    *CompletionRecord // nil starts from an empty record
	Policy    quiz.Policy
	Events    EventLogger
	// TrackSync puts new completions in StatePendingSync until Confirm is
	// called. When false completions are final immediately.
	TrackSync bool
	// Pending lists completions made earlier that the remote store has not
	// confirmed yet. They are added to the record in StatePendingSync.
	Pending []string
}

// Transition describes the effect of a MarkComplete call.
type Transition struct {
	LessonID         string      `json:"lessonId"`
	From             LessonState `json:"from"`
	To               LessonState `json:"to"`
	Unlocked         string      `json:"unlocked,omitempty"`
	CourseCompleted  bool        `json:"courseCompleted"`
	AlreadyCompleted bool        `json:"alreadyCompleted"`
}

// QuizOutcome is the result of a quiz submission.
type QuizOutcome struct {
	Attempt   quiz.Result `json:"attempt"`
	Recorded  quiz.Result `json:"recorded"`
	Passed    bool        `json:"passed"`
	Completed bool        `json:"completed"`

	// ScoreChanged is set when this attempt created or replaced the
	// recorded score.
	ScoreChanged bool        `json:"scoreChanged"`
	Transition   *Transition `json:"transition,omitempty"`
}

// Engine is the lesson state machine for one learner in one course.
type Engine struct {
	tree      *curriculum.Tree
	learnerID string
	record    *CompletionRecord
	policy    quiz.Policy
	events    EventLogger
	trackSync bool

	mu         sync.Mutex
	pending    map[string]struct{}
	courseDone bool
}

// NewEngine creates an engine whose states are derived from the record.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("engine tree is nil")
	}
	events := cfg.Events
	if events == nil {
		events = NopEventLogger{}
	}
	e := &Engine{
		tree:      cfg.Tree,
		learnerID: cfg.LearnerID,
		policy:    cfg.Policy,
		events:    events,
		trackSync: cfg.TrackSync,
		pending:   make(map[string]struct{}),
	}
	record := e.bind(cfg.Record)
	e.record = record
	for _, id := range cfg.Pending {
		canonical, err := e.tree.CanonicalID(id)
		if err != nil {
			slog.Warn("dropping pending completion for unknown lesson",
				"course_id", e.tree.ID(),
				"lesson_id", id,
			)
			continue
		}
		if record.Add(canonical) {
			e.pending[canonical] = struct{}{}
		}
	}
	e.courseDone = e.allDone()
	return e, nil
}

// Tree returns the curriculum the engine runs on.
func (e *Engine) Tree() *curriculum.Tree { return e.tree }

// Record returns a snapshot of the completion record.
func (e *Engine) Record() *CompletionRecord { return e.record.Clone() }

// State returns the current state of a lesson.
func (e *Engine) State(lessonID string) (LessonState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, err := e.tree.Index(lessonID)
	if err != nil {
		return "", err
	}
	return e.stateAt(i), nil
}

// States returns every lesson in flattened order with its state.
func (e *Engine) States() []LessonView {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := make([]LessonView, 0, e.tree.Len())
	for i := range e.tree.Len() {
		l := e.lessonAt(i)
		mod, _ := e.tree.Module(l.ID)
		views = append(views, LessonView{
			LessonID: l.ID,
			ModuleID: mod.ID,
			Title:    l.Title,
			Kind:     string(l.Kind()),
			State:    e.stateAt(i),
		})
	}
	return views
}

// Progress recomputes the enrollment progress from the record.
func (e *Engine) Progress() EnrollmentProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	lessons := e.tree.Flatten()
	done := 0
	pending := 0
	for _, l := range lessons {
		if !e.record.Has(l.ID) {
			continue
		}
		done++
		if _, ok := e.pending[l.ID]; ok {
			pending++
		}
	}
	return EnrollmentProgress{
		Completed: done,
		Pending:   pending,
		Total:     len(lessons),
		Percent:   Percentage(e.record, lessons),
		Status:    StatusFor(done, len(lessons)),
	}
}

// Pending returns the lesson ids awaiting remote confirmation, in flattened order.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for i := range e.tree.Len() {
		id := e.lessonAt(i).ID
		if _, ok := e.pending[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkComplete moves an available lesson to completed and unlocks its
// successor. Completing an already completed lesson is a no-op.
func (e *Engine) MarkComplete(lessonID string) (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markComplete(lessonID)
}

func (e *Engine) markComplete(lessonID string) (Transition, error) {
	i, err := e.tree.Index(lessonID)
	if err != nil {
		return Transition{}, err
	}
	id := e.lessonAt(i).ID
	from := e.stateAt(i)
	tr := Transition{LessonID: id, From: from}

	switch from {
	case StateLocked:
		return Transition{}, fmt.Errorf("mark %q complete: %w", id, ErrLockedLesson)
	case StateCompleted, StatePendingSync:
		tr.To = from
		tr.AlreadyCompleted = true
		return tr, nil
	}

	successorWasLocked := i+1 < e.tree.Len() && e.stateAt(i+1) == StateLocked

	e.record.Add(id)
	if e.trackSync {
		e.pending[id] = struct{}{}
	}
	tr.To = e.stateAt(i)
	metrics.LessonTransitions.WithLabelValues(string(tr.To)).Inc()
	e.emit(EventLessonCompleted, id, map[string]any{"state": string(tr.To)})

	if successorWasLocked {
		next := e.lessonAt(i + 1)
		tr.Unlocked = next.ID
		metrics.LessonTransitions.WithLabelValues(string(StateAvailable)).Inc()
		e.emit(EventLessonUnlocked, next.ID, nil)
	}

	if !e.courseDone && e.allDone() {
		e.courseDone = true
		tr.CourseCompleted = true
		metrics.CourseCompletions.Inc()
		e.emit(EventCourseCompleted, "", map[string]any{"lessons": e.tree.Len()})
	}

	slog.Info("lesson completed",
		"learner_id", e.learnerID,
		"course_id", e.tree.ID(),
		"lesson_id", id,
		"state", tr.To,
		"unlocked", tr.Unlocked,
	)
	return tr, nil
}

// SubmitQuiz scores the answers against a quiz lesson, records the score per
// the policy and completes the lesson when the policy allows it.
func (e *Engine) SubmitQuiz(lessonID string, answers []*int) (QuizOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.tree.Index(lessonID)
	if err != nil {
		return QuizOutcome{}, err
	}
	lesson := e.lessonAt(i)
	if lesson.Kind() != curriculum.KindQuiz {
		return QuizOutcome{}, fmt.Errorf("submit quiz %q: %w", lesson.ID, ErrNotQuiz)
	}
	if e.stateAt(i) == StateLocked {
		return QuizOutcome{}, fmt.Errorf("submit quiz %q: %w", lesson.ID, ErrLockedLesson)
	}

	attempt := quiz.Evaluate(lesson.Questions(), answers)
	prior, scored := e.record.Score(lesson.ID)
	out := QuizOutcome{
		Attempt:  attempt,
		Recorded: e.record.SetScore(lesson.ID, attempt, e.policy.OverwriteScoreOnReattempt),
		Passed:   e.policy.Passed(attempt),
	}
	out.ScoreChanged = !scored || out.Recorded != prior

	result := "failed"
	if out.Passed {
		result = "passed"
	}
	metrics.QuizAttempts.WithLabelValues(result).Inc()
	e.emit(EventQuizSubmitted, lesson.ID, map[string]any{
		"score":  attempt.Score,
		"total":  attempt.Total,
		"passed": out.Passed,
	})

	if !e.policy.AllowsCompletion(attempt) {
		return out, nil
	}
	tr, err := e.markComplete(lesson.ID)
	if err != nil {
		return out, err
	}
	out.Completed = true
	out.Transition = &tr
	return out, nil
}

// Confirm marks a pending completion as acknowledged by the remote store.
func (e *Engine) Confirm(lessonID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, err := e.tree.CanonicalID(lessonID)
	if err != nil {
		return err
	}
	if _, ok := e.pending[id]; !ok {
		return fmt.Errorf("confirm %q: %w", id, ErrNotPending)
	}
	delete(e.pending, id)
	metrics.LessonTransitions.WithLabelValues(string(StateCompleted)).Inc()
	return nil
}

// Rollback reverts a completion the remote store never confirmed. Confirmed
// completions cannot be removed.
func (e *Engine) Rollback(lessonID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, err := e.tree.CanonicalID(lessonID)
	if err != nil {
		return err
	}
	if _, ok := e.pending[id]; !ok {
		return fmt.Errorf("rollback %q: %w", id, ErrNotPending)
	}
	delete(e.pending, id)
	e.record.remove(id)
	if e.courseDone && !e.allDone() {
		e.courseDone = false
	}
	metrics.LessonTransitions.WithLabelValues(string(StateAvailable)).Inc()
	e.emit(EventCompletionReverted, id, nil)

	slog.Warn("lesson completion rolled back",
		"learner_id", e.learnerID,
		"course_id", e.tree.ID(),
		"lesson_id", id,
	)
	return nil
}

// Merge unions a remote record into the local one. Pending lessons present
// remotely become confirmed. It returns the lesson ids that were new locally.
func (e *Engine) Merge(remote *CompletionRecord) []string {
	if remote == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	remote = e.bind(remote)
	added := e.record.Union(remote)
	for id := range e.pending {
		if remote.Has(id) {
			delete(e.pending, id)
		}
	}
	if !e.courseDone && e.allDone() {
		// Completed elsewhere; the event was emitted by whoever finished it.
		e.courseDone = true
	}
	return added
}

// bind copies a record received from outside into the tree's terms: lesson
// ids take their stored normalization and scores are rescaled to the
// question count of their quiz. Ids the tree does not know are kept as is.
func (e *Engine) bind(in *CompletionRecord) *CompletionRecord {
	out := NewCompletionRecord()
	if in == nil {
		return out
	}
	for _, id := range in.IDs() {
		if canonical, err := e.tree.CanonicalID(id); err == nil {
			id = canonical
		}
		out.Add(id)
	}

	in.mu.RLock()
	defer in.mu.RUnlock()
	for id, res := range in.scores {
		lesson, err := e.tree.Lesson(id)
		if err != nil {
			out.scores[id] = res
			continue
		}
		if n := len(lesson.Questions()); n > 0 && res.Total != n {
			res = quiz.FromPercent(res.Percent(), n)
		}
		out.scores[lesson.ID] = res
	}
	return out
}

func (e *Engine) stateAt(i int) LessonState {
	id := e.lessonAt(i).ID
	if e.record.Has(id) {
		if _, ok := e.pending[id]; ok {
			return StatePendingSync
		}
		return StateCompleted
	}
	if i == 0 || e.record.Has(e.lessonAt(i-1).ID) {
		return StateAvailable
	}
	return StateLocked
}

func (e *Engine) allDone() bool {
	if e.tree.Len() == 0 {
		return false
	}
	for i := range e.tree.Len() {
		if !e.record.Has(e.lessonAt(i).ID) {
			return false
		}
	}
	return true
}

func (e *Engine) emit(eventType, lessonID string, data map[string]any) {
	err := e.events.LogEvent(Event{
		LearnerID: e.learnerID,
		CourseID:  e.tree.ID(),
		LessonID:  lessonID,
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Warn("failed to log progress event", "type", eventType, "error", err)
	}
}

func (e *Engine) lessonAt(i int) curriculum.Lesson {
	l, _ := e.tree.At(i)
	return l
}
