package progress

// LessonState is the position of a lesson in a learner's view of a course.
type LessonState string

const (
	StateLocked    LessonState = "locked"
	StateAvailable LessonState = "available"
	StateCompleted LessonState = "completed"
	// StatePendingSync is a local completion the remote store has not confirmed.
	StatePendingSync LessonState = "pending-sync"
)

// Done reports whether the lesson counts as completed locally.
func (s LessonState) Done() bool {
	return s == StateCompleted || s == StatePendingSync
}

// Status is the course-level enrollment status.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// StatusFor maps completion counts to an enrollment status. Counts are used
// rather than the rounded percentage so that 199 of 200 lessons is not
// reported as completed.
func StatusFor(done, total int) Status {
	switch {
	case total <= 0 || done <= 0:
		return StatusNotStarted
	case done >= total:
		return StatusCompleted
	default:
		return StatusInProgress
	}
}

// EnrollmentProgress is derived from the completion record and never stored.
type EnrollmentProgress struct {
	Completed int    `json:"completed"`
	Pending   int    `json:"pending"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	Status    Status `json:"status"`
}

// LessonView pairs a lesson id with its current state.
type LessonView struct {
	LessonID string      `json:"lessonId"`
	ModuleID string      `json:"moduleId"`
	Title    string      `json:"title"`
	Kind     string      `json:"type"`
	State    LessonState `json:"state"`
}
