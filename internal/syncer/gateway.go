// Package syncer reconciles a learner's local completion state with the
// remote completion store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StatusCompleted is the only status a completion write carries.
const StatusCompleted = "completed"

// ErrNoCredential is returned when a call is made without a learner identity.
var ErrNoCredential = errors.New("credential has no learner id")

// Credential identifies the learner a call is made for. It is passed
// explicitly to every gateway call.
type Credential struct {
	LearnerID string
	Token     string
}

// Validate checks that the credential names a learner.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.LearnerID) == "" {
		return ErrNoCredential
	}
	return nil
}

// WriteRequest is the completion write sent to the remote store.
type WriteRequest struct {
	CourseID  string `json:"courseId"`
	LessonID  string `json:"lessonId"`
	Status    string `json:"status"`
	TimeSpent *int   `json:"timeSpent,omitempty"`
	Score     *int   `json:"score,omitempty"`
}

// NewWriteRequest builds a completion write for one lesson.
func NewWriteRequest(courseID, lessonID string) WriteRequest {
	return WriteRequest{CourseID: courseID, LessonID: lessonID, Status: StatusCompleted}
}

// Validate checks the required fields of a write.
func (r WriteRequest) Validate() error {
	if r.CourseID == "" || r.LessonID == "" {
		return fmt.Errorf("courseId and lessonId are required")
	}
	if r.Status != StatusCompleted {
		return fmt.Errorf("unsupported status %q", r.Status)
	}
	return nil
}

// CompletionResponse is the remote answer to a completion query. Scores
// holds the stored quiz percentage of completed lessons that have one.
type CompletionResponse struct {
	CompletedLessons []string       `json:"completedLessons"`
	Scores           map[string]int `json:"scores,omitempty"`
}

// Gateway is the remote completion store. Writes must be set insertions:
// recording the same lesson twice leaves one entry. A write that carries a
// score replaces the stored score of the lesson.
type Gateway interface {
	RecordCompletion(ctx context.Context, cred Credential, req WriteRequest) error
	FetchCompletion(ctx context.Context, cred Credential, courseID string) (CompletionResponse, error)
}

// SyncError is a failure talking to the remote store. Retryable errors are
// retried within the synchronizer's budget; others are returned as is.
type SyncError struct {
	Op        string
	CourseID  string
	LessonID  string
	Retryable bool
	Err       error
}

func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString("sync ")
	b.WriteString(e.Op)
	if e.CourseID != "" {
		b.WriteString(" course=" + e.CourseID)
	}
	if e.LessonID != "" {
		b.WriteString(" lesson=" + e.LessonID)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a SyncError worth retrying.
func IsRetryable(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Retryable
}

func transient(op, courseID, lessonID string, err error) error {
	return &SyncError{Op: op, CourseID: courseID, LessonID: lessonID, Retryable: true, Err: err}
}

func terminal(op, courseID, lessonID string, err error) error {
	return &SyncError{Op: op, CourseID: courseID, LessonID: lessonID, Err: err}
}

// classify marks context cancellation as terminal and everything else as
// transient.
func classify(op, courseID, lessonID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return terminal(op, courseID, lessonID, err)
	}
	return transient(op, courseID, lessonID, err)
}
