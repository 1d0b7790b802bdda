package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/p-n-ai/pai-learn/internal/platform/metrics"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
)

// Config controls the retry budget and the failure strategy.
type Config struct {
	MaxAttempts int           // attempts per write including the first (default 3)
	BaseDelay   time.Duration // first retry delay (default 200ms)
	MaxDelay    time.Duration // retry delay cap (default 2s)
	// RollbackOnFailure makes callers revert the optimistic completion when
	// the retry budget is spent. When false the write is queued for Flush.
	RollbackOnFailure bool
}

// PendingWrite is a completion write waiting for a successful retry.
type PendingWrite struct {
	Credential Credential
	Request    WriteRequest
	Attempts   int
	LastError  string
	QueuedAt   time.Time
}

type pendingKey struct {
	learnerID string
	courseID  string
	lessonID  string
}

// Synchronizer wraps a Gateway with bounded retries, per learner and course
// write serialization and a queue of writes that ran out of retries. It also
// keeps the last record seen for each learner and course.
type Synchronizer struct {
	gateway Gateway
	cfg     Config
	locks   keyedMutex

	mu        sync.Mutex
	queue     map[pendingKey]*PendingWrite
	snapshots map[string]*progress.CompletionRecord
}

// New creates a synchronizer over the given gateway.
func New(gateway Gateway, cfg Config) *Synchronizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Synchronizer{
		gateway:   gateway,
		cfg:       cfg,
		queue:     make(map[pendingKey]*PendingWrite),
		snapshots: make(map[string]*progress.CompletionRecord),
	}
}

// RollbackOnFailure reports the configured failure strategy.
func (s *Synchronizer) RollbackOnFailure() bool {
	return s.cfg.RollbackOnFailure
}

// RecordCompletion writes a completion with retries. When the budget is spent
// on a retryable error the write is queued, unless RollbackOnFailure is set.
// The returned error is the last gateway error in both cases.
func (s *Synchronizer) RecordCompletion(ctx context.Context, cred Credential, req WriteRequest) error {
	if err := cred.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}
	if req.Status == "" {
		req.Status = StatusCompleted
	}
	if err := req.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}

	unlock := s.locks.Lock(completionKey(cred.LearnerID, req.CourseID))
	defer unlock()

	attempts, err := s.write(ctx, cred, req)
	key := pendingKey{cred.LearnerID, req.CourseID, req.LessonID}
	if err == nil {
		metrics.SyncWrites.WithLabelValues("ok").Inc()
		s.dequeue(key)
		s.remember(cred.LearnerID, req)
		return nil
	}

	if IsRetryable(err) && !s.cfg.RollbackOnFailure {
		metrics.SyncWrites.WithLabelValues("queued").Inc()
		s.enqueue(key, cred, req, attempts, err)
		slog.Warn("completion write queued",
			"learner_id", cred.LearnerID,
			"course_id", req.CourseID,
			"lesson_id", req.LessonID,
			"attempts", attempts,
			"error", err,
		)
		return err
	}

	metrics.SyncWrites.WithLabelValues("failed").Inc()
	slog.Error("completion write failed",
		"learner_id", cred.LearnerID,
		"course_id", req.CourseID,
		"lesson_id", req.LessonID,
		"attempts", attempts,
		"error", err,
	)
	return err
}

// FetchCompletion reads the remote completion record with retries. It does
// not include queued writes; see Pending.
func (s *Synchronizer) FetchCompletion(ctx context.Context, cred Credential, courseID string) (*progress.CompletionRecord, error) {
	if err := cred.Validate(); err != nil {
		return nil, terminal("fetch", courseID, "", err)
	}

	var resp CompletionResponse
	_, err := s.retry(ctx, "fetch", func() error {
		var err error
		resp, err = s.gateway.FetchCompletion(ctx, cred, courseID)
		return err
	})
	if err != nil {
		return nil, err
	}

	record := progress.NewCompletionRecord(resp.CompletedLessons...)
	for id, pct := range resp.Scores {
		record.SetScore(id, percentResult(pct), true)
	}
	s.mu.Lock()
	s.snapshots[completionKey(cred.LearnerID, courseID)] = record.Clone()
	s.mu.Unlock()
	return record, nil
}

// LastKnown returns a copy of the last record fetched or written for a
// learner in a course. It does not include queued writes.
func (s *Synchronizer) LastKnown(learnerID, courseID string) (*progress.CompletionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.snapshots[completionKey(learnerID, courseID)]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (s *Synchronizer) remember(learnerID string, req WriteRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := completionKey(learnerID, req.CourseID)
	record, ok := s.snapshots[key]
	if !ok {
		// Nothing fetched yet; a partial record would hide remote lessons.
		return
	}
	record.Add(req.LessonID)
	if req.Score != nil {
		record.SetScore(req.LessonID, percentResult(*req.Score), true)
	}
}

// percentResult holds a remote percentage until an engine rescales it to
// the quiz it belongs to.
func percentResult(pct int) quiz.Result {
	return quiz.Result{Score: pct, Total: 100}
}

// Pending returns the queued writes of one learner in one course, ordered by
// lesson id.
func (s *Synchronizer) Pending(learnerID, courseID string) []PendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingWrite
	for k, w := range s.queue {
		if k.learnerID == learnerID && k.courseID == courseID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.LessonID < out[j].Request.LessonID
	})
	return out
}

// PendingCount returns the total number of queued writes.
func (s *Synchronizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush retries every queued write once through the retry budget. It returns
// the number of writes that were confirmed.
func (s *Synchronizer) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := make([]PendingWrite, 0, len(s.queue))
	for _, w := range s.queue {
		batch = append(batch, *w)
	}
	s.mu.Unlock()

	flushed := 0
	var errs []error
	for _, w := range batch {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}
		key := pendingKey{w.Credential.LearnerID, w.Request.CourseID, w.Request.LessonID}

		unlock := s.locks.Lock(completionKey(key.learnerID, key.courseID))
		if !s.queued(key) {
			// Confirmed by a direct write since the batch was taken.
			unlock()
			continue
		}
		attempts, err := s.write(ctx, w.Credential, w.Request)
		switch {
		case err == nil:
			metrics.SyncWrites.WithLabelValues("flushed").Inc()
			s.dequeue(key)
			s.remember(key.learnerID, w.Request)
		case !IsRetryable(err):
			// Rejected writes are dropped from the queue.
			metrics.SyncWrites.WithLabelValues("failed").Inc()
			s.dequeue(key)
		default:
			s.requeueIfPresent(key, attempts, err)
		}
		unlock()

		if err == nil {
			flushed++
			continue
		}
		errs = append(errs, err)
	}

	if flushed > 0 || len(errs) > 0 {
		slog.Info("pending completions flushed",
			"flushed", flushed,
			"failed", len(errs),
			"remaining", s.PendingCount(),
		)
	}
	return flushed, errors.Join(errs...)
}

func (s *Synchronizer) write(ctx context.Context, cred Credential, req WriteRequest) (int, error) {
	return s.retry(ctx, "record", func() error {
		return s.gateway.RecordCompletion(ctx, cred, req)
	})
}

// retry runs op until it succeeds, fails with a non-retryable error or the
// attempt budget is spent. It returns the number of attempts made.
func (s *Synchronizer) retry(ctx context.Context, op string, fn func() error) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BaseDelay
	policy.MaxInterval = s.cfg.MaxDelay
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		slog.Debug("retrying sync call", "op", op, "attempt", attempts, "next", next, "error", err)
	})
	return attempts, err
}

// enqueue queues a write or replaces the request of the queued write for the
// same lesson. Fields the new request leaves unset keep their queued value.
func (s *Synchronizer) enqueue(key pendingKey, cred Credential, req WriteRequest, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.queue[key]
	if !ok {
		w = &PendingWrite{Credential: cred, Request: req, QueuedAt: time.Now()}
		s.queue[key] = w
	} else {
		if req.Score == nil {
			req.Score = w.Request.Score
		}
		if req.TimeSpent == nil {
			req.TimeSpent = w.Request.TimeSpent
		}
		w.Credential = cred
		w.Request = req
	}
	w.Attempts += attempts
	w.LastError = err.Error()
	metrics.SyncPending.Set(float64(len(s.queue)))
}

// requeueIfPresent records a failed retry of a queued write. A write that
// left the queue meanwhile stays out of it.
func (s *Synchronizer) requeueIfPresent(key pendingKey, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.queue[key]; ok {
		w.Attempts += attempts
		w.LastError = err.Error()
	}
}

func (s *Synchronizer) queued(key pendingKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue[key]
	return ok
}

func (s *Synchronizer) dequeue(key pendingKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, key)
	metrics.SyncPending.Set(float64(len(s.queue)))
}

// keyedMutex serializes work per key and drops idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
