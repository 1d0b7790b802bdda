// Package metrics holds the Prometheus collectors for progression and sync.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LessonTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learn_lesson_transitions_total",
			Help: "Lesson state transitions applied by the progression engine",
		},
		[]string{"to"},
	)

	CourseCompletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "learn_course_completions_total",
			Help: "Courses that reached 100% completion",
		},
	)

	QuizAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learn_quiz_attempts_total",
			Help: "Quiz submissions by outcome",
		},
		[]string{"result"},
	)

	SyncWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learn_sync_writes_total",
			Help: "Completion writes to the remote store by outcome",
		},
		[]string{"outcome"},
	)

	SyncPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "learn_sync_pending",
			Help: "Completion writes queued for retry",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "learn_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "route", "status"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			LessonTransitions,
			CourseCompletions,
			QuizAttempts,
			SyncWrites,
			SyncPending,
			RequestDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records request durations labelled by the matched route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
