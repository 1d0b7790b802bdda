package syncer_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/syncer"
)

func TestHTTPGateway_RecordCompletion(t *testing.T) {
	var got syncer.WriteRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/progress" {
			t.Errorf("request = %s %s, want POST /api/progress", r.Method, r.URL.Path)
		}
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gw := syncer.NewHTTPGateway(srv.URL+"/", syncer.WithHTTPClient(srv.Client()))
	score := 80
	req := syncer.NewWriteRequest("go-101", "L3")
	req.Score = &score

	if err := gw.RecordCompletion(t.Context(), learner(), req); err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}
	if got.CourseID != "go-101" || got.LessonID != "L3" || got.Status != "completed" {
		t.Errorf("body = %+v", got)
	}
	if got.Score == nil || *got.Score != 80 {
		t.Errorf("score = %v, want 80", got.Score)
	}
	if headers.Get("Authorization") != "Bearer t0k3n" {
		t.Errorf("Authorization = %q", headers.Get("Authorization"))
	}
	if headers.Get("X-Learner-ID") != "learner-1" {
		t.Errorf("X-Learner-ID = %q", headers.Get("X-Learner-ID"))
	}
	if headers.Get("Idempotency-Key") != syncer.IdempotencyKey("learner-1", "go-101", "L3") {
		t.Errorf("Idempotency-Key = %q", headers.Get("Idempotency-Key"))
	}
}

func TestHTTPGateway_FetchCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/courses/go-101/progress" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"completedLessons":["l1","l3"]}`))
	}))
	defer srv.Close()

	gw := syncer.NewHTTPGateway(srv.URL)
	resp, err := gw.FetchCompletion(t.Context(), learner(), "go-101")
	if err != nil {
		t.Fatalf("FetchCompletion() error = %v", err)
	}
	if len(resp.CompletedLessons) != 2 || resp.CompletedLessons[1] != "l3" {
		t.Errorf("CompletedLessons = %v", resp.CompletedLessons)
	}
}

func TestHTTPGateway_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
		wantNotFound  bool
	}{
		{"unavailable", http.StatusServiceUnavailable, true, false},
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"bad request", http.StatusBadRequest, false, false},
		{"conflict", http.StatusConflict, false, false},
		{"not found", http.StatusNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			gw := syncer.NewHTTPGateway(srv.URL)
			err := gw.RecordCompletion(t.Context(), learner(), syncer.NewWriteRequest("go-101", "L1"))
			if err == nil {
				t.Fatal("expected error")
			}
			if syncer.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v (err %v)", syncer.IsRetryable(err), tt.wantRetryable, err)
			}
			if errors.Is(err, curriculum.ErrNotFound) != tt.wantNotFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v", !tt.wantNotFound, tt.wantNotFound)
			}
		})
	}
}

func TestHTTPGateway_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gw := syncer.NewHTTPGateway(url)
	_, err := gw.FetchCompletion(t.Context(), learner(), "go-101")
	if !syncer.IsRetryable(err) {
		t.Errorf("FetchCompletion() error = %v, want retryable", err)
	}
}

func TestHTTPGateway_WithSynchronizer(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "warming up", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := syncer.New(syncer.NewHTTPGateway(srv.URL), fastConfig())
	if err := s.RecordCompletion(t.Context(), learner(), syncer.NewWriteRequest("go-101", "L1")); err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := syncer.IdempotencyKey("learner-1", "go-101", "L1")
	if a != syncer.IdempotencyKey("learner-1", "go-101", "L1") {
		t.Error("key should be stable")
	}
	if a == syncer.IdempotencyKey("learner-1", "go-10", "1L1") {
		t.Error("key should separate fields")
	}
	if len(a) != 32 {
		t.Errorf("len(key) = %d, want 32", len(a))
	}
}
