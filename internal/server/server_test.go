package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/notify"
	"github.com/p-n-ai/pai-learn/internal/platform/metrics"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
	"github.com/p-n-ai/pai-learn/internal/server"
	"github.com/p-n-ai/pai-learn/internal/syncer"
)

const courseJSON = `{
  "id": "go-101",
  "title": "Go Basics",
  "modules": [
    {"id": "A", "title": "Start", "lessons": [
      {"id": "L1", "title": "Intro", "type": "video", "videoLink": "https://example.com/1"},
      {"id": "L2", "title": "Notes", "type": "text", "content": "hello"}
    ]},
    {"id": "B", "title": "Check", "lessons": [
      {"id": "L3", "title": "Quiz", "type": "quiz", "questions": [
        {"id": "q1", "question": "?", "options": ["a", "b", "c", "d"], "correctAnswer": 1},
        {"id": "q2", "question": "?", "options": ["a", "b", "c", "d"], "correctAnswer": 2}
      ]}
    ]}
  ]
}`

type fakeCheck struct{ err error }

func (f fakeCheck) HealthCheck(context.Context) error { return f.err }

type testEnv struct {
	srv     *httptest.Server
	gw      *syncer.MemoryGateway
	catalog *curriculum.Catalog
	events  *progress.MemoryEventLogger
	hub     *notify.Hub
}

func newTestEnv(t *testing.T, checks map[string]server.HealthChecker) *testEnv {
	t.Helper()

	catalog := curriculum.NewCatalog(nil)
	course, err := curriculum.DecodeDocument([]byte(courseJSON), "")
	if err != nil {
		t.Fatalf("DecodeDocument() error = %v", err)
	}
	if _, err := catalog.Replace(t.Context(), course); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	gw := syncer.NewMemoryGateway()
	env := &testEnv{
		gw:      gw,
		catalog: catalog,
		events:  progress.NewMemoryEventLogger(),
		hub:     notify.NewHub(),
	}
	s := server.New(server.Config{
		Catalog: catalog,
		Sync: syncer.New(gw, syncer.Config{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		}),
		Policy: quiz.DefaultPolicy(),
		Events: env.events,
		Hub:    env.hub,
		Checks: checks,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, learner string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if learner != "" {
		req.Header.Set("X-Learner-ID", learner)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response error = %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]server.HealthChecker
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"healthy", map[string]server.HealthChecker{"database": fakeCheck{}}, http.StatusOK},
		{"failing", map[string]server.HealthChecker{
			"database": fakeCheck{},
			"cache":    fakeCheck{err: errors.New("dial tcp: refused")},
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.checks)
			resp := env.do(t, http.MethodGet, "/readyz", "", nil, nil)
			expectStatus(t, resp, tt.want)
		})
	}
}

func TestCourses_ListAndGet(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/api/courses", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[[]map[string]any](t, resp)
	if len(list) != 1 || list[0]["id"] != "go-101" || list[0]["lessons"] != float64(3) {
		t.Errorf("courses = %v", list)
	}

	resp = env.do(t, http.MethodGet, "/api/courses/go-101", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	doc := decode[curriculum.Document](t, resp)
	if doc.Version != 1 || len(doc.Modules) != 2 || doc.Modules[1].Lessons[0].Questions[1].CorrectAnswer != 2 {
		t.Errorf("document = %+v", doc)
	}

	resp = env.do(t, http.MethodGet, "/api/courses/nope", "", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestCourses_Put(t *testing.T) {
	updated := strings.Replace(courseJSON, `"title": "Go Basics"`, `"title": "Go Basics", "version": 1`, 1)
	stale := strings.Replace(courseJSON, `"title": "Go Basics"`, `"title": "Go Basics", "version": 7`, 1)
	badQuiz := strings.Replace(courseJSON, `"correctAnswer": 2`, `"correctAnswer": 9`, 1)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"replace", "/api/courses/go-101", updated, http.StatusOK},
		{"new course", "/api/courses/go-102", strings.Replace(courseJSON, `"id": "go-101"`, `"id": "go-102"`, 1), http.StatusOK},
		{"stale version", "/api/courses/go-101", stale, http.StatusConflict},
		{"schema violation", "/api/courses/go-101", `{"modules": [{"id": "A"}]}`, http.StatusUnprocessableEntity},
		{"malformed quiz", "/api/courses/go-101", badQuiz, http.StatusUnprocessableEntity},
		{"id mismatch", "/api/courses/other", courseJSON, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			resp := env.do(t, http.MethodPut, tt.path, "", strings.NewReader(tt.body),
				http.Header{"Content-Type": {"application/json"}})
			expectStatus(t, resp, tt.want)
		})
	}
}

func TestCourses_PutKeepsPreviousOnFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPut, "/api/courses/go-101", "", strings.NewReader(`{"modules": "x"}`), nil)
	expectStatus(t, resp, http.StatusUnprocessableEntity)

	tree, err := env.catalog.Get("go-101")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tree.Len() != 3 || tree.Course().Version != 1 {
		t.Errorf("tree changed after rejected replace: len=%d version=%d", tree.Len(), tree.Course().Version)
	}
}

func TestCourses_PutWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(curriculum.SheetLessons); err != nil {
		t.Fatalf("NewSheet() error = %v", err)
	}
	rows := [][]any{
		{"module_id", "module_title", "lesson_id", "lesson_title", "type"},
		{"M1", "One", "s1", "Intro", "text"},
		{"M1", "One", "s2", "More", "video"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		if err := f.SetSheetRow(curriculum.SheetLessons, cell, &r); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPut, "/api/courses/sheets-1", "", &buf, http.Header{
		"Content-Type": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	})
	expectStatus(t, resp, http.StatusOK)

	tree, err := env.catalog.Get("sheets-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tree.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tree.Len())
	}
}

func TestProgress_Flow(t *testing.T) {
	env := newTestEnv(t, nil)
	post := func(lesson string) *http.Response {
		body := `{"courseId":"go-101","lessonId":"` + lesson + `","status":"completed"}`
		return env.do(t, http.MethodPost, "/api/progress", "learner-1", strings.NewReader(body), nil)
	}

	expectStatus(t, post("L3"), http.StatusConflict)

	resp := post("L1")
	expectStatus(t, resp, http.StatusOK)
	got := decode[struct {
		Transition progress.Transition         `json:"transition"`
		Progress   progress.EnrollmentProgress `json:"progress"`
		Synced     bool                        `json:"synced"`
	}](t, resp)
	if got.Transition.Unlocked != "L2" || !got.Synced || got.Progress.Percent != 33 {
		t.Errorf("response = %+v", got)
	}

	expectStatus(t, post("L1"), http.StatusOK)
	if env.gw.Writes() != 1 {
		t.Errorf("Writes() = %d, want 1 after repeated completion", env.gw.Writes())
	}

	resp = env.do(t, http.MethodGet, "/api/courses/go-101/progress", "learner-1", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	completion := decode[syncer.CompletionResponse](t, resp)
	if len(completion.CompletedLessons) != 1 || completion.CompletedLessons[0] != "L1" {
		t.Errorf("completedLessons = %v", completion.CompletedLessons)
	}

	resp = env.do(t, http.MethodGet, "/api/courses/go-101/state", "learner-1", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	state := decode[struct {
		Progress progress.EnrollmentProgress `json:"progress"`
		Lessons  []progress.LessonView       `json:"lessons"`
	}](t, resp)
	want := []progress.LessonState{progress.StateCompleted, progress.StateAvailable, progress.StateLocked}
	if len(state.Lessons) != len(want) {
		t.Fatalf("lessons = %+v", state.Lessons)
	}
	for i, lv := range state.Lessons {
		if lv.State != want[i] {
			t.Errorf("lesson %s state = %q, want %q", lv.LessonID, lv.State, want[i])
		}
	}

	if n := len(env.events.OfType(progress.EventLessonCompleted)); n != 1 {
		t.Errorf("lesson_completed events = %d, want 1", n)
	}
}

func TestProgress_EmptyRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/api/courses/go-101/progress", "learner-9", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"completedLessons":[]`) {
		t.Errorf("body = %s, want an empty list", body)
	}
}

func TestProgress_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		learner string
		body    string
		want    int
	}{
		{"missing learner", "", `{"courseId":"go-101","lessonId":"L1"}`, http.StatusUnauthorized},
		{"unknown field", "learner-1", `{"courseId":"go-101","lessonId":"L1","grade":"A"}`, http.StatusBadRequest},
		{"missing lesson", "learner-1", `{"courseId":"go-101"}`, http.StatusBadRequest},
		{"bad status", "learner-1", `{"courseId":"go-101","lessonId":"L1","status":"started"}`, http.StatusBadRequest},
		{"unknown course", "learner-1", `{"courseId":"nope","lessonId":"L1"}`, http.StatusNotFound},
		{"unknown lesson", "learner-1", `{"courseId":"go-101","lessonId":"L9"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			resp := env.do(t, http.MethodPost, "/api/progress", tt.learner, strings.NewReader(tt.body), nil)
			expectStatus(t, resp, tt.want)
		})
	}
}

func TestProgress_RemoteDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.FailNext(2, errors.New("connection refused"))

	resp := env.do(t, http.MethodGet, "/api/courses/go-101/state", "learner-1", nil, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
}

func TestProgress_WriteQueuedWhileRemoteDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.FailNext(100, errors.New("connection refused"))

	body := `{"courseId":"go-101","lessonId":"L1","status":"completed"}`
	resp := env.do(t, http.MethodPost, "/api/progress", "learner-1", strings.NewReader(body), nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[struct {
		Transition progress.Transition `json:"transition"`
		Synced     bool                `json:"synced"`
		Stale      bool                `json:"stale"`
	}](t, resp)
	if got.Synced || !got.Stale || got.Transition.To != progress.StatePendingSync {
		t.Errorf("response = %+v, want a stale pending-sync completion", got)
	}
	if env.gw.Writes() != 0 {
		t.Errorf("Writes() = %d, want 0 while the store is down", env.gw.Writes())
	}
}

func TestSubmitQuiz(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"L1", "L2"} {
		body := `{"courseId":"go-101","lessonId":"` + id + `"}`
		expectStatus(t, env.do(t, http.MethodPost, "/api/progress", "learner-1", strings.NewReader(body), nil), http.StatusOK)
	}

	resp := env.do(t, http.MethodPost, "/api/courses/go-101/lessons/L2/quiz", "learner-1",
		strings.NewReader(`{"answers":[1]}`), nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodPost, "/api/courses/go-101/lessons/L3/quiz", "learner-1",
		strings.NewReader(`{"answers":[1,null]}`), nil)
	expectStatus(t, resp, http.StatusOK)
	got := decode[map[string]any](t, resp)
	if got["score"] != float64(1) || got["total"] != float64(2) || got["percent"] != float64(50) {
		t.Errorf("response = %v", got)
	}
	if got["completed"] != true {
		t.Errorf("completed = %v, want true with the default policy", got["completed"])
	}

	if score, ok := env.gw.Score("learner-1", "go-101", "L3"); !ok || score != 50 {
		t.Errorf("remote score = %d, %v; want 50", score, ok)
	}
	if n := len(env.events.OfType(progress.EventCourseCompleted)); n != 1 {
		t.Errorf("course_completed events = %d, want 1", n)
	}

	resp = env.do(t, http.MethodGet, "/api/courses/go-101/progress", "learner-1", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	completion := decode[syncer.CompletionResponse](t, resp)
	if len(completion.Scores) != 1 || completion.Scores["L3"] != 50 {
		t.Errorf("scores = %v, want map[L3:50]", completion.Scores)
	}
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := t.Context()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws?learner=learner-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	deadline := time.Now().Add(2 * time.Second)
	for !env.hub.HasChannel("learner-1") {
		if time.Now().After(deadline) {
			t.Fatal("websocket channel was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	body := `{"courseId":"go-101","lessonId":"L1"}`
	expectStatus(t, env.do(t, http.MethodPost, "/api/progress", "learner-1", strings.NewReader(body), nil), http.StatusOK)

	var ev progress.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("wsjson.Read() error = %v", err)
	}
	if ev.EventType != progress.EventLessonCompleted || ev.LessonID != "L1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocket_RequiresLearner(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/api/ws", "", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	env := newTestEnv(t, nil)
	expectStatus(t, env.do(t, http.MethodGet, "/healthz", "", nil, nil), http.StatusOK)

	resp := env.do(t, http.MethodGet, "/metrics", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "learn_http_request_duration_seconds") {
		t.Error("metrics output should include request durations")
	}
}

// A second instance can use this server as its remote completion store.
func TestHTTPGateway_AgainstServer(t *testing.T) {
	env := newTestEnv(t, nil)
	gw := syncer.NewHTTPGateway(env.srv.URL, syncer.WithHTTPClient(env.srv.Client()))
	cred := syncer.Credential{LearnerID: "learner-1", Token: "t0k3n"}

	if err := gw.RecordCompletion(t.Context(), cred, syncer.NewWriteRequest("go-101", "L1")); err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}
	resp, err := gw.FetchCompletion(t.Context(), cred, "go-101")
	if err != nil {
		t.Fatalf("FetchCompletion() error = %v", err)
	}
	if len(resp.CompletedLessons) != 1 || resp.CompletedLessons[0] != "L1" {
		t.Errorf("CompletedLessons = %v", resp.CompletedLessons)
	}

	err = gw.RecordCompletion(t.Context(), cred, syncer.NewWriteRequest("go-101", "L3"))
	if err == nil || syncer.IsRetryable(err) {
		t.Errorf("locked lesson error = %v, want terminal", err)
	}
}
