package syncer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
)

// HTTPGateway talks to a remote completion service over REST.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		g.client = client
	}
}

// NewHTTPGateway creates a gateway for the service at baseURL.
func NewHTTPGateway(baseURL string, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IdempotencyKey derives a stable key for one learner completing one lesson.
func IdempotencyKey(learnerID, courseID, lessonID string) string {
	sum := blake2b.Sum256([]byte(learnerID + "\x00" + courseID + "\x00" + lessonID))
	return hex.EncodeToString(sum[:16])
}

func (g *HTTPGateway) RecordCompletion(ctx context.Context, cred Credential, req WriteRequest) error {
	if err := cred.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}
	if err := req.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return terminal("record", req.CourseID, req.LessonID, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/progress", bytes.NewReader(body))
	if err != nil {
		return terminal("record", req.CourseID, req.LessonID, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", IdempotencyKey(cred.LearnerID, req.CourseID, req.LessonID))
	setCredential(httpReq, cred)

	_, err = g.do(httpReq, "record", req.CourseID, req.LessonID)
	return err
}

func (g *HTTPGateway) FetchCompletion(ctx context.Context, cred Credential, courseID string) (CompletionResponse, error) {
	if err := cred.Validate(); err != nil {
		return CompletionResponse{}, terminal("fetch", courseID, "", err)
	}

	endpoint := g.baseURL + "/api/courses/" + url.PathEscape(courseID) + "/progress"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CompletionResponse{}, terminal("fetch", courseID, "", fmt.Errorf("create request: %w", err))
	}
	setCredential(httpReq, cred)

	respBody, err := g.do(httpReq, "fetch", courseID, "")
	if err != nil {
		return CompletionResponse{}, err
	}

	var resp CompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return CompletionResponse{}, terminal("fetch", courseID, "", fmt.Errorf("unmarshal response: %w", err))
	}
	return resp, nil
}

func (g *HTTPGateway) do(req *http.Request, op, courseID, lessonID string) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classify(op, courseID, lessonID, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(op, courseID, lessonID, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	apiErr := fmt.Errorf("completion api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, terminal(op, courseID, lessonID, fmt.Errorf("%w: %w", curriculum.ErrNotFound, apiErr))
	case isRetryableStatus(resp.StatusCode):
		return nil, transient(op, courseID, lessonID, apiErr)
	default:
		return nil, terminal(op, courseID, lessonID, apiErr)
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return status >= 500
	}
}

func setCredential(req *http.Request, cred Credential) {
	req.Header.Set("X-Learner-ID", cred.LearnerID)
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
}
