package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/syncer"
)

const learnerHeader = "X-Learner-ID"

var errNoLearner = errors.New("missing " + learnerHeader + " header")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var se *syncer.SyncError
	switch {
	case errors.Is(err, errNoLearner), errors.Is(err, syncer.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, curriculum.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrLockedLesson), errors.Is(err, curriculum.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, curriculum.ErrInvalidCourse), errors.Is(err, curriculum.ErrMalformedQuiz):
		return http.StatusUnprocessableEntity
	case errors.Is(err, progress.ErrNotQuiz):
		return http.StatusBadRequest
	case errors.As(err, &se) && se.Retryable:
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, err)
}

// credential reads the learner identity and forwards any bearer token.
func credential(r *http.Request) (syncer.Credential, error) {
	learnerID := strings.TrimSpace(r.Header.Get(learnerHeader))
	if learnerID == "" {
		return syncer.Credential{}, errNoLearner
	}
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return syncer.Credential{LearnerID: learnerID, Token: strings.TrimSpace(token)}, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
