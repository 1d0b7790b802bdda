package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
)

const workbookContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type courseSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Level       string `json:"level,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Version     int    `json:"version"`
	Modules     int    `json:"modules"`
	Lessons     int    `json:"lessons"`
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	trees := s.catalog.All()
	out := make([]courseSummary, 0, len(trees))
	for _, t := range trees {
		c := t.Course()
		out = append(out, courseSummary{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			Category:    c.Category,
			Level:       c.Level,
			Duration:    c.Duration,
			Version:     c.Version,
			Modules:     len(c.Modules),
			Lessons:     t.Len(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	tree, err := s.catalog.Get(r.PathValue("courseID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, curriculum.ToDocument(tree.Course()))
}

// handlePutCourse replaces the whole course tree. The body is a curriculum
// document, or an xlsx workbook when sent with the spreadsheet content type.
func (s *Server) handlePutCourse(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("courseID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	var course curriculum.Course
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == workbookContentType {
		course, err = curriculum.ImportWorkbook(bytes.NewReader(body), courseID)
		if err == nil {
			course.Version = versionHeader(r)
		}
	} else {
		course, err = curriculum.DecodeDocument(body, courseID)
	}
	if err != nil {
		if !errors.Is(err, curriculum.ErrInvalidCourse) && !errors.Is(err, curriculum.ErrMalformedQuiz) {
			err = fmt.Errorf("%w: %w", curriculum.ErrInvalidCourse, err)
		}
		writeDomainError(w, err)
		return
	}
	if course.ID != courseID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("document id %q does not match path %q", course.ID, courseID))
		return
	}

	tree, err := s.catalog.Replace(r.Context(), course)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, curriculum.ToDocument(tree.Course()))
}

// versionHeader reads the expected version of a workbook upload from If-Match.
func versionHeader(r *http.Request) int {
	v, err := strconv.Atoi(strings.Trim(r.Header.Get("If-Match"), `" `))
	if err != nil {
		return 0
	}
	return v
}
