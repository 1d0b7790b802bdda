package curriculum

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads course documents from the filesystem. Files ending in .yaml,
// .yml, .json or .xlsx are treated as one course each; the file name (without
// extension) is the course id when the document does not carry one.
type Loader struct {
	rootDir string
	courses map[string]Course
	mu      sync.RWMutex
}

// NewLoader creates a new curriculum loader and loads all content.
func NewLoader(rootDir string) (*Loader, error) {
	l := &Loader{
		rootDir: rootDir,
		courses: make(map[string]Course),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading curriculum: %w", err)
	}

	slog.Info("curriculum loaded", "courses", len(l.courses))
	return l, nil
}

// GetCourse returns a course by ID.
func (l *Loader) GetCourse(id string) (Course, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.courses[id]
	return c, ok
}

// AllCourses returns all loaded courses ordered by id.
func (l *Loader) AllCourses() []Course {
	l.mu.RLock()
	defer l.mu.RUnlock()
	courses := make([]Course, 0, len(l.courses))
	for _, c := range l.courses {
		courses = append(courses, c)
	}
	sort.Slice(courses, func(i, j int) bool { return courses[i].ID < courses[j].ID })
	return courses
}

func (l *Loader) loadAll() error {
	if _, err := os.Stat(l.rootDir); os.IsNotExist(err) {
		slog.Warn("curriculum directory missing", "path", l.rootDir)
		return nil
	}
	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".yaml", ".yml", ".json", ".xlsx":
			return l.loadCourse(path, ext)
		}
		return nil
	})
}

func (l *Loader) loadCourse(path, ext string) error {
	fallbackID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var (
		course Course
		err    error
	)
	switch ext {
	case ".xlsx":
		course, err = loadWorkbookFile(path, fallbackID)
	default:
		course, err = loadDocumentFile(path, ext, fallbackID)
	}
	if err != nil {
		slog.Warn("skipping invalid course file", "path", path, "error", err)
		return nil
	}

	if err := Validate(course); err != nil {
		slog.Warn("skipping invalid course", "path", path, "error", err)
		return nil
	}

	l.mu.Lock()
	l.courses[course.ID] = course
	l.mu.Unlock()

	return nil
}

func loadDocumentFile(path, ext, fallbackID string) (Course, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Course{}, err
	}

	if ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Course{}, fmt.Errorf("parse yaml: %w", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return Course{}, fmt.Errorf("convert yaml: %w", err)
		}
	}

	return DecodeDocument(data, fallbackID)
}

func loadWorkbookFile(path, fallbackID string) (Course, error) {
	f, err := os.Open(path)
	if err != nil {
		return Course{}, err
	}
	defer f.Close()
	return ImportWorkbook(f, fallbackID)
}
