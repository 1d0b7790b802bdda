package curriculum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrVersionConflict is returned when a replacement was authored against a
// stale version of the course document.
var ErrVersionConflict = errors.New("course version conflict")

// Repository persists course documents.
type Repository interface {
	SaveCourse(ctx context.Context, c Course) error
	LoadCourses(ctx context.Context) ([]Course, error)
}

// Catalog holds the current validated tree of every course. Courses are only
// ever replaced as a whole.
type Catalog struct {
	trees map[string]*Tree
	repo  Repository
	mu    sync.RWMutex
}

// NewCatalog creates a catalog. repo may be nil for an in-memory catalog.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{
		trees: make(map[string]*Tree),
		repo:  repo,
	}
}

// Load reads every stored course from the repository.
func (c *Catalog) Load(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	courses, err := c.repo.LoadCourses(ctx)
	if err != nil {
		return fmt.Errorf("load courses: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, course := range courses {
		tree, err := NewTree(course)
		if err != nil {
			slog.Warn("skipping stored course", "course_id", course.ID, "error", err)
			continue
		}
		c.trees[course.ID] = tree
	}
	return nil
}

// Get returns the tree for a course.
func (c *Catalog) Get(id string) (*Tree, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trees[id]
	if !ok {
		return nil, fmt.Errorf("course %q: %w", id, ErrNotFound)
	}
	return t, nil
}

// All returns every course tree ordered by course id.
func (c *Catalog) All() []*Tree {
	c.mu.RLock()
	defer c.mu.RUnlock()
	trees := make([]*Tree, 0, len(c.trees))
	for _, t := range c.trees {
		trees = append(trees, t)
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i].ID() < trees[j].ID() })
	return trees
}

// Replace validates course and stores it as the next version. A non-zero
// course.Version must match the stored version, otherwise ErrVersionConflict.
func (c *Catalog) Replace(ctx context.Context, course Course) (*Tree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := 0
	if existing, ok := c.trees[course.ID]; ok {
		current = existing.course.Version
	}
	if course.Version != 0 && course.Version != current {
		return nil, fmt.Errorf("course %q at version %d, got %d: %w",
			course.ID, current, course.Version, ErrVersionConflict)
	}
	course.Version = current + 1

	tree, err := NewTree(course)
	if err != nil {
		return nil, err
	}

	if c.repo != nil {
		if err := c.repo.SaveCourse(ctx, course); err != nil {
			return nil, fmt.Errorf("save course: %w", err)
		}
	}
	c.trees[course.ID] = tree

	slog.Info("course replaced", "course_id", course.ID, "version", course.Version, "lessons", tree.Len())
	return tree, nil
}

// Seed adds courses read from files. Courses already in the catalog keep
// their stored version. It returns the number of courses added.
func (c *Catalog) Seed(courses []Course) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, course := range courses {
		if _, ok := c.trees[course.ID]; ok {
			continue
		}
		tree, err := NewTree(course)
		if err != nil {
			slog.Warn("skipping seed course", "course_id", course.ID, "error", err)
			continue
		}
		c.trees[course.ID] = tree
		added++
	}
	return added
}
