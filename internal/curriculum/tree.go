package curriculum

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Tree is a validated, read-only view of a course with a flattened lesson
// sequence and an identifier index built once at load time.
type Tree struct {
	course   Course
	flat     []Lesson
	index    map[string]int
	moduleOf []int
}

// NewTree validates c and builds its lesson index.
func NewTree(c Course) (*Tree, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}

	t := &Tree{
		course: c,
		index:  make(map[string]int),
	}
	for mi, m := range c.Modules {
		for _, l := range m.Lessons {
			t.index[normalizeID(l.ID)] = len(t.flat)
			t.flat = append(t.flat, l)
			t.moduleOf = append(t.moduleOf, mi)
		}
	}
	return t, nil
}

// Course returns the underlying course document.
func (t *Tree) Course() Course {
	return t.course
}

// ID returns the course identifier.
func (t *Tree) ID() string {
	return t.course.ID
}

// Flatten returns all lessons in module order, then lesson order.
func (t *Tree) Flatten() []Lesson {
	return append([]Lesson(nil), t.flat...)
}

// Len returns the number of lessons in the course.
func (t *Tree) Len() int {
	return len(t.flat)
}

// At returns the lesson at position i of the flattened sequence.
func (t *Tree) At(i int) (Lesson, bool) {
	if i < 0 || i >= len(t.flat) {
		return Lesson{}, false
	}
	return t.flat[i], true
}

// Index returns the flattened position of the lesson with the given id.
func (t *Tree) Index(id string) (int, error) {
	i, ok := t.index[normalizeID(id)]
	if !ok {
		return -1, fmt.Errorf("lesson %q in course %q: %w", id, t.course.ID, ErrNotFound)
	}
	return i, nil
}

// Lesson looks up a lesson by id.
func (t *Tree) Lesson(id string) (Lesson, error) {
	i, err := t.Index(id)
	if err != nil {
		return Lesson{}, err
	}
	return t.flat[i], nil
}

// Contains reports whether the course has a lesson with the given id.
func (t *Tree) Contains(id string) bool {
	_, ok := t.index[normalizeID(id)]
	return ok
}

// Module returns the module that holds the lesson with the given id.
func (t *Tree) Module(lessonID string) (Module, error) {
	i, err := t.Index(lessonID)
	if err != nil {
		return Module{}, err
	}
	return t.course.Modules[t.moduleOf[i]], nil
}

// Next returns the lesson after id. ok is false when id is the last lesson.
func (t *Tree) Next(id string) (next Lesson, ok bool, err error) {
	i, err := t.Index(id)
	if err != nil {
		return Lesson{}, false, err
	}
	next, ok = t.At(i + 1)
	return next, ok, nil
}

// Previous returns the lesson before id. ok is false when id is the first lesson.
func (t *Tree) Previous(id string) (prev Lesson, ok bool, err error) {
	i, err := t.Index(id)
	if err != nil {
		return Lesson{}, false, err
	}
	prev, ok = t.At(i - 1)
	return prev, ok, nil
}

// CanonicalID returns the stored form of a lesson id. Lookups accept any
// Unicode normalization of the same identifier.
func (t *Tree) CanonicalID(id string) (string, error) {
	i, err := t.Index(id)
	if err != nil {
		return "", err
	}
	return t.flat[i].ID, nil
}

func normalizeID(id string) string {
	return norm.NFC.String(id)
}
