package curriculum

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a course or lesson identifier is absent.
	ErrNotFound = errors.New("not found")
	// ErrMalformedQuiz is returned for questions whose answer key cannot be scored.
	ErrMalformedQuiz = errors.New("malformed quiz")
	// ErrInvalidCourse is returned for structural problems in a course tree.
	ErrInvalidCourse = errors.New("invalid course")
)

const minQuestionOptions = 2

// Validate checks the structural invariants of a course. It is meant to run
// at authoring time so that evaluation never sees a broken quiz.
func Validate(c Course) error {
	if normalizeID(c.ID) == "" {
		return fmt.Errorf("%w: course id is required", ErrInvalidCourse)
	}

	modules := make(map[string]bool, len(c.Modules))
	lessons := make(map[string]bool)

	for mi, m := range c.Modules {
		mid := normalizeID(m.ID)
		if mid == "" {
			return fmt.Errorf("%w: module %d has no id", ErrInvalidCourse, mi)
		}
		if modules[mid] {
			return fmt.Errorf("%w: duplicate module id %q", ErrInvalidCourse, m.ID)
		}
		modules[mid] = true

		for li, l := range m.Lessons {
			lid := normalizeID(l.ID)
			if lid == "" {
				return fmt.Errorf("%w: lesson %d of module %q has no id", ErrInvalidCourse, li, m.ID)
			}
			if lessons[lid] {
				return fmt.Errorf("%w: duplicate lesson id %q", ErrInvalidCourse, l.ID)
			}
			lessons[lid] = true

			if err := validateLesson(l); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateLesson(l Lesson) error {
	if l.Content == nil {
		return fmt.Errorf("%w: lesson %q has no content", ErrInvalidCourse, l.ID)
	}

	quiz, ok := l.Content.(QuizContent)
	if !ok {
		return nil
	}
	if len(quiz.Questions) == 0 {
		return fmt.Errorf("%w: lesson %q has no questions", ErrMalformedQuiz, l.ID)
	}

	seen := make(map[string]bool, len(quiz.Questions))
	for i, q := range quiz.Questions {
		if err := ValidateQuestion(q); err != nil {
			return fmt.Errorf("lesson %q question %d: %w", l.ID, i, err)
		}
		if q.ID != "" {
			if seen[q.ID] {
				return fmt.Errorf("%w: lesson %q has duplicate question id %q", ErrMalformedQuiz, l.ID, q.ID)
			}
			seen[q.ID] = true
		}
	}
	return nil
}

// ValidateQuestion rejects degenerate questions and out-of-range answer keys.
func ValidateQuestion(q Question) error {
	if len(q.Options) < minQuestionOptions {
		return fmt.Errorf("%w: question %q has %d options, need at least %d",
			ErrMalformedQuiz, q.ID, len(q.Options), minQuestionOptions)
	}
	if q.Correct < 0 || q.Correct >= len(q.Options) {
		return fmt.Errorf("%w: question %q correct answer %d out of range [0,%d)",
			ErrMalformedQuiz, q.ID, q.Correct, len(q.Options))
	}
	return nil
}
