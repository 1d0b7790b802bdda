package curriculum

// LessonKind identifies which payload a lesson carries.
type LessonKind string

const (
	KindVideo LessonKind = "video"
	KindText  LessonKind = "text"
	KindQuiz  LessonKind = "quiz"
)

// Valid reports whether k is one of the known lesson kinds.
func (k LessonKind) Valid() bool {
	switch k {
	case KindVideo, KindText, KindQuiz:
		return true
	}
	return false
}

// Course is a single versioned curriculum document.
type Course struct {
	ID          string
	Title       string
	Description string
	Category    string
	Level       string
	Duration    string
	Version     int
	Modules     []Module
}

// Module is an ordered group of lessons within a course.
type Module struct {
	ID      string
	Title   string
	Lessons []Lesson
}

// Lesson is one step of a course. Content holds the kind-specific payload.
type Lesson struct {
	ID       string
	Title    string
	Duration string
	Content  Content
}

// Kind returns the lesson kind derived from its payload.
func (l Lesson) Kind() LessonKind {
	if l.Content == nil {
		return ""
	}
	return l.Content.Kind()
}

// Questions returns the quiz questions, or nil for non-quiz lessons.
func (l Lesson) Questions() []Question {
	if q, ok := l.Content.(QuizContent); ok {
		return q.Questions
	}
	return nil
}

// Content is the payload of a lesson. Implemented only by VideoContent,
// TextContent and QuizContent.
type Content interface {
	Kind() LessonKind
	isContent()
}

// VideoContent is the payload of a video lesson.
type VideoContent struct {
	Link string
}

// TextContent is the payload of an article lesson.
type TextContent struct {
	Body string
}

// QuizContent is the payload of a quiz lesson.
type QuizContent struct {
	Questions []Question
}

func (VideoContent) Kind() LessonKind { return KindVideo }
func (TextContent) Kind() LessonKind  { return KindText }
func (QuizContent) Kind() LessonKind  { return KindQuiz }

func (VideoContent) isContent() {}
func (TextContent) isContent()  {}
func (QuizContent) isContent()  {}

// Question is a single multiple-choice quiz question.
// Correct is the zero-based index of the right option.
type Question struct {
	ID      string
	Prompt  string
	Options []string
	Correct int
}
