package curriculum

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document is the wire form of a course exchanged with authoring tools.
type Document struct {
	ID          string           `json:"id,omitempty"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Level       string           `json:"level,omitempty"`
	Duration    string           `json:"duration,omitempty"`
	Version     int              `json:"version,omitempty"`
	Modules     []ModuleDocument `json:"modules"`
}

// ModuleDocument is the wire form of a module.
type ModuleDocument struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Lessons []LessonDocument `json:"lessons"`
}

// LessonDocument is the wire form of a lesson. Payload fields are optional
// and only meaningful for the matching type.
type LessonDocument struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Type      string             `json:"type"`
	Duration  string             `json:"duration,omitempty"`
	VideoLink string             `json:"videoLink,omitempty"`
	Content   string             `json:"content,omitempty"`
	Questions []QuestionDocument `json:"questions,omitempty"`
}

// QuestionDocument is the wire form of a quiz question.
type QuestionDocument struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
}

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["modules"],
  "properties": {
    "id": {"type": "string"},
    "title": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "modules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "lessons"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "lessons": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "title", "type"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "title": {"type": "string"},
                "type": {"enum": ["video", "quiz", "text"]},
                "duration": {"type": "string"},
                "videoLink": {"type": "string"},
                "content": {"type": "string"},
                "questions": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["question", "options", "correctAnswer"],
                    "properties": {
                      "id": {"type": "string"},
                      "question": {"type": "string"},
                      "options": {"type": "array", "items": {"type": "string"}},
                      "correctAnswer": {"type": "integer"}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// DecodeDocument validates raw JSON against the curriculum document schema and
// converts it into a Course. courseID is used when the document omits its id.
func DecodeDocument(data []byte, courseID string) (Course, error) {
	result, err := gojsonschema.Validate(documentSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Course{}, fmt.Errorf("%w: %v", ErrInvalidCourse, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Course{}, fmt.Errorf("%w: %s", ErrInvalidCourse, strings.Join(msgs, "; "))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Course{}, fmt.Errorf("%w: %v", ErrInvalidCourse, err)
	}
	if doc.ID == "" {
		doc.ID = courseID
	}
	return FromDocument(doc)
}

// FromDocument converts the wire form into a Course, selecting the payload
// variant from the lesson type. Fields belonging to other variants are rejected.
func FromDocument(doc Document) (Course, error) {
	c := Course{
		ID:          doc.ID,
		Title:       doc.Title,
		Description: doc.Description,
		Category:    doc.Category,
		Level:       doc.Level,
		Duration:    doc.Duration,
		Version:     doc.Version,
		Modules:     make([]Module, 0, len(doc.Modules)),
	}

	for _, md := range doc.Modules {
		m := Module{
			ID:      md.ID,
			Title:   md.Title,
			Lessons: make([]Lesson, 0, len(md.Lessons)),
		}
		for _, ld := range md.Lessons {
			content, err := lessonContent(ld)
			if err != nil {
				return Course{}, err
			}
			m.Lessons = append(m.Lessons, Lesson{
				ID:       ld.ID,
				Title:    ld.Title,
				Duration: ld.Duration,
				Content:  content,
			})
		}
		c.Modules = append(c.Modules, m)
	}
	return c, nil
}

func lessonContent(ld LessonDocument) (Content, error) {
	switch LessonKind(ld.Type) {
	case KindVideo:
		if len(ld.Questions) > 0 {
			return nil, fmt.Errorf("%w: video lesson %q carries questions", ErrInvalidCourse, ld.ID)
		}
		return VideoContent{Link: ld.VideoLink}, nil
	case KindText:
		if len(ld.Questions) > 0 || ld.VideoLink != "" {
			return nil, fmt.Errorf("%w: text lesson %q carries video or quiz fields", ErrInvalidCourse, ld.ID)
		}
		return TextContent{Body: ld.Content}, nil
	case KindQuiz:
		if ld.VideoLink != "" {
			return nil, fmt.Errorf("%w: quiz lesson %q carries a video link", ErrInvalidCourse, ld.ID)
		}
		qs := make([]Question, 0, len(ld.Questions))
		for i, qd := range ld.Questions {
			id := qd.ID
			if id == "" {
				id = fmt.Sprintf("%s-q%d", ld.ID, i+1)
			}
			qs = append(qs, Question{
				ID:      id,
				Prompt:  qd.Question,
				Options: qd.Options,
				Correct: qd.CorrectAnswer,
			})
		}
		return QuizContent{Questions: qs}, nil
	default:
		return nil, fmt.Errorf("%w: lesson %q has unknown type %q", ErrInvalidCourse, ld.ID, ld.Type)
	}
}

// ToDocument converts a Course into its wire form.
func ToDocument(c Course) Document {
	doc := Document{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Category:    c.Category,
		Level:       c.Level,
		Duration:    c.Duration,
		Version:     c.Version,
		Modules:     make([]ModuleDocument, 0, len(c.Modules)),
	}
	for _, m := range c.Modules {
		md := ModuleDocument{
			ID:      m.ID,
			Title:   m.Title,
			Lessons: make([]LessonDocument, 0, len(m.Lessons)),
		}
		for _, l := range m.Lessons {
			ld := LessonDocument{
				ID:       l.ID,
				Title:    l.Title,
				Type:     string(l.Kind()),
				Duration: l.Duration,
			}
			switch content := l.Content.(type) {
			case VideoContent:
				ld.VideoLink = content.Link
			case TextContent:
				ld.Content = content.Body
			case QuizContent:
				for _, q := range content.Questions {
					ld.Questions = append(ld.Questions, QuestionDocument{
						ID:            q.ID,
						Question:      q.Prompt,
						Options:       q.Options,
						CorrectAnswer: q.Correct,
					})
				}
			}
			md.Lessons = append(md.Lessons, ld)
		}
		doc.Modules = append(doc.Modules, md)
	}
	return doc
}
