package curriculum

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Sheet names of a course workbook.
const (
	SheetCourse    = "Course"
	SheetLessons   = "Lessons"
	SheetQuestions = "Questions"
)

// ImportWorkbook reads a course from an .xlsx workbook.
//
// The Course sheet holds key/value rows (id, title, description, category,
// level, duration). The Lessons sheet has a header row followed by one row per
// lesson in course order: module_id, module_title, lesson_id, lesson_title,
// type, duration, video_link, content. The Questions sheet has: lesson_id,
// question_id, question, correct_answer, then one column per option.
func ImportWorkbook(r io.Reader, courseID string) (Course, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Course{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	doc := Document{ID: courseID}

	if rows, err := f.GetRows(SheetCourse); err == nil {
		for _, row := range rows {
			if len(row) < 2 {
				continue
			}
			applyCourseField(&doc, strings.ToLower(strings.TrimSpace(row[0])), strings.TrimSpace(row[1]))
		}
	}

	lessonRows, err := f.GetRows(SheetLessons)
	if err != nil {
		return Course{}, fmt.Errorf("%w: workbook has no %s sheet", ErrInvalidCourse, SheetLessons)
	}

	moduleIdx := make(map[string]int)
	lessonPos := make(map[string][2]int)
	for i, row := range lessonRows {
		if i == 0 {
			continue // header
		}
		cell := func(n int) string {
			if n < len(row) {
				return strings.TrimSpace(row[n])
			}
			return ""
		}
		if cell(0) == "" && cell(2) == "" {
			continue
		}

		mid := cell(0)
		mi, ok := moduleIdx[mid]
		if !ok {
			mi = len(doc.Modules)
			moduleIdx[mid] = mi
			doc.Modules = append(doc.Modules, ModuleDocument{ID: mid, Title: cell(1)})
		}
		doc.Modules[mi].Lessons = append(doc.Modules[mi].Lessons, LessonDocument{
			ID:        cell(2),
			Title:     cell(3),
			Type:      strings.ToLower(cell(4)),
			Duration:  cell(5),
			VideoLink: cell(6),
			Content:   cell(7),
		})
		lessonPos[cell(2)] = [2]int{mi, len(doc.Modules[mi].Lessons) - 1}
	}

	questionRows, err := f.GetRows(SheetQuestions)
	if err == nil {
		for i, row := range questionRows {
			if i == 0 || len(row) < 4 {
				continue
			}
			lessonID := strings.TrimSpace(row[0])
			pos, ok := lessonPos[lessonID]
			if !ok {
				return Course{}, fmt.Errorf("%w: question row %d references unknown lesson %q", ErrInvalidCourse, i+1, lessonID)
			}
			correct, err := strconv.Atoi(strings.TrimSpace(row[3]))
			if err != nil {
				return Course{}, fmt.Errorf("%w: question row %d: correct_answer %q is not an index", ErrMalformedQuiz, i+1, row[3])
			}
			var options []string
			for _, opt := range row[4:] {
				if opt = strings.TrimSpace(opt); opt != "" {
					options = append(options, opt)
				}
			}
			lesson := &doc.Modules[pos[0]].Lessons[pos[1]]
			lesson.Questions = append(lesson.Questions, QuestionDocument{
				ID:            strings.TrimSpace(row[1]),
				Question:      strings.TrimSpace(row[2]),
				Options:       options,
				CorrectAnswer: correct,
			})
		}
	}

	return FromDocument(doc)
}

func applyCourseField(doc *Document, key, value string) {
	switch key {
	case "id":
		if value != "" {
			doc.ID = value
		}
	case "title":
		doc.Title = value
	case "description":
		doc.Description = value
	case "category":
		doc.Category = value
	case "level":
		doc.Level = value
	case "duration":
		doc.Duration = value
	}
}
