// Package quiz scores submitted answers against quiz questions.
package quiz

import (
	"math"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
)

// DefaultPassThreshold is the percentage a learner needs to pass a quiz.
const DefaultPassThreshold = 70

// Result is the raw outcome of a quiz attempt.
type Result struct {
	Score int `json:"score"`
	Total int `json:"total"`
}

// Percent returns the score as a rounded percentage. An empty quiz scores 0.
func (r Result) Percent() int {
	if r.Total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(r.Score) / float64(r.Total)))
}

// FromPercent rebuilds a result out of total questions from a stored
// percentage. It is exact for quizzes of up to 100 questions.
func FromPercent(percent, total int) Result {
	if total <= 0 {
		return Result{}
	}
	score := int(math.Round(float64(percent) * float64(total) / 100))
	return Result{Score: min(max(score, 0), total), Total: total}
}

// Evaluate counts the positions where the selected option equals the
// question's correct option. A nil answer means unanswered and counts as
// incorrect, as do missing trailing answers and out-of-range selections.
// Answers beyond the number of questions are ignored.
func Evaluate(questions []curriculum.Question, answers []*int) Result {
	res := Result{Total: len(questions)}
	for i, q := range questions {
		if i >= len(answers) || answers[i] == nil {
			continue
		}
		if *answers[i] == q.Correct {
			res.Score++
		}
	}
	return res
}

// Answers builds an answer vector from plain indices. Negative values are
// treated as unanswered.
func Answers(selected ...int) []*int {
	out := make([]*int, len(selected))
	for i, s := range selected {
		if s < 0 {
			continue
		}
		v := s
		out[i] = &v
	}
	return out
}
