package quiz

// Policy holds the caller-side decisions the evaluator leaves open.
type Policy struct {
	// PassThreshold is the minimum percentage to pass (0 means DefaultPassThreshold).
	PassThreshold int
	// RequirePassingScoreToComplete blocks lesson completion on a failed attempt.
	RequirePassingScoreToComplete bool
	// OverwriteScoreOnReattempt replaces the stored score with the latest
	// attempt. When false the first recorded score is kept.
	OverwriteScoreOnReattempt bool
}

// DefaultPolicy matches the permissive behaviour: any attempt may complete
// the lesson and the first score is kept.
func DefaultPolicy() Policy {
	return Policy{PassThreshold: DefaultPassThreshold}
}

func (p Policy) threshold() int {
	if p.PassThreshold <= 0 {
		return DefaultPassThreshold
	}
	return p.PassThreshold
}

// Passed reports whether r meets the pass threshold.
func (p Policy) Passed(r Result) bool {
	return r.Percent() >= p.threshold()
}

// AllowsCompletion reports whether an attempt with result r may mark the
// quiz lesson complete.
func (p Policy) AllowsCompletion(r Result) bool {
	return !p.RequirePassingScoreToComplete || p.Passed(r)
}
