package length

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// Estimator measures text in rendered lines for a layout. The document
// assembler supplies the implementation since only it knows the page geometry.
type Estimator interface {
	EstimateLines(layout Layout, text string) (lines float64, err error)
}

// Candidate is the text to measure.
type Candidate struct {
	Subject string
	Layout  Layout
	Text    string
}

// Evaluator computes length verdicts. It holds no state between calls.
type Evaluator struct {
	estimator Estimator
}

// NewEvaluator creates an evaluator over the given estimator.
func NewEvaluator(estimator Estimator) (evaluator *Evaluator) {
	evaluator = &Evaluator{estimator: estimator}
	return evaluator
}

// Evaluate measures candidate and classifies it against target.
func (e *Evaluator) Evaluate(candidate Candidate, target Target) (verdict session.LengthVerdict, err error) {
	if target.Min > target.Max {
		err = errors.Errorf("invalid target %s: min %.1f exceeds max %.1f", target.Name, target.Min, target.Max)
		return verdict, err
	}

	layout := candidate.Layout
	if layout == "" {
		layout = target.Layout
	}

	var measured float64
	measured, err = e.estimator.EstimateLines(layout, candidate.Text)
	if err != nil {
		err = errors.Wrapf(err, "failed to estimate %s", candidate.Subject)
		return verdict, err
	}

	verdict = Classify(candidate.Subject, measured, target)
	return verdict, err
}

// Classify turns a measurement into a verdict. Delta is the excess over Max
// (positive) or the deficit under Min (negative).
func Classify(subject string, measured float64, target Target) (verdict session.LengthVerdict) {
	verdict = session.LengthVerdict{
		Subject:  subject,
		Measured: measured,
		Min:      target.Min,
		Max:      target.Max,
		Verdict:  session.VerdictFits,
	}

	switch {
	case measured > target.Max:
		verdict.Verdict = session.VerdictTooLong
		verdict.Delta = measured - target.Max
	case measured < target.Min:
		verdict.Verdict = session.VerdictTooShort
		verdict.Delta = measured - target.Min
	}

	return verdict
}

// Compose builds the text a section is measured over for the given scope,
// pulling approved neighbours from the session.
func Compose(scope Scope, s *session.Session, candidate string) (text string) {
	switch scope {
	case ScopeResume:
		text = strings.Join([]string{
			"SUMMARY",
			s.ApprovedContent(session.SectionSummary),
			"",
			"PROJECTS",
			candidate,
		}, "\n")
	case ScopeCoverLetter:
		text = strings.Join([]string{
			s.ApprovedContent(session.SectionIntro),
			"",
			candidate,
			"",
			s.ApprovedContent(session.SectionConclusion),
		}, "\n")
	default:
		text = candidate
	}

	return text
}

// Instruction phrases a verdict as reviewer-style feedback for regeneration.
func Instruction(verdict session.LengthVerdict) (instruction string) {
	lines := int(math.Ceil(math.Abs(verdict.Delta)))
	if lines == 0 {
		lines = 1
	}

	unit := "lines"
	if lines == 1 {
		unit = "line"
	}

	switch verdict.Verdict {
	case session.VerdictTooLong:
		instruction = fmt.Sprintf("Shorten by about %d %s so the %s fits within %.0f-%.0f lines. Cut the least relevant detail first and keep every fact accurate.",
			lines, unit, verdict.Subject, verdict.Min, verdict.Max)
	case session.VerdictTooShort:
		instruction = fmt.Sprintf("Expand by about %d %s so the %s fills %.0f-%.0f lines. Add relevant detail from the source material only.",
			lines, unit, verdict.Subject, verdict.Min, verdict.Max)
	}

	return instruction
}
