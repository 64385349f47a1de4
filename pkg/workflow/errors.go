package workflow

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nikogura/resume-workflow/pkg/generation"
	"github.com/nikogura/resume-workflow/pkg/session"
)

var (
	// ErrGenerationFailed means a section could not be generated within the retry policy.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrLengthConstraintUnsatisfiable means automatic adjustment could not bring a section within its target.
	ErrLengthConstraintUnsatisfiable = errors.New("length constraint unsatisfiable")
	// ErrInvalidTransition means the operation is not allowed in the section's or session's current state.
	ErrInvalidTransition = errors.New("invalid transition")
)

// FailureError reports a failed section operation with enough context for
// the caller to decide whether to retry, edit or override. errors.Is matches
// both Kind and the underlying cause.
type FailureError struct {
	Kind        error
	SectionID   session.SectionID
	Revision    int
	LastContent string
	Attempts    int
	Request     generation.Request
	Verdict     *session.LengthVerdict
	Cause       error
}

func (e *FailureError) Error() (msg string) {
	msg = fmt.Sprintf("%s: section %s at revision %d after %d attempt(s)", e.Kind, e.SectionID, e.Revision, e.Attempts)
	if e.Verdict != nil {
		msg += fmt.Sprintf(" (measured %.1f lines, target %.0f-%.0f)", e.Verdict.Measured, e.Verdict.Min, e.Verdict.Max)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the failure kind.
func (e *FailureError) Is(target error) (ok bool) {
	ok = target == e.Kind
	return ok
}

// Unwrap returns the underlying cause.
func (e *FailureError) Unwrap() (cause error) {
	cause = e.Cause
	return cause
}

func invalidTransition(format string, args ...interface{}) (err error) {
	err = errors.Wrapf(ErrInvalidTransition, format, args...)
	return err
}
