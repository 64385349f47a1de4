package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nikogura/resume-workflow/pkg/renderer"
	"github.com/nikogura/resume-workflow/pkg/session"
	"github.com/nikogura/resume-workflow/pkg/workflow"
)

// reviewer walks one session through every section, reading decisions from in.
type reviewer struct {
	controller *workflow.Controller
	in         *bufio.Reader
	out        io.Writer
	spin       bool
}

func newReviewer(controller *workflow.Controller, in io.Reader, out io.Writer, spin bool) (r *reviewer) {
	reader, ok := in.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(in)
	}
	r = &reviewer{controller: controller, in: reader, out: out, spin: spin}
	return r
}

// run starts a session and reviews each section in order. A zero handle with
// a nil error means the session was abandoned or a section rejected.
func (r *reviewer) run(ctx context.Context, job session.JobContext, blocks []session.CandidateBlock, k int) (handle renderer.Handle, sessionID string, err error) {
	var s *session.Session
	s, err = r.controller.Start(ctx, job, blocks, k)
	if err != nil {
		return handle, sessionID, err
	}
	sessionID = s.ID

	fmt.Fprintf(r.out, "\nSelected projects:\n")
	for i, b := range s.Blocks {
		fmt.Fprintf(r.out, "  %d. %s\n", i+1, b.Title)
	}

	for _, id := range session.Order() {
		var approved bool
		approved, err = r.review(ctx, sessionID, id)
		if err != nil || !approved {
			return handle, sessionID, err
		}
	}

	handle, err = r.controller.Finalize(ctx, sessionID)
	if err != nil {
		return handle, sessionID, err
	}

	fmt.Fprintf(r.out, "\nAll sections approved.\n")
	return handle, sessionID, err
}

// review drives one section until it is approved, rejected or the session ends.
func (r *reviewer) review(ctx context.Context, sessionID string, id session.SectionID) (approved bool, err error) {
	label := sectionLabel(id)

	var draft *session.SectionDraft
	var opErr error
	r.call("Generating "+label, func() {
		draft, opErr = r.controller.Generate(ctx, sessionID, id)
	})
	fresh := draft != nil

	for {
		if ctx.Err() != nil {
			r.abandon(sessionID)
			err = ctx.Err()
			return approved, err
		}

		if opErr != nil {
			r.explain(opErr)
		}
		if fresh {
			r.show(label, draft)
		}
		fresh = false

		if draft == nil {
			fmt.Fprintf(r.out, "[r]etry or [q]uit: ")
		} else {
			fmt.Fprintf(r.out, "[a]pprove, [o]verride length, [r]egenerate, [x] reject, [q]uit, or type feedback: ")
		}

		input, ok := r.readLine()
		if !ok {
			fmt.Fprintf(r.out, "\n")
			r.abandon(sessionID)
			return approved, err
		}

		var next *session.SectionDraft
		opErr = nil

		switch strings.ToLower(input) {
		case "":
			continue
		case "q", "quit":
			r.abandon(sessionID)
			return approved, err
		case "r", "regenerate":
			r.call("Regenerating "+label, func() {
				next, opErr = r.controller.Generate(ctx, sessionID, id)
			})
		case "a", "approve", "o", "override":
			if draft == nil {
				continue
			}
			override := strings.HasPrefix(strings.ToLower(input), "o")
			r.call("Checking length of "+label, func() {
				next, opErr = r.controller.Approve(ctx, sessionID, id, workflow.ApproveOptions{Override: override})
			})
			if opErr == nil {
				fmt.Fprintf(r.out, "Approved %s (revision %d).\n", label, next.RevisionNumber)
				approved = true
				return approved, err
			}
		case "x", "reject":
			if draft == nil {
				continue
			}
			_, opErr = r.controller.Reject(ctx, sessionID, id)
			if opErr == nil {
				fmt.Fprintf(r.out, "Rejected %s. The session cannot be finalized.\n", label)
				return approved, err
			}
		default:
			if draft == nil {
				continue
			}
			r.call("Revising "+label, func() {
				next, opErr = r.controller.Feedback(ctx, sessionID, id, input)
			})
		}

		if next != nil {
			fresh = draft == nil || next.RevisionNumber != draft.RevisionNumber
			draft = next
		}
	}
}

func (r *reviewer) show(label string, draft *session.SectionDraft) {
	fmt.Fprintf(r.out, "\n── %s (revision %d) ──\n%s\n", label, draft.RevisionNumber, draft.Content)
	if n := len(draft.Verdicts); n > 0 {
		v := draft.Verdicts[n-1]
		fmt.Fprintf(r.out, "Length: %.1f lines, target %.0f-%.0f (%s)\n", v.Measured, v.Min, v.Max, v.Verdict)
	}
	fmt.Fprintf(r.out, "\n")
}

func (r *reviewer) explain(err error) {
	var failure *workflow.FailureError
	switch {
	case errors.Is(err, workflow.ErrLengthConstraintUnsatisfiable) && errors.As(err, &failure) && failure.Verdict != nil:
		fmt.Fprintf(r.out, "Still %s after %d adjustments (%.1f lines, target %.0f-%.0f). Give feedback or approve with 'o'.\n",
			strings.ReplaceAll(string(failure.Verdict.Verdict), "_", " "), failure.Attempts, failure.Verdict.Measured, failure.Verdict.Min, failure.Verdict.Max)
	case errors.Is(err, workflow.ErrGenerationFailed) && errors.As(err, &failure):
		fmt.Fprintf(r.out, "Generation failed after %d attempts: %v\n", failure.Attempts, failure.Cause)
	default:
		fmt.Fprintf(r.out, "Error: %v\n", err)
	}
}

func (r *reviewer) abandon(sessionID string) {
	err := r.controller.Abandon(context.Background(), sessionID)
	if err != nil {
		fmt.Fprintf(r.out, "Failed to abandon session: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "Session abandoned.\n")
}

// call runs fn behind a spinner unless spinning is off.
func (r *reviewer) call(message string, fn func()) {
	if !r.spin {
		fn()
		return
	}
	s := newSpinner(r.out, message)
	s.start()
	fn()
	s.stopSpinner()
}

func (r *reviewer) readLine() (line string, ok bool) {
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		return line, ok
	}
	line = strings.TrimSpace(line)
	ok = true
	return line, ok
}

func sectionLabel(id session.SectionID) (label string) {
	switch id {
	case session.SectionSummary:
		label = "resume summary"
	case session.SectionProjects:
		label = "resume projects"
	case session.SectionIntro:
		label = "cover letter intro"
	case session.SectionConclusion:
		label = "cover letter conclusion"
	case session.SectionBody:
		label = "cover letter body"
	default:
		label = string(id)
	}
	return label
}

func promptForInput(in *bufio.Reader, out io.Writer, fieldName string) (input string) {
	fmt.Fprintf(out, "Please enter %s: ", strings.ToLower(fieldName))

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return input
	}
	input = strings.TrimSpace(line)
	return input
}

// spinner provides a simple text-based progress indicator.
type spinner struct {
	out     io.Writer
	message string
	stop    chan bool
	done    chan bool
	mu      sync.Mutex
	active  bool
}

func newSpinner(out io.Writer, message string) (s *spinner) {
	s = &spinner{
		out:     out,
		message: message,
		stop:    make(chan bool),
		done:    make(chan bool),
	}
	return s
}

func (s *spinner) start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	go func() {
		chars := []string{"|", "/", "-", "\\"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		fmt.Fprintf(s.out, "%s ", s.message)
		for {
			select {
			case <-s.stop:
				// Clear the line and leave the cursor at its start.
				fmt.Fprintf(s.out, "\r%s\r", strings.Repeat(" ", len(s.message)+2))
				s.done <- true
				return
			case <-ticker.C:
				fmt.Fprintf(s.out, "\r%s %s", s.message, chars[i%len(chars)])
				i++
			}
		}
	}()
}

func (s *spinner) stopSpinner() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.stop <- true
	<-s.done

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}
