package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/generation"
	"github.com/nikogura/resume-workflow/pkg/length"
	"github.com/nikogura/resume-workflow/pkg/metrics"
	"github.com/nikogura/resume-workflow/pkg/renderer"
	"github.com/nikogura/resume-workflow/pkg/sections"
	"github.com/nikogura/resume-workflow/pkg/session"
)

// Selector picks the candidate blocks a session works from.
type Selector interface {
	Select(ctx context.Context, job session.JobContext, corpus []session.CandidateBlock, k int) (selected []session.CandidateBlock, err error)
}

// SectionGenerator produces a single attempt at a section.
type SectionGenerator interface {
	Generate(ctx context.Context, id session.SectionID, sc sections.Context, feedback string) (text string, req generation.Request, err error)
}

// LengthEvaluator classifies measured text against a target.
type LengthEvaluator interface {
	Evaluate(candidate length.Candidate, target length.Target) (verdict session.LengthVerdict, err error)
}

// Assembler lays approved sections out as documents.
type Assembler interface {
	Assemble(ctx context.Context, sections []session.ApprovedSection) (handle renderer.Handle, err error)
}

// RetryPolicy bounds generation retries within one operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts for transient failures.
	MaxAttempts int
	// ContentAttempts is the total number of attempts when the backend returns unusable content.
	ContentAttempts int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from one second.
func DefaultRetryPolicy() (p RetryPolicy) {
	p = RetryPolicy{
		MaxAttempts:     3,
		ContentAttempts: 2,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
	}
	return p
}

func (p RetryPolicy) backoff(attempt int) (d time.Duration) {
	d = p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Projects length loop bounds, in rendered lines.
const (
	// reserveBlocks is how many next-ranked blocks a session keeps for promotion.
	reserveBlocks = 2
	// minProjects is the floor the loop never drops the selection below.
	minProjects = 3
	// dropMargin is the excess beyond which whole blocks are dropped rather than rewritten.
	dropMargin = 8.0
)

// Options wires a Controller.
type Options struct {
	Store          session.Store
	Selector       Selector
	Generator      SectionGenerator
	Evaluator      LengthEvaluator
	Assembler      Assembler
	Rules          map[session.SectionID]length.Rule
	MaxAdjustments int
	Retry          RetryPolicy
	Logger         *zap.Logger
}

// ApproveOptions modifies an approval.
type ApproveOptions struct {
	// Override approves without the length check.
	Override bool
}

// Controller drives sessions through generation, review and approval. Each
// session is processed under its own lock; independent sessions proceed in
// parallel.
type Controller struct {
	store          session.Store
	selector       Selector
	generator      SectionGenerator
	evaluator      LengthEvaluator
	assembler      Assembler
	rules          map[session.SectionID]length.Rule
	maxAdjustments int
	retry          RetryPolicy
	logger         *zap.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	inflight  map[string]context.CancelFunc
	abandoned map[string]bool
}

// New creates a controller.
func New(opts Options) (c *Controller, err error) {
	switch {
	case opts.Store == nil:
		err = errors.New("session store is required")
	case opts.Selector == nil:
		err = errors.New("selector is required")
	case opts.Generator == nil:
		err = errors.New("section generator is required")
	case opts.Evaluator == nil:
		err = errors.New("length evaluator is required")
	case opts.Assembler == nil:
		err = errors.New("assembler is required")
	}
	if err != nil {
		return c, err
	}

	if opts.Rules == nil {
		opts.Rules = length.Rules(nil)
	}
	if opts.MaxAdjustments <= 0 {
		opts.MaxAdjustments = length.DefaultMaxAdjustments
	}
	defaults := DefaultRetryPolicy()
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Retry.ContentAttempts <= 0 {
		opts.Retry.ContentAttempts = defaults.ContentAttempts
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = defaults.BaseDelay
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = defaults.MaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c = &Controller{
		store:          opts.Store,
		selector:       opts.Selector,
		generator:      opts.Generator,
		evaluator:      opts.Evaluator,
		assembler:      opts.Assembler,
		rules:          opts.Rules,
		maxAdjustments: opts.MaxAdjustments,
		retry:          opts.Retry,
		logger:         opts.Logger,
		locks:          make(map[string]*sync.Mutex),
		inflight:       make(map[string]context.CancelFunc),
		abandoned:      make(map[string]bool),
	}
	return c, err
}

// Start selects the top-k blocks for the job and creates a session with every
// section Pending. The next-ranked blocks are kept in reserve for the
// projects length loop. A selection failure is fatal and nothing is stored.
func (c *Controller) Start(ctx context.Context, job session.JobContext, corpus []session.CandidateBlock, k int) (s *session.Session, err error) {
	if k <= 0 {
		err = errors.Errorf("k must be positive, got %d", k)
		return s, err
	}

	var ranked []session.CandidateBlock
	ranked, err = c.selector.Select(ctx, job, corpus, k+reserveBlocks)
	if err != nil {
		err = errors.Wrap(err, "project selection failed")
		return s, err
	}

	selected := ranked
	if len(ranked) > k {
		selected = ranked[:k]
	}

	s = session.New(job, selected)
	if len(ranked) > k {
		s.Reserve = append([]session.CandidateBlock{}, ranked[k:]...)
	}

	err = c.store.Save(ctx, s)
	if err != nil {
		err = errors.Wrap(err, "failed to save new session")
		return s, err
	}

	metrics.SessionsActive.Inc()
	c.logger.Info("session started", zap.String("session_id", s.ID), zap.Int("blocks", len(selected)), zap.Int("reserve", len(s.Reserve)))
	return s, err
}

// Generate produces a new revision of a section from Pending, or regenerates
// it without feedback from AwaitingFeedback. The revision is recorded as
// Generated and the draft is returned paused at AwaitingFeedback.
func (c *Controller) Generate(ctx context.Context, sessionID string, id session.SectionID) (draft *session.SectionDraft, err error) {
	err = c.withSession(ctx, sessionID, func(opCtx context.Context, s *session.Session) (opErr error) {
		var d *session.SectionDraft
		d, opErr = c.reviewable(s, id, session.StatusPending, session.StatusAwaitingFeedback, session.StatusGenerated)
		if opErr != nil {
			return opErr
		}

		origin := session.OriginRegenerate
		if d.Status == session.StatusPending {
			origin = session.OriginInitial
		}

		opErr = c.regenerate(opCtx, s, d, "", origin, "")
		if opErr != nil {
			return opErr
		}

		c.setStatus(s, d, session.StatusAwaitingFeedback)
		draft = copyDraft(d)
		return opErr
	})
	return draft, err
}

// Feedback regenerates a section incorporating reviewer feedback. As with
// Generate, the new revision passes through Generated and is returned
// AwaitingFeedback.
func (c *Controller) Feedback(ctx context.Context, sessionID string, id session.SectionID, feedback string) (draft *session.SectionDraft, err error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		err = invalidTransition("feedback for %s is empty", id)
		return draft, err
	}

	err = c.withSession(ctx, sessionID, func(opCtx context.Context, s *session.Session) (opErr error) {
		var d *session.SectionDraft
		d, opErr = c.reviewable(s, id, session.StatusAwaitingFeedback, session.StatusGenerated)
		if opErr != nil {
			return opErr
		}

		opErr = c.regenerate(opCtx, s, d, feedback, session.OriginFeedback, "")
		if opErr != nil {
			return opErr
		}

		c.setStatus(s, d, session.StatusAwaitingFeedback)
		draft = copyDraft(d)
		return opErr
	})
	return draft, err
}

// Approve accepts a section. Length-constrained sections must fit their
// target first: the controller regenerates with shorten/expand instructions
// until they do, up to MaxAdjustments times, unless opts.Override is set.
func (c *Controller) Approve(ctx context.Context, sessionID string, id session.SectionID, opts ApproveOptions) (draft *session.SectionDraft, err error) {
	err = c.withSession(ctx, sessionID, func(opCtx context.Context, s *session.Session) (opErr error) {
		var d *session.SectionDraft
		d, opErr = c.reviewable(s, id, session.StatusAwaitingFeedback, session.StatusGenerated)
		if opErr != nil {
			return opErr
		}

		rule, constrained := c.rules[id]
		if constrained && !opts.Override {
			opErr = c.fitLength(opCtx, s, d, rule)
			if opErr != nil {
				draft = copyDraft(d)
				return opErr
			}
		}

		c.setStatus(s, d, session.StatusApproved)
		c.logger.Info("section approved",
			zap.String("session_id", s.ID),
			zap.String("section", string(id)),
			zap.Int("revision", d.RevisionNumber),
			zap.Bool("override", opts.Override && constrained))

		c.syncPreview(opCtx, s)
		draft = copyDraft(d)
		return opErr
	})
	return draft, err
}

// Reject discards a section. Rejected is terminal.
func (c *Controller) Reject(ctx context.Context, sessionID string, id session.SectionID) (draft *session.SectionDraft, err error) {
	err = c.withSession(ctx, sessionID, func(opCtx context.Context, s *session.Session) (opErr error) {
		var d *session.SectionDraft
		d, opErr = c.reviewable(s, id, session.StatusAwaitingFeedback, session.StatusGenerated)
		if opErr != nil {
			return opErr
		}

		c.setStatus(s, d, session.StatusRejected)
		draft = copyDraft(d)
		return opErr
	})
	return draft, err
}

// Abandon cancels any in-flight generation for the session and closes it to
// further changes. Its state stays readable.
func (c *Controller) Abandon(ctx context.Context, sessionID string) (err error) {
	c.mu.Lock()
	c.abandoned[sessionID] = true
	if cancel, ok := c.inflight[sessionID]; ok {
		cancel()
	}
	c.mu.Unlock()

	lock := c.lockFor(sessionID)
	lock.Lock()
	defer c.forget(sessionID)
	defer lock.Unlock()

	var s *session.Session
	s, err = c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	if s.Abandoned {
		return err
	}

	s.Abandoned = true
	s.Touch()
	err = c.store.Save(ctx, s)
	if err != nil {
		err = errors.Wrap(err, "failed to save abandoned session")
		return err
	}

	if !s.Archived {
		metrics.SessionsActive.Dec()
	}
	c.logger.Info("session abandoned", zap.String("session_id", sessionID))
	return err
}

// Session returns a snapshot of the session.
func (c *Controller) Session(ctx context.Context, sessionID string) (s *session.Session, err error) {
	s, err = c.store.Load(ctx, sessionID)
	return s, err
}

// Revisions returns every revision of a section, oldest first.
func (c *Controller) Revisions(ctx context.Context, sessionID string, id session.SectionID) (revisions []session.Revision, err error) {
	var s *session.Session
	s, err = c.store.Load(ctx, sessionID)
	if err != nil {
		return revisions, err
	}

	d := s.Draft(id)
	if d == nil {
		err = errors.Errorf("unknown section: %s", id)
		return revisions, err
	}

	revisions = append([]session.Revision{}, d.History...)
	return revisions, err
}

// Finalize assembles the final documents once every section is approved and
// archives the session.
func (c *Controller) Finalize(ctx context.Context, sessionID string) (handle renderer.Handle, err error) {
	err = c.withSession(ctx, sessionID, func(opCtx context.Context, s *session.Session) (opErr error) {
		for _, d := range s.Drafts {
			if d.Status != session.StatusApproved {
				opErr = invalidTransition("section %s is %s, all sections must be approved", d.SectionID, d.Status)
				return opErr
			}
		}

		handle, opErr = c.assembler.Assemble(opCtx, s.Approved())
		if opErr != nil {
			opErr = errors.Wrap(opErr, "failed to assemble final documents")
			return opErr
		}

		s.PreviewRef = handle.ID
		s.Archived = true
		metrics.SessionsActive.Dec()
		c.logger.Info("session finalized", zap.String("session_id", s.ID), zap.String("handle", handle.ID))
		return opErr
	})
	if err == nil {
		c.forget(sessionID)
	}
	return handle, err
}

// withSession runs fn under the session's lock with a cancellable context,
// then persists the session whatever fn returned.
func (c *Controller) withSession(ctx context.Context, sessionID string, fn func(opCtx context.Context, s *session.Session) error) (err error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var opCtx context.Context
	var done func()
	opCtx, done, err = c.begin(ctx, sessionID)
	if err != nil {
		return err
	}
	defer done()

	var s *session.Session
	s, err = c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	if s.Abandoned {
		err = invalidTransition("session %s is abandoned", sessionID)
		return err
	}
	if s.Archived {
		err = invalidTransition("session %s is finalized", sessionID)
		return err
	}

	err = fn(opCtx, s)

	s.Touch()
	saveErr := c.store.Save(ctx, s)
	if saveErr != nil {
		saveErr = errors.Wrapf(saveErr, "failed to save session %s", sessionID)
		if err == nil {
			err = saveErr
			return err
		}
		c.logger.Error("failed to save session after error", zap.String("session_id", sessionID), zap.Error(saveErr))
	}

	return err
}

func (c *Controller) begin(ctx context.Context, sessionID string) (opCtx context.Context, done func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abandoned[sessionID] {
		err = invalidTransition("session %s is abandoned", sessionID)
		return opCtx, done, err
	}

	var cancel context.CancelFunc
	opCtx, cancel = context.WithCancel(ctx)
	c.inflight[sessionID] = cancel

	done = func() {
		c.mu.Lock()
		delete(c.inflight, sessionID)
		c.mu.Unlock()
		cancel()
	}
	return opCtx, done, err
}

func (c *Controller) lockFor(sessionID string) (lock *sync.Mutex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[sessionID] = lock
	}
	return lock
}

// forget drops the per-session bookkeeping of a closed session. The stored
// session's flags keep it closed.
func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	delete(c.locks, sessionID)
	delete(c.abandoned, sessionID)
	c.mu.Unlock()
}

// reviewable returns the draft when it is in one of the allowed states and
// all of its upstream sections are approved.
func (c *Controller) reviewable(s *session.Session, id session.SectionID, allowed ...session.Status) (d *session.SectionDraft, err error) {
	d = s.Draft(id)
	if d == nil {
		err = invalidTransition("unknown section %s", id)
		return d, err
	}

	if unmet := s.UnmetDependencies(id); len(unmet) > 0 {
		err = invalidTransition("section %s requires approved %v", id, unmet)
		return d, err
	}

	for _, status := range allowed {
		if d.Status == status {
			return d, err
		}
	}

	err = invalidTransition("section %s is %s", id, d.Status)
	return d, err
}

// regenerate runs one generation with retries and records the new revision.
// focus limits a projects rewrite to one block. On failure the draft keeps
// its content and status.
func (c *Controller) regenerate(ctx context.Context, s *session.Session, d *session.SectionDraft, feedback string, origin session.Origin, focus string) (err error) {
	var text string
	text, err = c.attempt(ctx, s, d.SectionID, feedback, focus)
	if err != nil {
		d.LastFailure = err.Error()
		return err
	}

	c.record(s, d, text, feedback, origin)
	return err
}

func (c *Controller) record(s *session.Session, d *session.SectionDraft, text, feedback string, origin session.Origin) {
	rev := d.Record(text, feedback, origin)
	metrics.SectionTransitions.WithLabelValues(string(d.SectionID), string(session.StatusGenerated)).Inc()
	c.logger.Info("section generated",
		zap.String("session_id", s.ID),
		zap.String("section", string(d.SectionID)),
		zap.Int("revision", rev.Number),
		zap.String("origin", string(origin)))
}

// attempt calls the generator under the retry policy. Transient failures are
// retried with exponential backoff up to MaxAttempts; unusable content is
// retried up to ContentAttempts. Cancellation is never retried. Project
// rewrites that succeeded stay in the context across retries.
func (c *Controller) attempt(ctx context.Context, s *session.Session, id session.SectionID, feedback, focus string) (text string, err error) {
	sc := sections.NewContext(s, id)
	sc.Focus = focus
	logger := c.logger.With(zap.String("session_id", s.ID), zap.String("section", string(id)))

	var req generation.Request
	var cause error
	attempts := 0
	contentAttempts := 0

	for {
		attempts++
		text, req, cause = c.generator.Generate(ctx, id, sc, feedback)
		if cause == nil {
			return text, err
		}

		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "generation of %s cancelled", id)
			return text, err
		}

		retry := false
		switch {
		case generation.Transient(cause):
			retry = attempts < c.retry.MaxAttempts
		case errors.Is(cause, generation.ErrGenerationContent):
			contentAttempts++
			retry = contentAttempts < c.retry.ContentAttempts && attempts < c.retry.MaxAttempts
		}

		if !retry {
			break
		}

		delay := c.retry.backoff(attempts)
		logger.Warn("generation attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(cause))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err = errors.Wrapf(ctx.Err(), "generation of %s cancelled", id)
			return text, err
		}
	}

	d := s.Draft(id)
	err = &FailureError{
		Kind:        ErrGenerationFailed,
		SectionID:   id,
		Revision:    d.RevisionNumber,
		LastContent: d.Content,
		Attempts:    attempts,
		Request:     req,
		Cause:       cause,
	}
	logger.Error("generation failed", zap.Int("attempts", attempts), zap.Error(cause))
	text = ""
	return text, err
}

// fitLength evaluates the draft and regenerates with adjustment instructions
// until it fits. On any failure the draft returns to AwaitingFeedback with
// its latest generated content.
func (c *Controller) fitLength(ctx context.Context, s *session.Session, d *session.SectionDraft, rule length.Rule) (err error) {
	d.Verdicts = nil
	adjustments := 0
	promoted := false
	logger := c.logger.With(zap.String("session_id", s.ID), zap.String("section", string(d.SectionID)))

	for {
		var verdict session.LengthVerdict
		verdict, err = c.evaluator.Evaluate(length.Candidate{
			Subject: subject(d.SectionID),
			Layout:  rule.Target.Layout,
			Text:    length.Compose(rule.Scope, s, d.Content),
		}, rule.Target)
		if err != nil {
			c.setStatus(s, d, session.StatusAwaitingFeedback)
			err = errors.Wrapf(err, "length evaluation of %s failed", d.SectionID)
			return err
		}

		d.Verdicts = append(d.Verdicts, verdict)
		logger.Debug("length evaluated",
			zap.String("verdict", string(verdict.Verdict)),
			zap.Float64("measured", verdict.Measured),
			zap.Float64("delta", verdict.Delta))

		if verdict.Verdict == session.VerdictFits {
			metrics.LengthAdjustments.WithLabelValues(string(d.SectionID), "fits").Observe(float64(adjustments))
			return err
		}

		if adjustments >= c.maxAdjustments {
			metrics.LengthAdjustments.WithLabelValues(string(d.SectionID), "exhausted").Observe(float64(adjustments))
			c.setStatus(s, d, session.StatusAwaitingFeedback)
			v := verdict
			err = &FailureError{
				Kind:        ErrLengthConstraintUnsatisfiable,
				SectionID:   d.SectionID,
				Revision:    d.RevisionNumber,
				LastContent: d.Content,
				Attempts:    adjustments,
				Verdict:     &v,
			}
			d.LastFailure = err.Error()
			logger.Warn("length adjustment exhausted", zap.Int("adjustments", adjustments))
			return err
		}

		adjustments++
		if d.SectionID == session.SectionProjects {
			err = c.adjustProjects(ctx, s, d, verdict, &promoted)
		} else {
			err = c.regenerate(ctx, s, d, length.Instruction(verdict), session.OriginLength, "")
		}
		if err != nil {
			c.setStatus(s, d, session.StatusAwaitingFeedback)
			return err
		}
	}
}

// adjustProjects moves the projects section one step toward its target. Far
// over, it drops the lowest-ranked block. Short, it promotes one reserve block
// per approval. Otherwise it rewrites the single block that carries the
// adjustment: the longest when shortening, the shortest when expanding.
func (c *Controller) adjustProjects(ctx context.Context, s *session.Session, d *session.SectionDraft, verdict session.LengthVerdict, promoted *bool) (err error) {
	logger := c.logger.With(zap.String("session_id", s.ID))

	switch {
	case verdict.Verdict == session.VerdictTooLong && verdict.Delta > dropMargin:
		if block, ok := s.Demote(minProjects); ok {
			text := sections.JoinProjects(s.Blocks, sections.ProjectGroups(d.Content))
			c.record(s, d, text, "Removed project: "+block.Title, session.OriginLength)
			logger.Info("project dropped for length", zap.String("block", block.ID), zap.Float64("excess", verdict.Delta))
			return err
		}

	case verdict.Verdict == session.VerdictTooShort && !*promoted:
		blocks, reserve := s.Blocks, s.Reserve
		if block, ok := s.Promote(); ok {
			*promoted = true
			err = c.regenerate(ctx, s, d, "Added project: "+block.Title, session.OriginLength, block.ID)
			if err != nil {
				s.Blocks, s.Reserve = blocks, reserve
				return err
			}
			logger.Info("project added for length", zap.String("block", block.ID), zap.Float64("deficit", verdict.Delta))
			return err
		}
	}

	focus := sections.ProjectToAdjust(s.Blocks, d.Content, verdict.Verdict)
	err = c.regenerate(ctx, s, d, length.Instruction(verdict), session.OriginLength, focus)
	return err
}

// syncPreview pushes the approved sections to the assembler. A failed push
// leaves the approval in place.
func (c *Controller) syncPreview(ctx context.Context, s *session.Session) {
	handle, err := c.assembler.Assemble(ctx, s.Approved())
	if err != nil {
		c.logger.Warn("preview sync failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	s.PreviewRef = handle.ID
}

func (c *Controller) setStatus(s *session.Session, d *session.SectionDraft, status session.Status) {
	if d.Status == status {
		return
	}
	d.SetStatus(status)
	metrics.SectionTransitions.WithLabelValues(string(d.SectionID), string(status)).Inc()
}

func subject(id session.SectionID) (name string) {
	switch id {
	case session.SectionProjects:
		name = "resume"
	case session.SectionBody:
		name = "cover letter"
	default:
		name = strings.ReplaceAll(string(id), "_", " ")
	}
	return name
}

func copyDraft(d *session.SectionDraft) (out *session.SectionDraft) {
	clone := *d
	clone.History = append([]session.Revision{}, d.History...)
	clone.Verdicts = append([]session.LengthVerdict{}, d.Verdicts...)
	out = &clone
	return out
}
