package workflow

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nikogura/resume-workflow/pkg/generation"
	"github.com/nikogura/resume-workflow/pkg/length"
	"github.com/nikogura/resume-workflow/pkg/metrics"
	"github.com/nikogura/resume-workflow/pkg/renderer"
	"github.com/nikogura/resume-workflow/pkg/retrieval"
	"github.com/nikogura/resume-workflow/pkg/sections"
	"github.com/nikogura/resume-workflow/pkg/session"
)

type fakeSelector struct {
	err error
}

func (f *fakeSelector) Select(ctx context.Context, job session.JobContext, corpus []session.CandidateBlock, k int) (selected []session.CandidateBlock, err error) {
	if f.err != nil {
		err = f.err
		return selected, err
	}
	if k > len(corpus) {
		k = len(corpus)
	}
	selected = append(selected, corpus[:k]...)
	return selected, err
}

type step struct {
	text string
	err  error
}

// scriptedGenerator plays back per-section steps, then answers "<section> v<n>".
type scriptedGenerator struct {
	mu       sync.Mutex
	script   map[session.SectionID][]step
	calls    map[session.SectionID]int
	feedback map[session.SectionID][]string
	block    bool
	started  chan struct{}
}

func newScriptedGenerator() (g *scriptedGenerator) {
	g = &scriptedGenerator{
		script:   make(map[session.SectionID][]step),
		calls:    make(map[session.SectionID]int),
		feedback: make(map[session.SectionID][]string),
		started:  make(chan struct{}, 1),
	}
	return g
}

func (g *scriptedGenerator) Generate(ctx context.Context, id session.SectionID, sc sections.Context, feedback string) (text string, req generation.Request, err error) {
	req = generation.Request{Backend: "fake", Feedback: feedback, Previous: sc.Current}

	g.mu.Lock()
	g.calls[id]++
	n := g.calls[id]
	g.feedback[id] = append(g.feedback[id], feedback)
	var next *step
	if steps := g.script[id]; len(steps) > 0 {
		next = &steps[0]
		g.script[id] = steps[1:]
	}
	block := g.block
	g.mu.Unlock()

	if block {
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		err = ctx.Err()
		return text, req, err
	}

	if next != nil {
		text, err = next.text, next.err
		return text, req, err
	}

	text = fmt.Sprintf("%s v%d", id, n)
	return text, req, err
}

func (g *scriptedGenerator) count(id session.SectionID) (n int) {
	g.mu.Lock()
	n = g.calls[id]
	g.mu.Unlock()
	return n
}

// stubEvaluator returns verdicts from fn, keyed by call number.
type stubEvaluator struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, target length.Target) session.LengthVerdict
}

func (e *stubEvaluator) Evaluate(candidate length.Candidate, target length.Target) (verdict session.LengthVerdict, err error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if e.fn == nil {
		verdict = length.Classify(candidate.Subject, target.Min, target)
		return verdict, err
	}
	verdict = e.fn(call, target)
	verdict.Subject = candidate.Subject
	return verdict, err
}

type fakeAssembler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAssembler) Assemble(ctx context.Context, approved []session.ApprovedSection) (handle renderer.Handle, err error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		err = a.err
		return handle, err
	}
	handle.ID = fmt.Sprintf("handle-%d", len(approved))
	return handle, err
}

type fixture struct {
	controller *Controller
	store      *session.MemoryStore
	generator  *scriptedGenerator
	evaluator  *stubEvaluator
	assembler  *fakeAssembler
}

func newFixture(t *testing.T) (f *fixture) {
	f = &fixture{
		store:     session.NewMemoryStore(),
		generator: newScriptedGenerator(),
		evaluator: &stubEvaluator{},
		assembler: &fakeAssembler{},
	}
	f.build(t, &fakeSelector{}, 0)
	return f
}

func (f *fixture) build(t *testing.T, selector Selector, maxAdjustments int) {
	c, err := New(Options{
		Store:          f.store,
		Selector:       selector,
		Generator:      f.generator,
		Evaluator:      f.evaluator,
		Assembler:      f.assembler,
		MaxAdjustments: maxAdjustments,
		Retry:          RetryPolicy{MaxAttempts: 3, ContentAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	f.controller = c
}

func corpus(n int) (blocks []session.CandidateBlock) {
	for i := 0; i < n; i++ {
		blocks = append(blocks, session.CandidateBlock{ID: fmt.Sprintf("p%d", i), Title: fmt.Sprintf("Project %d", i), RawText: "Built it."})
	}
	return blocks
}

func (f *fixture) start(t *testing.T) (s *session.Session) {
	s, err := f.controller.Start(context.Background(), session.JobContext{Description: "Go engineer"}, corpus(5), 3)
	require.NoError(t, err)
	return s
}

func (f *fixture) approve(t *testing.T, sessionID string, ids ...session.SectionID) {
	ctx := context.Background()
	for _, id := range ids {
		_, err := f.controller.Generate(ctx, sessionID, id)
		require.NoError(t, err)
		_, err = f.controller.Approve(ctx, sessionID, id, ApproveOptions{})
		require.NoError(t, err)
	}
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	require.Len(t, s.Blocks, 3)
	stored, err := f.controller.Session(context.Background(), s.ID)
	require.NoError(t, err)
	for _, d := range stored.Drafts {
		assert.Equal(t, session.StatusPending, d.Status)
	}
}

func TestStartSelectsTopThreeOfTen(t *testing.T) {
	f := newFixture(t)
	svc := &rankedService{}
	f.build(t, retrieval.NewSelector(svc, nil), 0)

	s, err := f.controller.Start(context.Background(), session.JobContext{Description: "jd"}, corpus(10), 3)
	require.NoError(t, err)

	require.Len(t, s.Blocks, 3)
	assert.Equal(t, []string{"p9", "p8", "p7"}, []string{s.Blocks[0].ID, s.Blocks[1].ID, s.Blocks[2].ID})
}

// rankedService scores later blocks higher.
type rankedService struct{}

func (r *rankedService) Rank(ctx context.Context, jobText string, blocks []session.CandidateBlock, k int) (ranked []retrieval.Ranked, err error) {
	for i, b := range blocks {
		ranked = append(ranked, retrieval.Ranked{BlockID: b.ID, Score: float64(i)})
	}
	return ranked, err
}

func TestStartRetrievalUnavailable(t *testing.T) {
	f := newFixture(t)
	f.build(t, &fakeSelector{err: retrieval.ErrRetrievalUnavailable}, 0)

	s, err := f.controller.Start(context.Background(), session.JobContext{}, corpus(3), 2)
	assert.True(t, errors.Is(err, retrieval.ErrRetrievalUnavailable))
	assert.Nil(t, s)
}

func TestOrderingEnforced(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	_, err := f.controller.Generate(ctx, s.ID, session.SectionBody)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

	_, err = f.controller.Generate(ctx, s.ID, session.SectionProjects)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	f.approve(t, s.ID, session.SectionSummary)

	// Résumé is not complete, so no cover-letter section may start.
	_, err = f.controller.Generate(ctx, s.ID, session.SectionIntro)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	f.approve(t, s.ID, session.SectionProjects, session.SectionIntro)

	// Body needs the conclusion as well.
	_, err = f.controller.Generate(ctx, s.ID, session.SectionBody)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, 0, f.generator.count(session.SectionBody))

	f.approve(t, s.ID, session.SectionConclusion, session.SectionBody)
}

func TestRevisionHistoryMatchesAttempts(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	_, err := f.controller.Generate(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.controller.Feedback(ctx, s.ID, session.SectionSummary, fmt.Sprintf("round %d", i))
		require.NoError(t, err)
	}

	d, err := f.controller.Generate(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)

	assert.Equal(t, 5, d.RevisionNumber)
	revisions, err := f.controller.Revisions(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)
	require.Len(t, revisions, 5)
	for i, rev := range revisions {
		assert.Equal(t, i+1, rev.Number)
		assert.Equal(t, fmt.Sprintf("resume_summary v%d", i+1), rev.Content)
	}
	assert.Equal(t, session.OriginInitial, revisions[0].Origin)
	assert.Equal(t, session.OriginFeedback, revisions[1].Origin)
	assert.Equal(t, session.OriginRegenerate, revisions[4].Origin)
}

func TestFeedbackMakeItMoreConcise(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	generated := metrics.SectionTransitions.WithLabelValues(string(session.SectionSummary), string(session.StatusGenerated))
	awaiting := metrics.SectionTransitions.WithLabelValues(string(session.SectionSummary), string(session.StatusAwaitingFeedback))

	before, err := f.controller.Generate(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)
	generatedBefore, awaitingBefore := testutil.ToFloat64(generated), testutil.ToFloat64(awaiting)

	after, err := f.controller.Feedback(ctx, s.ID, session.SectionSummary, "make it more concise")
	require.NoError(t, err)

	// The new revision is Generated, then paused for review.
	assert.Equal(t, generatedBefore+1, testutil.ToFloat64(generated))
	assert.Equal(t, awaitingBefore+1, testutil.ToFloat64(awaiting))
	assert.Equal(t, before.RevisionNumber+1, after.RevisionNumber)
	assert.Equal(t, session.StatusAwaitingFeedback, after.Status)
	assert.Equal(t, "resume_summary v2", after.Content)
	assert.Equal(t, "make it more concise", after.History[1].Feedback)
	assert.Equal(t, []string{"", "make it more concise"}, f.generator.feedback[session.SectionSummary])
}

func TestFeedbackRules(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	_, err := f.controller.Feedback(ctx, s.ID, session.SectionSummary, "shorter")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "feedback on a pending section")

	_, err = f.controller.Generate(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)

	_, err = f.controller.Feedback(ctx, s.ID, session.SectionSummary, "   ")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "empty feedback")
}

func TestBoundedRetryOnTimeout(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	for i := 0; i < 5; i++ {
		f.generator.script[session.SectionSummary] = append(f.generator.script[session.SectionSummary], step{err: generation.ErrGenerationTimeout})
	}

	d, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, ErrGenerationFailed))
	assert.True(t, errors.Is(err, generation.ErrGenerationTimeout))
	assert.Equal(t, 3, f.generator.count(session.SectionSummary))

	var failure *FailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, 0, failure.Revision)
	assert.Equal(t, generation.BackendID("fake"), failure.Request.Backend)

	stored, err := f.controller.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, stored.Draft(session.SectionSummary).Status)
	assert.Equal(t, 0, stored.Draft(session.SectionSummary).RevisionNumber)
	assert.NotEmpty(t, stored.Draft(session.SectionSummary).LastFailure)
}

func TestRetryRecoversFromRateLimit(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.generator.script[session.SectionSummary] = []step{
		{err: generation.ErrGenerationRateLimited},
		{err: generation.ErrGenerationTimeout},
		{text: "third time"},
	}

	d, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	require.NoError(t, err)
	assert.Equal(t, "third time", d.Content)
	assert.Equal(t, 1, d.RevisionNumber)
	assert.Equal(t, 3, f.generator.count(session.SectionSummary))
}

func TestContentErrorRetriedOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.generator.script[session.SectionSummary] = []step{
		{err: generation.ErrGenerationContent},
		{err: generation.ErrGenerationContent},
		{text: "never reached"},
	}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	assert.True(t, errors.Is(err, generation.ErrGenerationContent))
	assert.Equal(t, 2, f.generator.count(session.SectionSummary))
}

func TestNonTransientErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.generator.script[session.SectionSummary] = []step{{err: errors.New("bad request")}}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	assert.True(t, errors.Is(err, ErrGenerationFailed))
	assert.Equal(t, 1, f.generator.count(session.SectionSummary))
}

func TestLengthAdjustmentConverges(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.evaluator.fn = func(call int, target length.Target) session.LengthVerdict {
		deltas := []float64{3, 2, 0}
		delta := deltas[call-1]
		if delta == 0 {
			return session.LengthVerdict{Measured: target.Max, Min: target.Min, Max: target.Max, Verdict: session.VerdictFits}
		}
		return session.LengthVerdict{Measured: target.Max + delta, Min: target.Min, Max: target.Max, Verdict: session.VerdictTooLong, Delta: delta}
	}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	require.NoError(t, err)

	d, err := f.controller.Approve(context.Background(), s.ID, session.SectionSummary, ApproveOptions{})
	require.NoError(t, err)

	assert.Equal(t, session.StatusApproved, d.Status)
	assert.Equal(t, 3, d.RevisionNumber)
	assert.Equal(t, 3, f.generator.count(session.SectionSummary))
	assert.Len(t, d.Verdicts, 3)
	assert.Equal(t, session.OriginLength, d.History[2].Origin)
	assert.Contains(t, d.History[1].Feedback, "Shorten by about 3 lines")
	assert.Contains(t, d.History[2].Feedback, "Shorten by about 2 lines")
	assert.Equal(t, 1, f.assembler.calls)
}

func TestLengthAdjustmentExhausted(t *testing.T) {
	f := newFixture(t)
	f.build(t, &fakeSelector{}, 3)
	s := f.start(t)
	f.evaluator.fn = func(call int, target length.Target) session.LengthVerdict {
		return session.LengthVerdict{Measured: target.Min - 4, Min: target.Min, Max: target.Max, Verdict: session.VerdictTooShort, Delta: -4}
	}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	require.NoError(t, err)

	d, err := f.controller.Approve(context.Background(), s.ID, session.SectionSummary, ApproveOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLengthConstraintUnsatisfiable))

	var failure *FailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 3, failure.Attempts)
	require.NotNil(t, failure.Verdict)
	assert.Equal(t, session.VerdictTooShort, failure.Verdict.Verdict)

	require.NotNil(t, d)
	assert.Equal(t, session.StatusAwaitingFeedback, d.Status)
	assert.Equal(t, 4, d.RevisionNumber)
	assert.Equal(t, "resume_summary v4", d.Content)
	assert.Contains(t, d.History[3].Feedback, "Expand by about 4 lines")
	assert.Equal(t, 0, f.assembler.calls)

	// Still reviewable: the reviewer may override.
	d, err = f.controller.Approve(context.Background(), s.ID, session.SectionSummary, ApproveOptions{Override: true})
	require.NoError(t, err)
	assert.Equal(t, session.StatusApproved, d.Status)
}

func TestOverrideSkipsLengthCheck(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.evaluator.fn = func(call int, target length.Target) session.LengthVerdict {
		return session.LengthVerdict{Verdict: session.VerdictTooLong, Delta: 10}
	}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	require.NoError(t, err)

	d, err := f.controller.Approve(context.Background(), s.ID, session.SectionSummary, ApproveOptions{Override: true})
	require.NoError(t, err)
	assert.Equal(t, session.StatusApproved, d.Status)
	assert.Equal(t, 0, f.evaluator.calls)
}

func TestUnconstrainedSectionSkipsEvaluation(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.approve(t, s.ID, session.SectionSummary, session.SectionProjects)
	calls := f.evaluator.calls

	f.approve(t, s.ID, session.SectionIntro)
	assert.Equal(t, calls, f.evaluator.calls)
}

func TestGenerationFailureDuringAdjustment(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.evaluator.fn = func(call int, target length.Target) session.LengthVerdict {
		return session.LengthVerdict{Verdict: session.VerdictTooLong, Delta: 2}
	}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	require.NoError(t, err)
	f.generator.script[session.SectionSummary] = []step{{err: errors.New("backend exploded")}}

	d, err := f.controller.Approve(context.Background(), s.ID, session.SectionSummary, ApproveOptions{})
	assert.True(t, errors.Is(err, ErrGenerationFailed))
	require.NotNil(t, d)
	assert.Equal(t, session.StatusAwaitingFeedback, d.Status)
	assert.Equal(t, "resume_summary v1", d.Content)
	assert.Equal(t, 1, d.RevisionNumber)
}

func TestPreviewFailureKeepsApproval(t *testing.T) {
	f := newFixture(t)
	f.assembler.err = errors.New("preview down")
	s := f.start(t)

	f.approve(t, s.ID, session.SectionSummary)

	stored, err := f.controller.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusApproved, stored.Draft(session.SectionSummary).Status)
	assert.Empty(t, stored.PreviewRef)
}

func TestPreviewSyncedOnApproval(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	f.approve(t, s.ID, session.SectionSummary, session.SectionProjects)

	stored, err := f.controller.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "handle-2", stored.PreviewRef)
	assert.Equal(t, 2, f.assembler.calls)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	_, err := f.controller.Reject(ctx, s.ID, session.SectionSummary)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "pending sections cannot be rejected")

	_, err = f.controller.Generate(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)

	d, err := f.controller.Reject(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRejected, d.Status)

	_, err = f.controller.Generate(ctx, s.ID, session.SectionSummary)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = f.controller.Approve(ctx, s.ID, session.SectionSummary, ApproveOptions{})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestApprovedIsTerminal(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.approve(t, s.ID, session.SectionSummary)

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = f.controller.Feedback(context.Background(), s.ID, session.SectionSummary, "again")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestAbandonCancelsInflightGeneration(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.generator.block = true

	result := make(chan error, 1)
	go func() {
		_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
		result <- err
	}()

	select {
	case <-f.generator.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation never started")
	}

	require.NoError(t, f.controller.Abandon(context.Background(), s.ID))

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight generation was not cancelled")
	}

	_, err := f.controller.Generate(context.Background(), s.ID, session.SectionSummary)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	stored, err := f.controller.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Abandoned)
	assert.Equal(t, session.StatusPending, stored.Draft(session.SectionSummary).Status)
	assert.Equal(t, 1, f.generator.count(session.SectionSummary))
}

func TestFinalize(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	ctx := context.Background()

	_, err := f.controller.Finalize(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	f.approve(t, s.ID, session.Order()...)

	handle, err := f.controller.Finalize(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "handle-5", handle.ID)

	stored, err := f.controller.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Archived)
	assert.True(t, stored.Complete())

	_, err = f.controller.Finalize(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestIndependentSessionsRunConcurrently(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		s := f.start(t)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.controller.Generate(context.Background(), id, session.SectionSummary)
			if err == nil {
				_, err = f.controller.Approve(context.Background(), id, session.SectionSummary, ApproveOptions{})
			}
			errs <- err
		}(s.ID)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, f.generator.count(session.SectionSummary))
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.controller.Generate(context.Background(), "missing", session.SectionSummary)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestClosedSessionsReleaseBookkeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	finished := f.start(t)
	f.approve(t, finished.ID, session.Order()...)
	_, err := f.controller.Finalize(ctx, finished.ID)
	require.NoError(t, err)

	abandoned := f.start(t)
	_, err = f.controller.Generate(ctx, abandoned.ID, session.SectionSummary)
	require.NoError(t, err)
	require.NoError(t, f.controller.Abandon(ctx, abandoned.ID))

	err = f.controller.Abandon(ctx, "missing")
	assert.True(t, errors.Is(err, session.ErrNotFound))

	f.controller.mu.Lock()
	assert.Empty(t, f.controller.locks)
	assert.Empty(t, f.controller.abandoned)
	assert.Empty(t, f.controller.inflight)
	f.controller.mu.Unlock()

	// Closed sessions stay closed through their stored flags.
	_, err = f.controller.Feedback(ctx, abandoned.ID, session.SectionSummary, "again")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = f.controller.Finalize(ctx, finished.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStartKeepsReserve(t *testing.T) {
	f := newFixture(t)

	s, err := f.controller.Start(context.Background(), session.JobContext{Description: "jd"}, corpus(8), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p2"}, ids(s.Blocks))
	assert.Equal(t, []string{"p3", "p4"}, ids(s.Reserve))

	_, err = f.controller.Start(context.Background(), session.JobContext{Description: "jd"}, corpus(8), 0)
	assert.Error(t, err)
}

//nolint:gochecknoglobals // test pattern
var adjustment = regexp.MustCompile(`^(Shorten|Expand) by about (\d+) line`)

// literalModel answers project rewrites with one short bullet per line. Asked
// to shorten or expand a project by N lines, it does exactly that to the one
// project it was given.
type literalModel struct {
	mu       sync.Mutex
	bullets  map[string]int
	failures map[string]int
	projects int
}

func (m *literalModel) Generate(ctx context.Context, req generation.Request) (text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Template != generation.TemplateProjectRewrite {
		text = "Go engineer who ships."
		return text, err
	}

	m.projects++
	title := strings.SplitN(req.Fields[generation.FieldProject], "\n", 2)[0]
	if m.failures[title] > 0 {
		m.failures[title]--
		err = generation.ErrGenerationRateLimited
		return text, err
	}

	n := m.bullets[title]
	if n == 0 {
		n = 7
	}
	if req.Previous != "" {
		n = strings.Count(req.Previous, "\n- ")
		if match := adjustment.FindStringSubmatch(req.Feedback); match != nil {
			by, _ := strconv.Atoi(match[2])
			if match[1] == "Shorten" {
				n -= by
			} else {
				n += by
			}
		}
		if n < 1 {
			n = 1
		}
	}

	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("Did thing %d.", i+1)
	}
	text = strings.Join(lines, "\n")
	return text, err
}

func (m *literalModel) projectCalls() (n int) {
	m.mu.Lock()
	n = m.projects
	m.mu.Unlock()
	return n
}

// newModelController runs the real section registry and layout-based length
// evaluator over model.
func newModelController(t *testing.T, model *literalModel) (c *Controller) {
	policy := sections.Policy{}
	for _, id := range session.Order() {
		policy[id] = "fake"
	}
	registry, err := sections.NewRegistry(model, policy, nil)
	require.NoError(t, err)

	c, err = New(Options{
		Store:     session.NewMemoryStore(),
		Selector:  &fakeSelector{},
		Generator: registry,
		Evaluator: length.NewEvaluator(renderer.NewLayoutEstimator()),
		Assembler: &fakeAssembler{},
		Retry:     RetryPolicy{MaxAttempts: 3, ContentAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

// draftProjects starts a session, approves a one-line summary and drafts the projects.
func draftProjects(t *testing.T, c *Controller, k int) (s *session.Session) {
	ctx := context.Background()
	s, err := c.Start(ctx, session.JobContext{Description: "Go engineer"}, corpus(8), k)
	require.NoError(t, err)

	_, err = c.Generate(ctx, s.ID, session.SectionSummary)
	require.NoError(t, err)
	_, err = c.Approve(ctx, s.ID, session.SectionSummary, ApproveOptions{Override: true})
	require.NoError(t, err)

	_, err = c.Generate(ctx, s.ID, session.SectionProjects)
	require.NoError(t, err)
	return s
}

func TestProjectsLengthLoopConverges(t *testing.T) {
	tests := []struct {
		name         string
		k            int
		bullets      map[string]int
		wantBlocks   []string
		wantReserve  []string
		wantCalls    int
		wantFeedback []string
		wantBullets  map[string]int
	}{
		{
			// 31 lines: only the longest block absorbs the 7-line cut.
			name:         "slightly long rewrites only the longest block",
			k:            3,
			bullets:      map[string]int{"Project 1": 8},
			wantBlocks:   []string{"p0", "p1", "p2"},
			wantReserve:  []string{"p3", "p4"},
			wantCalls:    4,
			wantFeedback: []string{"Shorten by about 7 lines"},
			wantBullets:  map[string]int{"Project 0": 7, "Project 1": 1, "Project 2": 7},
		},
		{
			// 39 lines: drop the lowest-ranked block, then trim one block.
			name:         "far over drops the lowest-ranked block",
			k:            4,
			wantBlocks:   []string{"p0", "p1", "p2"},
			wantReserve:  []string{"p3", "p4", "p5"},
			wantCalls:    5,
			wantFeedback: []string{"Removed project: Project 3", "Shorten by about 6 lines"},
			wantBullets:  map[string]int{"Project 0": 1, "Project 1": 7, "Project 2": 7},
		},
		{
			// 15 lines: promote the next-ranked block.
			name:         "short promotes a reserve block",
			k:            3,
			bullets:      map[string]int{"Project 0": 2, "Project 1": 2, "Project 2": 2},
			wantBlocks:   []string{"p0", "p1", "p2", "p3"},
			wantReserve:  []string{"p4"},
			wantCalls:    4,
			wantFeedback: []string{"Added project: Project 3"},
			wantBullets:  map[string]int{"Project 0": 2, "Project 1": 2, "Project 2": 2, "Project 3": 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &literalModel{bullets: tt.bullets}
			c := newModelController(t, model)
			s := draftProjects(t, c, tt.k)

			d, err := c.Approve(context.Background(), s.ID, session.SectionProjects, ApproveOptions{})
			require.NoError(t, err)
			assert.Equal(t, session.StatusApproved, d.Status)
			assert.Equal(t, tt.wantCalls, model.projectCalls())

			// Every cycle lands strictly closer to the target.
			require.Len(t, d.Verdicts, len(tt.wantFeedback)+1)
			for i := 1; i < len(d.Verdicts); i++ {
				assert.Less(t, math.Abs(d.Verdicts[i].Delta), math.Abs(d.Verdicts[i-1].Delta), "cycle %d", i)
			}
			assert.Equal(t, session.VerdictFits, d.Verdicts[len(d.Verdicts)-1].Verdict)

			require.Len(t, d.History, len(tt.wantFeedback)+1)
			for i, want := range tt.wantFeedback {
				assert.True(t, strings.HasPrefix(d.History[i+1].Feedback, want), "revision %d feedback %q", i+2, d.History[i+1].Feedback)
				assert.Equal(t, session.OriginLength, d.History[i+1].Origin)
			}

			groups := sections.ProjectGroups(d.Content)
			require.Len(t, groups, len(tt.wantBullets))
			for title, want := range tt.wantBullets {
				assert.Equal(t, want, strings.Count(groups[title], "\n- "), title)
			}

			stored, err := c.Session(context.Background(), s.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBlocks, ids(stored.Blocks))
			assert.Equal(t, tt.wantReserve, ids(stored.Reserve))
		})
	}
}

func TestProjectsRetryKeepsCompletedBlocks(t *testing.T) {
	model := &literalModel{failures: map[string]int{"Project 2": 2}}
	c := newModelController(t, model)

	s := draftProjects(t, c, 3)

	// Two calls for the blocks that succeeded, three for the one that was rate limited.
	assert.Equal(t, 5, model.projectCalls())

	stored, err := c.Session(context.Background(), s.ID)
	require.NoError(t, err)
	d := stored.Draft(session.SectionProjects)
	assert.Equal(t, 1, d.RevisionNumber)
	assert.Len(t, sections.ProjectGroups(d.Content), 3)
}

func ids(blocks []session.CandidateBlock) (out []string) {
	for _, b := range blocks {
		out = append(out, b.ID)
	}
	return out
}
