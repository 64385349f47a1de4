package generation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nikogura/resume-workflow/pkg/metrics"
)

// Request is one generation call through the service boundary.
type Request struct {
	Backend  BackendID
	Template TemplateID
	Fields   map[string]string
	Feedback string
	Previous string
}

// Limits bounds one backend's call rate and duration.
type Limits struct {
	// RequestsPerMinute is the rate ceiling; zero disables limiting.
	RequestsPerMinute int
	// Burst defaults to RequestsPerMinute.
	Burst int
	// Timeout bounds a single call; zero means no per-call deadline.
	Timeout time.Duration
	// MaxWait is the longest a call may queue for admission before it fails rate limited.
	MaxWait time.Duration
}

type boundBackend struct {
	backend Backend
	limiter *rate.Limiter
	limits  Limits
}

// Service routes requests to backends, applying each backend's rate ceiling
// and deadline and mapping failures onto the generation sentinels.
type Service struct {
	mu       sync.RWMutex
	backends map[BackendID]*boundBackend
	logger   *zap.Logger
}

// NewService creates an empty service.
func NewService(logger *zap.Logger) (s *Service) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s = &Service{
		backends: make(map[BackendID]*boundBackend),
		logger:   logger,
	}
	return s
}

// Register binds a backend under id with its limits.
func (s *Service) Register(id BackendID, backend Backend, limits Limits) {
	bound := &boundBackend{backend: backend, limits: limits}
	if limits.RequestsPerMinute > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = limits.RequestsPerMinute
		}
		bound.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limits.RequestsPerMinute)), burst)
	}

	s.mu.Lock()
	s.backends[id] = bound
	s.mu.Unlock()
}

// Has reports whether id is registered.
func (s *Service) Has(id BackendID) (ok bool) {
	s.mu.RLock()
	_, ok = s.backends[id]
	s.mu.RUnlock()
	return ok
}

// Generate renders the request's prompt, waits for admission and calls the backend once.
func (s *Service) Generate(ctx context.Context, req Request) (text string, err error) {
	s.mu.RLock()
	bound, ok := s.backends[req.Backend]
	s.mu.RUnlock()
	if !ok {
		err = errors.Errorf("unknown backend: %s", req.Backend)
		return text, err
	}

	var prompt string
	prompt, err = BuildPrompt(req.Template, req.Fields, req.Previous, req.Feedback)
	if err != nil {
		return text, err
	}

	backend := string(req.Backend)
	logger := s.logger.With(zap.String("backend", backend), zap.String("template", string(req.Template)))

	err = s.admit(ctx, bound, backend)
	if err != nil {
		s.record(backend, err)
		logger.Warn("generation not admitted", zap.Error(err))
		return text, err
	}

	callCtx := ctx
	if bound.limits.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, bound.limits.Timeout)
		defer cancel()
	}

	start := time.Now()
	var reply string
	reply, err = bound.backend.Complete(callCtx, prompt)
	metrics.GenerationDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classify(ctx, err)
		s.record(backend, err)
		logger.Warn("generation failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return text, err
	}

	text, err = parseReply(reply)
	s.record(backend, err)
	if err != nil {
		logger.Warn("generation returned unusable content", zap.Error(err))
		return text, err
	}

	logger.Debug("generation complete", zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(text)))
	return text, err
}

// admit waits for a rate limiter reservation, failing fast when the wait
// would exceed MaxWait.
func (s *Service) admit(ctx context.Context, bound *boundBackend, backend string) (err error) {
	if bound.limiter == nil {
		return err
	}

	reservation := bound.limiter.Reserve()
	if !reservation.OK() {
		err = errors.Wrap(ErrGenerationRateLimited, "burst exceeds limiter capacity")
		return err
	}

	delay := reservation.Delay()
	if bound.limits.MaxWait > 0 && delay > bound.limits.MaxWait {
		reservation.Cancel()
		err = errors.Wrapf(ErrGenerationRateLimited, "admission wait %s exceeds %s", delay, bound.limits.MaxWait)
		return err
	}

	metrics.RateLimitWait.WithLabelValues(backend).Observe(delay.Seconds())
	if delay == 0 {
		return err
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		reservation.Cancel()
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(ErrGenerationRateLimited, "deadline reached while waiting for admission")
		}
	}

	return err
}

func (s *Service) record(backend string, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrGenerationTimeout):
		outcome = metrics.OutcomeTimeout
	case errors.Is(err, ErrGenerationRateLimited):
		outcome = metrics.OutcomeRateLimited
	case errors.Is(err, ErrGenerationUnavailable):
		outcome = metrics.OutcomeUnavailable
	case errors.Is(err, ErrGenerationContent):
		outcome = metrics.OutcomeContent
	default:
		outcome = metrics.OutcomeError
	}
	metrics.GenerationRequests.WithLabelValues(backend, outcome).Inc()
}
