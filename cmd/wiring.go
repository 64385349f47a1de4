package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/config"
	"github.com/nikogura/resume-workflow/pkg/generation"
	"github.com/nikogura/resume-workflow/pkg/length"
	"github.com/nikogura/resume-workflow/pkg/renderer"
	"github.com/nikogura/resume-workflow/pkg/retrieval"
	"github.com/nikogura/resume-workflow/pkg/sections"
	"github.com/nikogura/resume-workflow/pkg/session"
	"github.com/nikogura/resume-workflow/pkg/workflow"
)

const retrievalTimeout = 30 * time.Second

// openStore returns the Redis store when configured, otherwise an in-memory one.
func openStore(ctx context.Context, cfg config.Config) (store session.Store, closeStore func() error, err error) {
	closeStore = func() (err error) { return err }
	if cfg.Redis.Address == "" {
		store = session.NewMemoryStore()
		return store, closeStore, err
	}

	var redisStore *session.RedisStore
	redisStore, err = session.NewRedisStore(ctx, session.RedisOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.RedisTTL(),
	})
	if err != nil {
		return store, closeStore, err
	}

	store = redisStore
	closeStore = redisStore.Close
	return store, closeStore, err
}

// buildGeneration registers every backend a section is bound to.
func buildGeneration(cfg config.Config, logger *zap.Logger) (svc *generation.Service, err error) {
	svc = generation.NewService(logger)

	for _, name := range cfg.SectionPolicy() {
		id := generation.BackendID(name)
		if svc.Has(id) {
			continue
		}

		bc := cfg.Backends[name]
		var key string
		key, err = bc.APIKey()
		if err != nil {
			err = errors.Wrapf(err, "backend %s", name)
			return svc, err
		}

		var backend generation.Backend
		switch bc.Provider {
		case config.ProviderAnthropic:
			backend = generation.NewAnthropicBackend(generation.AnthropicOptions{
				APIKey:      key,
				Model:       bc.Model,
				BaseURL:     bc.BaseURL,
				MaxTokens:   bc.MaxTokens,
				Temperature: bc.Temperature,
			})
		case config.ProviderOpenAI:
			backend = generation.NewOpenAIBackend(generation.OpenAIOptions{
				APIKey:      key,
				Model:       bc.Model,
				BaseURL:     bc.BaseURL,
				MaxTokens:   bc.MaxTokens,
				Temperature: bc.Temperature,
			})
		default:
			err = errors.Errorf("backend %s has unknown provider %q", name, bc.Provider)
			return svc, err
		}

		svc.Register(id, backend, generation.Limits{
			RequestsPerMinute: bc.RequestsPerMinute,
			Burst:             bc.Burst,
			Timeout:           bc.Timeout(),
			MaxWait:           bc.MaxWait(),
		})
		logger.Debug("backend registered",
			zap.String("backend", name),
			zap.String("provider", bc.Provider),
			zap.Int("rpm", bc.RequestsPerMinute))
	}

	return svc, err
}

// buildRanker picks the external ranking service when a URL is configured,
// otherwise the in-process keyword index.
func buildRanker(cfg config.Config, logger *zap.Logger) (svc retrieval.Service, err error) {
	if cfg.Retrieval.URL != "" {
		svc = retrieval.NewHTTPService(cfg.Retrieval.URL, retrievalTimeout)
		return svc, err
	}

	svc, err = retrieval.NewKeywordService(cfg.Retrieval.IndexPath, logger)
	return svc, err
}

// buildController wires the workflow controller around gen. Assembled
// previews go to previewDir when it is set.
func buildController(cfg config.Config, gen sections.Generator, ranker retrieval.Service, store session.Store, previewDir string, logger *zap.Logger) (c *workflow.Controller, err error) {
	policy := make(sections.Policy)
	for id, name := range cfg.SectionPolicy() {
		policy[id] = generation.BackendID(name)
	}

	var registry *sections.Registry
	registry, err = sections.NewRegistry(gen, policy, logger)
	if err != nil {
		return c, err
	}

	base, ceiling := cfg.RetryDelays()
	c, err = workflow.New(workflow.Options{
		Store:          store,
		Selector:       retrieval.NewSelector(ranker, logger),
		Generator:      registry,
		Evaluator:      length.NewEvaluator(renderer.NewLayoutEstimator()),
		Assembler:      renderer.NewMarkdownAssembler(cfg.Name, previewDir, logger),
		Rules:          length.Rules(cfg.LengthTargets()),
		MaxAdjustments: cfg.Length.MaxAdjustments,
		Retry: workflow.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			ContentAttempts: cfg.Retry.ContentAttempts,
			BaseDelay:       base,
			MaxDelay:        ceiling,
		},
		Logger: logger,
	})
	return c, err
}
