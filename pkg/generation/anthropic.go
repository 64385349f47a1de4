package generation

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// AnthropicOptions configures an AnthropicBackend.
type AnthropicOptions struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

// NewAnthropicBackend creates a backend with SDK retries disabled; the
// workflow controller owns retry policy.
func NewAnthropicBackend(opts AnthropicOptions) (b *AnthropicBackend) {
	if opts.Model == "" {
		opts.Model = DefaultAnthropicModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	b = &AnthropicBackend{
		client:      anthropic.NewClient(reqOpts...),
		model:       opts.Model,
		maxTokens:   int64(opts.MaxTokens),
		temperature: opts.Temperature,
	}
	return b
}

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, prompt string) (reply string, err error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if b.temperature > 0 {
		params.Temperature = anthropic.Float(b.temperature)
	}

	var msg *anthropic.Message
	msg, err = b.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			err = errors.Wrap(statusError(apiErr.StatusCode, apiErr.Error()), "anthropic request failed")
			return reply, err
		}
		err = errors.Wrap(err, "anthropic request failed")
		return reply, err
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}

	if len(parts) == 0 {
		err = errors.Wrap(ErrGenerationContent, "no text content in anthropic response")
		return reply, err
	}

	reply = strings.Join(parts, "")
	return reply, err
}
