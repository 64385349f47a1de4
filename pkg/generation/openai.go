package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// DefaultOpenAIBaseURL is used when no base URL is configured.
const DefaultOpenAIBaseURL = "https://api.deepseek.com/v1"

// OpenAIBackend calls any OpenAI-compatible /chat/completions endpoint
// (DeepSeek, Groq, OpenAI).
type OpenAIBackend struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
}

// OpenAIOptions configures an OpenAIBackend.
type OpenAIOptions struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAIBackend creates a backend.
func NewOpenAIBackend(opts OpenAIOptions) (b *OpenAIBackend) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOpenAIBaseURL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}

	b = &OpenAIBackend{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}
	return b
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, prompt string) (reply string, err error) {
	reqBody := chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write résumé and cover-letter sections. Answer with a single JSON object."},
			{Role: "user", Content: prompt},
		},
		Temperature:    b.temperature,
		MaxTokens:      b.maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var body []byte
	body, err = json.Marshal(reqBody)
	if err != nil {
		err = errors.Wrap(err, "failed to marshal request")
		return reply, err
	}

	var req *http.Request
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		err = errors.Wrap(err, "failed to create HTTP request")
		return reply, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	var resp *http.Response
	resp, err = b.httpClient.Do(req)
	if err != nil {
		err = errors.Wrap(err, "HTTP request failed")
		return reply, err
	}
	defer resp.Body.Close()

	var respBody []byte
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		err = errors.Wrap(err, "failed to read response body")
		return reply, err
	}

	if resp.StatusCode != http.StatusOK {
		err = statusError(resp.StatusCode, truncate(string(respBody), 500))
		return reply, err
	}

	var parsed chatResponse
	err = json.Unmarshal(respBody, &parsed)
	if err != nil {
		err = errors.Wrapf(ErrGenerationContent, "failed to parse response: %s", truncate(string(respBody), 200))
		return reply, err
	}

	if len(parsed.Choices) == 0 {
		err = errors.Wrap(ErrGenerationContent, "no choices in response")
		return reply, err
	}

	reply = parsed.Choices[0].Message.Content
	return reply, err
}
