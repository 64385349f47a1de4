package generation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// BackendID names a configured model backend.
type BackendID string

// Backend sends one prompt to a model and returns its raw reply.
type Backend interface {
	Complete(ctx context.Context, prompt string) (reply string, err error)
}

// envelope is the JSON shape every prompt asks the model to answer in.
type envelope struct {
	Text string `json:"text"`
}

// parseReply extracts the section text from a model reply.
func parseReply(reply string) (text string, err error) {
	cleaned := stripMarkdownCodeFences(strings.TrimSpace(reply))
	if cleaned == "" {
		err = errors.Wrap(ErrGenerationContent, "empty reply")
		return text, err
	}

	var env envelope
	err = json.Unmarshal([]byte(cleaned), &env)
	if err != nil {
		err = errors.Wrapf(ErrGenerationContent, "malformed reply: %s", truncate(reply, 200))
		return text, err
	}

	text = strings.TrimSpace(env.Text)
	if text == "" {
		err = errors.Wrap(ErrGenerationContent, "reply text is empty")
		return text, err
	}

	return text, err
}

// stripMarkdownCodeFences removes a ```json or bare ``` fence around a reply.
func stripMarkdownCodeFences(text string) (cleaned string) {
	cleaned = text
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}

	// Drop the opening fence line including any language tag
	newline := strings.IndexByte(cleaned, '\n')
	if newline == -1 {
		cleaned = ""
		return cleaned
	}
	cleaned = cleaned[newline+1:]

	cleaned = strings.TrimRight(cleaned, " \r\n")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimRight(cleaned, " \r\n")

	return cleaned
}

func truncate(s string, n int) (out string) {
	out = s
	if len(out) > n {
		out = out[:n] + "..."
	}
	return out
}
