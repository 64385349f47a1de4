package retrieval

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// ErrRetrievalUnavailable means no ranking could be produced. Selection never
// falls back to the whole corpus.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Ranked is one block's relevance score.
type Ranked struct {
	BlockID string  `json:"id"`
	Score   float64 `json:"score"`
}

// Service ranks corpus blocks against a job description.
type Service interface {
	Rank(ctx context.Context, jobText string, corpus []session.CandidateBlock, k int) (ranked []Ranked, err error)
}
