package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// Selector picks the top-k most relevant blocks for a job.
type Selector struct {
	service Service
	logger  *zap.Logger
}

// NewSelector creates a selector over service.
func NewSelector(service Service, logger *zap.Logger) (s *Selector) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s = &Selector{service: service, logger: logger}
	return s
}

// Select returns exactly min(k, len(corpus)) blocks ordered by descending
// relevance, ties in corpus order.
func (s *Selector) Select(ctx context.Context, job session.JobContext, corpus []session.CandidateBlock, k int) (selected []session.CandidateBlock, err error) {
	if k <= 0 {
		err = errors.Errorf("k must be positive, got %d", k)
		return selected, err
	}

	if len(corpus) == 0 {
		err = errors.Wrap(ErrRetrievalUnavailable, "corpus is empty")
		return selected, err
	}

	want := k
	if len(corpus) < want {
		want = len(corpus)
	}

	var ranked []Ranked
	ranked, err = s.service.Rank(ctx, QueryText(job), corpus, want)
	if err != nil {
		if !errors.Is(err, ErrRetrievalUnavailable) {
			err = errors.Wrap(ErrRetrievalUnavailable, err.Error())
		}
		return selected, err
	}

	position := make(map[string]int, len(corpus))
	for i, b := range corpus {
		position[b.ID] = i
	}

	seen := make(map[string]bool, len(ranked))
	unique := make([]Ranked, 0, len(ranked))
	for _, r := range ranked {
		if _, ok := position[r.BlockID]; !ok {
			err = errors.Wrapf(ErrRetrievalUnavailable, "service returned unknown block %q", r.BlockID)
			return selected, err
		}
		if seen[r.BlockID] {
			continue
		}
		seen[r.BlockID] = true
		unique = append(unique, r)
	}

	if len(unique) < want {
		err = errors.Wrapf(ErrRetrievalUnavailable, "service ranked %d blocks, need %d", len(unique), want)
		return selected, err
	}

	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].Score != unique[j].Score {
			return unique[i].Score > unique[j].Score
		}
		return position[unique[i].BlockID] < position[unique[j].BlockID]
	})

	selected = make([]session.CandidateBlock, 0, want)
	for _, r := range unique[:want] {
		selected = append(selected, corpus[position[r.BlockID]])
	}

	s.logger.Info("projects selected", zap.Int("corpus", len(corpus)), zap.Int("k", k), zap.Int("selected", len(selected)))

	return selected, err
}

// QueryText is the text a job is ranked by: its description plus derived keywords.
func QueryText(job session.JobContext) (text string) {
	text = job.Description
	if len(job.Keywords) > 0 {
		text += "\n" + strings.Join(job.Keywords, " ")
	}
	return text
}
